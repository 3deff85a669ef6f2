package match

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"feescan/internal/model"
	"feescan/internal/protocol"
)

// Rule names are persisted with each match for auditability.
const (
	RuleDirectField     = "direct_field"
	RuleTxCounterparty  = "tx_counterparty"
	RuleSiblingTransfer = "sibling_transfer"
	RuleMemoToken       = "memo_token"
)

// Identity is the party being attributed fees: an on-chain address and/or
// a short memo code used by memo-bearing chains.
type Identity struct {
	Address    common.Address
	HasAddress bool
	MemoCode   string
}

// NewIdentity parses an affiliate identity from config strings. At least
// one of address and memo code must be set.
func NewIdentity(address, memoCode string) (Identity, error) {
	id := Identity{MemoCode: strings.TrimSpace(memoCode)}
	address = strings.TrimSpace(address)
	if address != "" {
		if !common.IsHexAddress(address) {
			return Identity{}, fmt.Errorf("invalid affiliate address: %s", address)
		}
		id.Address = common.HexToAddress(address)
		id.HasAddress = true
	}
	if !id.HasAddress && id.MemoCode == "" {
		return Identity{}, fmt.Errorf("affiliate identity requires an address or a memo code")
	}
	return id, nil
}

// String returns the canonical form used in persisted rows.
func (id Identity) String() string {
	if id.HasAddress {
		return id.Address.Hex()
	}
	return id.MemoCode
}

// Result describes how an event was attributed. Amount and Token may
// override the event's own values when the match came from a sibling
// transfer.
type Result struct {
	Rule   string
	Amount string
	Token  string
}

// Matcher decides whether a decoded event involves the affiliate identity.
type Matcher struct {
	identity Identity
}

func NewMatcher(identity Identity) *Matcher {
	return &Matcher{identity: identity}
}

// Identity returns the matcher's affiliate identity.
func (m *Matcher) Identity() Identity { return m.identity }

// MatchDirect tries only the direct-field rule. Callers use it to skip
// fetching transaction context when the cheapest rule already matches.
func (m *Matcher) MatchDirect(event *model.DomainEvent) (Result, bool) {
	if event == nil || !m.identity.HasAddress {
		return Result{}, false
	}
	for _, hex := range event.Addresses {
		if common.HexToAddress(hex) == m.identity.Address {
			return Result{Rule: RuleDirectField, Amount: event.Amount, Token: event.Token}, true
		}
	}
	return Result{}, false
}

// Match tries the attribution rules in order and returns the first hit:
// decoded address field, transaction counterparty, sibling token transfer,
// then memo token. siblings are all raw logs from the same transaction;
// txRecipient is the transaction's direct `to` address when known.
func (m *Matcher) Match(event *model.DomainEvent, siblings []model.RawLog, txRecipient *common.Address) (Result, bool) {
	if event == nil {
		return Result{}, false
	}

	if res, ok := m.MatchDirect(event); ok {
		return res, true
	}

	if m.identity.HasAddress {
		if txRecipient != nil && *txRecipient == m.identity.Address {
			return Result{Rule: RuleTxCounterparty, Amount: event.Amount, Token: event.Token}, true
		}

		for _, sibling := range siblings {
			transfer, ok := protocol.DecodeTokenTransfer(sibling)
			if !ok {
				continue
			}
			if transfer.To == m.identity.Address {
				return Result{
					Rule:   RuleSiblingTransfer,
					Amount: transfer.Value.String(),
					Token:  transfer.Token.Hex(),
				}, true
			}
		}
	}

	if m.identity.MemoCode != "" && memoHasToken(event.Memo, m.identity.MemoCode) {
		return Result{Rule: RuleMemoToken, Amount: event.Amount, Token: event.Token}, true
	}

	return Result{}, false
}

// memoHasToken reports whether memo contains code as a delimited token.
// Plain substring matching false-positives on coincidental overlap (a two
// letter code inside an address, say), so only whole tokens count.
func memoHasToken(memo, code string) bool {
	if memo == "" || code == "" {
		return false
	}
	for _, token := range strings.FieldsFunc(memo, isMemoDelimiter) {
		if strings.EqualFold(token, code) {
			return true
		}
	}
	return false
}

func isMemoDelimiter(r rune) bool {
	switch r {
	case ':', '|', ',', ';', '/':
		return true
	}
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
