package protocol

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"feescan/internal/model"
)

// Built-in signature tables. Each listener family that used to be its own
// near-identical script is a table here; picking one is configuration.

func transferDefs() []EventDef {
	return []EventDef{
		{
			Sig:  "Transfer(address,address,uint256)",
			Name: "Transfer",
			Indexed: []Field{
				{Name: "from", Kind: KindAddress},
				{Name: "to", Kind: KindAddress},
			},
			Data: []Field{
				{Name: "value", Kind: KindUint},
			},
			AmountField:    "value",
			SenderField:    "from",
			RecipientField: "to",
		},
	}
}

func swapDefs() []EventDef {
	return []EventDef{
		{
			Sig:  "Swap(address,uint256,uint256,uint256,uint256,address)",
			Name: "Swap",
			Indexed: []Field{
				{Name: "sender", Kind: KindAddress},
				{Name: "to", Kind: KindAddress},
			},
			Data: []Field{
				{Name: "amount0_in", Kind: KindUint},
				{Name: "amount1_in", Kind: KindUint},
				{Name: "amount0_out", Kind: KindUint},
				{Name: "amount1_out", Kind: KindUint},
			},
			AmountField:    "amount0_out",
			SenderField:    "sender",
			RecipientField: "to",
		},
	}
}

func tradeDefs() []EventDef {
	return []EventDef{
		{
			Sig:  "Trade(address,address,address,uint256,uint256)",
			Name: "Trade",
			Indexed: []Field{
				{Name: "maker", Kind: KindAddress},
				{Name: "taker", Kind: KindAddress},
			},
			Data: []Field{
				{Name: "token", Kind: KindAddress},
				{Name: "sell_amount", Kind: KindUint},
				{Name: "buy_amount", Kind: KindUint},
			},
			AmountField:    "buy_amount",
			TokenField:     "token",
			SenderField:    "maker",
			RecipientField: "taker",
		},
	}
}

func portalDefs() []EventDef {
	return []EventDef{
		{
			Sig:  "Portal(address,address,address,uint256,uint256,address)",
			Name: "Portal",
			Indexed: []Field{
				{Name: "input_token", Kind: KindAddress},
				{Name: "output_token", Kind: KindAddress},
				{Name: "sender", Kind: KindAddress},
			},
			Data: []Field{
				{Name: "input_amount", Kind: KindUint},
				{Name: "output_amount", Kind: KindUint},
				{Name: "partner", Kind: KindAddress},
			},
			AmountField:    "output_amount",
			TokenField:     "output_token",
			SenderField:    "sender",
			RecipientField: "partner",
		},
	}
}

func solverDefs() []EventDef {
	return []EventDef{
		{
			Sig:  "SolverCallExecuted(address,address,address,uint256,bytes32)",
			Name: "SolverCallExecuted",
			Indexed: []Field{
				{Name: "solver", Kind: KindAddress},
				{Name: "recipient", Kind: KindAddress},
			},
			Data: []Field{
				{Name: "token", Kind: KindAddress},
				{Name: "amount", Kind: KindUint},
				{Name: "memo", Kind: KindText},
			},
			AmountField:    "amount",
			TokenField:     "token",
			MemoField:      "memo",
			SenderField:    "solver",
			RecipientField: "recipient",
		},
	}
}

var builtins = map[string]func() []EventDef{
	"transfer": transferDefs,
	"swap":     swapDefs,
	"trade":    tradeDefs,
	"portal":   portalDefs,
	"solver":   solverDefs,
}

// Names lists the built-in decoder names, sorted.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForName returns a decoder for a built-in signature table.
func ForName(name string) (*TableDecoder, error) {
	defs, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown decoder %q (have %v)", name, Names())
	}
	return NewTableDecoder(name, defs())
}

var transferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferTopic returns the ERC-20 Transfer signature hash.
func TransferTopic() common.Hash {
	return transferEventID
}

// TokenTransfer is a fungible-token movement extracted from a sibling log.
type TokenTransfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTokenTransfer extracts an ERC-20 Transfer from a raw log. The bool
// is false for anything that is not a well-formed Transfer.
func DecodeTokenTransfer(log model.RawLog) (TokenTransfer, bool) {
	if len(log.Topics) != 3 || log.Topics[0] != transferEventID {
		return TokenTransfer{}, false
	}
	w, err := word(log.Data, 0)
	if err != nil {
		return TokenTransfer{}, false
	}
	return TokenTransfer{
		Token: log.Address,
		From:  wordAddress(log.Topics[1].Bytes()),
		To:    wordAddress(log.Topics[2].Bytes()),
		Value: wordUint(w),
	}, true
}
