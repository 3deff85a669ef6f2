package model

import "fmt"

// AffiliateMatch is the persisted unit: one event (or transaction) in which
// the affiliate identity received a fee. Natural key is
// (chain_id, tx_hash, log_index); re-ingesting a chunk must not add rows.
type AffiliateMatch struct {
	Listener    string `json:"listener"`
	ChainID     uint64 `json:"chain_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	LogIndex    uint64 `json:"log_index"`
	EventType   string `json:"event_type"`
	Sender      string `json:"sender,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Token       string `json:"token,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Affiliate   string `json:"affiliate"`
	MatchRule   string `json:"match_rule"`
	Timestamp   uint64 `json:"timestamp"`
	IngestedAt  string `json:"ingested_at"`
}

// NaturalKey returns the dedup key for the match.
func (m AffiliateMatch) NaturalKey() string {
	return fmt.Sprintf("%d:%s:%d", m.ChainID, m.TxHash, m.LogIndex)
}

// ConsolidatedRecord is the normalized cross-protocol row produced by the
// consolidator. Derived, never authoritative: always rebuilt in full from
// the per-listener match tables.
type ConsolidatedRecord struct {
	Source         string `json:"source"`
	ChainID        uint64 `json:"chain_id"`
	TxHash         string `json:"tx_hash"`
	BlockNumber    uint64 `json:"block_number"`
	Timestamp      uint64 `json:"timestamp"`
	TokenIn        string `json:"token_in,omitempty"`
	TokenOut       string `json:"token_out,omitempty"`
	AmountIn       string `json:"amount_in,omitempty"`
	AmountOut      string `json:"amount_out,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Affiliate      string `json:"affiliate"`
	FeeAmount      string `json:"fee_amount,omitempty"`
	VolumeEstimate string `json:"volume_estimate,omitempty"`
	IngestedAt     string `json:"ingested_at"`
}
