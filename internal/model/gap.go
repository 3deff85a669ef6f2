package model

// Gap is a block range that could not be scanned after exhausting retries.
// Gaps are recorded, not silently dropped; a gap is replayed by re-running
// the listener with an explicit start block.
type Gap struct {
	Listener   string `json:"listener"`
	ChainID    uint64 `json:"chain_id"`
	FromBlock  uint64 `json:"from_block"`
	ToBlock    uint64 `json:"to_block"`
	Reason     string `json:"reason"`
	RecordedAt string `json:"recorded_at"`
}
