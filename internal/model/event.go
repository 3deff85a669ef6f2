package model

// DomainEvent is a decoded chain log. One RawLog yields at most one
// DomainEvent; logs whose signature is not in the listener's table yield none.
type DomainEvent struct {
	EventType   string            `json:"event_type"`
	ChainID     uint64            `json:"chain_id"`
	TxHash      string            `json:"tx_hash"`
	BlockNumber uint64            `json:"block_number"`
	LogIndex    uint64            `json:"log_index"`
	Address     string            `json:"address"`
	Fields      map[string]string `json:"fields"`
	Addresses   map[string]string `json:"addresses"`
	Sender      string            `json:"sender,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Token       string            `json:"token,omitempty"`
	Memo        string            `json:"memo,omitempty"`
}

// Field returns a decoded field value by name.
func (e *DomainEvent) Field(name string) (string, bool) {
	v, ok := e.Fields[name]
	return v, ok
}
