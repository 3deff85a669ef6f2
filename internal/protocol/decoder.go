package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"feescan/internal/model"
)

// FieldKind selects how a 32-byte word is interpreted.
type FieldKind string

const (
	KindAddress FieldKind = "address"
	KindUint    FieldKind = "uint"
	KindInt     FieldKind = "int"
	KindHash    FieldKind = "hash"
	KindText    FieldKind = "text"
)

// Field is one decoded slot of an event, either an indexed topic or a
// fixed-offset word in the data payload.
type Field struct {
	Name string
	Kind FieldKind
}

// EventDef describes one event in a listener's signature table. Topic0 is
// derived from Sig via keccak; Indexed fields map onto topics[1..] and Data
// fields onto consecutive words of the payload.
type EventDef struct {
	Sig     string
	Name    string
	Indexed []Field
	Data    []Field

	// Role bindings: which decoded fields carry the amount, token, memo,
	// and counterpart addresses. Any of them may be empty. An empty
	// TokenField means the emitting contract is the token.
	AmountField    string
	TokenField     string
	MemoField      string
	SenderField    string
	RecipientField string
}

// ID returns the event signature hash (topic0).
func (d EventDef) ID() common.Hash {
	return crypto.Keccak256Hash([]byte(d.Sig))
}

// TableDecoder turns raw logs into domain events using a static signature
// table. Unknown signatures yield no event and no error; a malformed log
// yields a DecodeError that callers count and skip.
type TableDecoder struct {
	name   string
	table  map[common.Hash]EventDef
	topics []common.Hash
}

// NewTableDecoder builds a decoder from event definitions.
func NewTableDecoder(name string, defs []EventDef) (*TableDecoder, error) {
	if name == "" {
		return nil, fmt.Errorf("decoder name is required")
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("decoder %s: at least one event definition is required", name)
	}

	table := make(map[common.Hash]EventDef, len(defs))
	topics := make([]common.Hash, 0, len(defs))
	for _, def := range defs {
		if def.Sig == "" || def.Name == "" {
			return nil, fmt.Errorf("decoder %s: event signature and name are required", name)
		}
		id := def.ID()
		if _, dup := table[id]; dup {
			return nil, fmt.Errorf("decoder %s: duplicate signature %s", name, def.Sig)
		}
		table[id] = def
		topics = append(topics, id)
	}

	return &TableDecoder{name: name, table: table, topics: topics}, nil
}

// Name returns the decoder's protocol name.
func (d *TableDecoder) Name() string { return d.name }

// FilterTopics returns every topic0 in the table, for use as the log
// filter's topic0 set.
func (d *TableDecoder) FilterTopics() []common.Hash {
	out := make([]common.Hash, len(d.topics))
	copy(out, d.topics)
	return out
}

// Decode converts a RawLog into a DomainEvent. Returns (nil, nil) when the
// log's topic0 is not in the table.
func (d *TableDecoder) Decode(log model.RawLog) (*model.DomainEvent, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}
	def, ok := d.table[log.Topics[0]]
	if !ok {
		return nil, nil
	}

	if got, want := len(log.Topics)-1, len(def.Indexed); got != want {
		return nil, &model.DecodeError{
			TxHash:   log.TxHash.Hex(),
			LogIndex: log.LogIndex,
			Err:      fmt.Errorf("%s: expected %d indexed topics, got %d", def.Name, want, got),
		}
	}

	event := &model.DomainEvent{
		EventType:   def.Name,
		ChainID:     log.ChainID,
		TxHash:      log.TxHash.Hex(),
		BlockNumber: log.BlockNumber,
		LogIndex:    log.LogIndex,
		Address:     log.Address.Hex(),
		Fields:      make(map[string]string, len(def.Indexed)+len(def.Data)),
		Addresses:   make(map[string]string),
	}

	for i, field := range def.Indexed {
		setField(event, field, log.Topics[i+1].Bytes())
	}
	for i, field := range def.Data {
		w, err := word(log.Data, i)
		if err != nil {
			return nil, &model.DecodeError{
				TxHash:   log.TxHash.Hex(),
				LogIndex: log.LogIndex,
				Err:      fmt.Errorf("%s field %s: %w", def.Name, field.Name, err),
			}
		}
		setField(event, field, w)
	}

	bindRoles(event, def)
	return event, nil
}

func setField(event *model.DomainEvent, field Field, w []byte) {
	switch field.Kind {
	case KindAddress:
		addr := wordAddress(w).Hex()
		event.Fields[field.Name] = addr
		event.Addresses[field.Name] = addr
	case KindInt:
		event.Fields[field.Name] = wordInt(w).String()
	case KindHash:
		event.Fields[field.Name] = common.BytesToHash(w).Hex()
	case KindText:
		event.Fields[field.Name] = wordText(w)
	default:
		event.Fields[field.Name] = wordUint(w).String()
	}
}

func bindRoles(event *model.DomainEvent, def EventDef) {
	if v, ok := event.Fields[def.AmountField]; ok {
		event.Amount = v
	}
	if def.TokenField == "" {
		event.Token = event.Address
	} else if v, ok := event.Fields[def.TokenField]; ok {
		event.Token = v
	}
	if v, ok := event.Fields[def.MemoField]; ok {
		event.Memo = v
	}
	if v, ok := event.Addresses[def.SenderField]; ok {
		event.Sender = v
	}
	if v, ok := event.Addresses[def.RecipientField]; ok {
		event.Recipient = v
	}
}
