package consolidate

import "feescan/internal/model"

// Selector names a column of the protocol match table.
type Selector string

const (
	SelNone      Selector = ""
	SelToken     Selector = "token"
	SelAmount    Selector = "amount"
	SelSender    Selector = "sender"
	SelRecipient Selector = "recipient"
)

// FieldMapping maps protocol table columns onto the consolidated schema.
// One fixed mapping per protocol; unknown protocols get the default.
type FieldMapping struct {
	TokenIn   Selector
	TokenOut  Selector
	AmountIn  Selector
	AmountOut Selector
	Fee       Selector
	Volume    Selector
}

var defaultMapping = FieldMapping{
	TokenOut:  SelToken,
	AmountOut: SelAmount,
	Fee:       SelAmount,
	Volume:    SelAmount,
}

// The match tables carry a single token column (the side the affiliate was
// paid on), so every protocol binds the out side and leaves token_in empty
// rather than duplicating one value into both.
var mappings = map[string]FieldMapping{
	"transfer": defaultMapping,
	"swap":     defaultMapping,
	"trade": {
		TokenOut:  SelToken,
		AmountOut: SelAmount,
		Fee:       SelAmount,
		Volume:    SelAmount,
	},
	"portal": {
		TokenOut:  SelToken,
		AmountOut: SelAmount,
		Fee:       SelAmount,
		Volume:    SelAmount,
	},
	"solver": {
		TokenOut:  SelToken,
		AmountOut: SelAmount,
		Fee:       SelAmount,
		Volume:    SelAmount,
	},
}

// MappingFor returns the field mapping for a protocol name.
func MappingFor(protocol string) FieldMapping {
	if m, ok := mappings[protocol]; ok {
		return m
	}
	return defaultMapping
}

func (s Selector) pick(m model.AffiliateMatch) string {
	switch s {
	case SelToken:
		return m.Token
	case SelAmount:
		return m.Amount
	case SelSender:
		return m.Sender
	case SelRecipient:
		return m.Recipient
	}
	return ""
}

// Apply maps one match row onto a consolidated record.
func (fm FieldMapping) Apply(m model.AffiliateMatch) model.ConsolidatedRecord {
	return model.ConsolidatedRecord{
		Source:         m.Listener,
		ChainID:        m.ChainID,
		TxHash:         m.TxHash,
		BlockNumber:    m.BlockNumber,
		Timestamp:      m.Timestamp,
		TokenIn:        fm.TokenIn.pick(m),
		TokenOut:       fm.TokenOut.pick(m),
		AmountIn:       fm.AmountIn.pick(m),
		AmountOut:      fm.AmountOut.pick(m),
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		Affiliate:      m.Affiliate,
		FeeAmount:      fm.Fee.pick(m),
		VolumeEstimate: fm.Volume.pick(m),
		IngestedAt:     m.IngestedAt,
	}
}
