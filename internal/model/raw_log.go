package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is the in-memory representation of a chain log inside one scan.
// It is never persisted; matched events are stored as AffiliateMatch rows.
type RawLog struct {
	ChainID     uint64
	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint64
	LogIndex    uint64
	Address     common.Address
	Topics      []common.Hash
	Data        []byte
	Removed     bool
}

// NewRawLog converts a go-ethereum log into a RawLog for the given chain.
func NewRawLog(chainID uint64, log types.Log) RawLog {
	topics := make([]common.Hash, len(log.Topics))
	copy(topics, log.Topics)

	return RawLog{
		ChainID:     chainID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		TxIndex:     uint64(log.TxIndex),
		LogIndex:    uint64(log.Index),
		Address:     log.Address,
		Topics:      topics,
		Data:        log.Data,
		Removed:     log.Removed,
	}
}

// Topic0 returns the event signature topic, or the zero hash when absent.
func (l RawLog) Topic0() common.Hash {
	if len(l.Topics) == 0 {
		return common.Hash{}
	}
	return l.Topics[0]
}

// DataHex returns the payload as a 0x-prefixed hex string.
func (l RawLog) DataHex() string {
	return hexutil.Encode(l.Data)
}
