package processor

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"tokensync/internal/model"
)

// Event signatures of the watched registry contract.
var (
	TopicTransfer       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicValueRequested = crypto.Keccak256Hash([]byte("ValueRequested(uint256)"))
)

// Topics returns the topic0 filter for the given kinds, in a fixed order.
func Topics(kinds ...model.EventKind) []common.Hash {
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		switch kind {
		case model.KindTransfer:
			topics = append(topics, TopicTransfer)
		case model.KindValueRequested:
			topics = append(topics, TopicValueRequested)
		}
	}
	return topics
}

// Decode converts a raw log into a ChainEvent. Logs with an unknown
// topic0 are rejected; the caller decides whether that is fatal.
func Decode(log types.Log) (model.ChainEvent, error) {
	if len(log.Topics) == 0 {
		return model.ChainEvent{}, fmt.Errorf("log has no topics")
	}

	ev := model.ChainEvent{
		Address:     log.Address.Hex(),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Topic0:      log.Topics[0].Hex(),
	}

	switch log.Topics[0] {
	case TopicTransfer:
		if len(log.Topics) != 4 {
			return model.ChainEvent{}, fmt.Errorf("transfer log has %d topics, want 4", len(log.Topics))
		}
		ev.Kind = model.KindTransfer
		ev.From = common.BytesToAddress(log.Topics[1].Bytes()).Hex()
		ev.To = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
		ev.TokenID = log.Topics[3].Big().String()
	case TopicValueRequested:
		if len(log.Topics) != 2 {
			return model.ChainEvent{}, fmt.Errorf("value request log has %d topics, want 2", len(log.Topics))
		}
		ev.Kind = model.KindValueRequested
		ev.TokenID = log.Topics[1].Big().String()
	default:
		return model.ChainEvent{}, fmt.Errorf("unknown topic0: %s", log.Topics[0].Hex())
	}

	return ev, nil
}
