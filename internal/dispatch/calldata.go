package dispatch

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"tokensync/internal/model"
)

const registryABIJSON = `[
  {
    "inputs": [
      {"internalType": "uint256[]", "name": "tokenIds", "type": "uint256[]"},
      {"internalType": "uint256[]", "name": "values", "type": "uint256[]"}
    ],
    "name": "setValues",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

var (
	registryABIOnce sync.Once
	registryABI     abi.ABI
	registryABIErr  error
)

func loadRegistryABI() (abi.ABI, error) {
	registryABIOnce.Do(func() {
		registryABI, registryABIErr = abi.JSON(strings.NewReader(registryABIJSON))
	})
	return registryABI, registryABIErr
}

// packSetValues builds the calldata for one bulk-update call covering all
// items. A value that does not parse as an unsigned integer makes the
// whole batch permanently invalid.
func packSetValues(items []model.WorkItem) ([]byte, error) {
	parsed, err := loadRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}

	tokenIDs := make([]*big.Int, 0, len(items))
	values := make([]*big.Int, 0, len(items))
	for _, item := range items {
		id, ok := new(big.Int).SetString(item.TokenID, 10)
		if !ok {
			return nil, fmt.Errorf("invalid token id: %s", item.TokenID)
		}
		value, ok := new(big.Int).SetString(item.Value, 10)
		if !ok || value.Sign() < 0 {
			return nil, fmt.Errorf("invalid value for token %s: %s", item.TokenID, item.Value)
		}
		tokenIDs = append(tokenIDs, id)
		values = append(values, value)
	}

	return parsed.Pack("setValues", tokenIDs, values)
}
