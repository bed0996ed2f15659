package payload

import (
	"context"
	"errors"
)

// ErrValueNotFound means the lookup table has no value for the token yet.
// Callers treat it as retryable: the event stays unprocessed and is
// picked up again on the next catch-up pass.
var ErrValueNotFound = errors.New("token value not found")

// Source maps a token id to the value the dispatcher writes on-chain.
type Source interface {
	Lookup(ctx context.Context, tokenID string) (string, error)
}

// StaticSource serves values from a fixed map. Used in tests and for
// one-off re-drives.
type StaticSource map[string]string

func (s StaticSource) Lookup(_ context.Context, tokenID string) (string, error) {
	value, ok := s[tokenID]
	if !ok {
		return "", ErrValueNotFound
	}
	return value, nil
}
