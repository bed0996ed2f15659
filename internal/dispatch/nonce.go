package dispatch

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"tokensync/internal/chain"
)

// nonceSource hands out the signing account's nonces. It is the only
// allocator in the process, seeded from the chain's pending count and
// advanced only after a submission is accepted by the node.
type nonceSource struct {
	account common.Address

	mu     sync.Mutex
	next   uint64
	seeded bool
}

func newNonceSource(account common.Address) *nonceSource {
	return &nonceSource{account: account}
}

// current returns the nonce for the next submission, seeding from the
// chain on first use.
func (n *nonceSource) current(ctx context.Context, reader chain.Reader) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.seeded {
		pending, err := reader.PendingNonceAt(ctx, n.account)
		if err != nil {
			return 0, err
		}
		n.next = pending
		n.seeded = true
	}
	return n.next, nil
}

// advance records that the current nonce was consumed.
func (n *nonceSource) advance() {
	n.mu.Lock()
	n.next++
	n.mu.Unlock()
}

// resync drops the local counter after a nonce race; the next call to
// current re-derives it from the chain.
func (n *nonceSource) resync() {
	n.mu.Lock()
	n.seeded = false
	n.mu.Unlock()
}
