package dispatch

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Submission errors fall into three buckets: retryable races and
// transport hiccups, permanently invalid payloads, and everything else
// reverted by the node. The node only gives us message strings, so the
// classification is substring-based, same as the upstream clients do.

var retryableFragments = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
	"too many requests",
}

var invalidPayloadFragments = []string{
	"execution reverted",
	"invalid opcode",
	"gas required exceeds allowance",
	"exceeds block gas limit",
	"intrinsic gas too low",
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// invalidPayload reports whether the error means the batch contents can
// never succeed, so its items must not be requeued as-is.
func invalidPayload(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range invalidPayloadFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func nonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
