package pipeline

import (
	"errors"
	"fmt"
)

// RejectCode classifies why a packet was not forwarded.
type RejectCode string

const (
	RejectRateLimited           RejectCode = "RATE_LIMITED"
	RejectPeerPaused            RejectCode = "PEER_PAUSED"
	RejectNoRoute               RejectCode = "NO_ROUTE"
	RejectInsufficientLiquidity RejectCode = "INSUFFICIENT_LIQUIDITY"
	RejectExpired               RejectCode = "EXPIRED"
	RejectInternal              RejectCode = "INTERNAL"
)

// RejectError is the typed rejection the pipeline returns to the caller,
// which mirrors it to the sending peer.
type RejectError struct {
	Code    RejectCode
	PeerID  string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("pipeline: packet rejected (%s): %s", e.Code, e.Message)
}

func reject(code RejectCode, peerID, format string, args ...any) *RejectError {
	return &RejectError{
		Code:    code,
		PeerID:  peerID,
		Message: fmt.Sprintf(format, args...),
	}
}

// RejectCodeOf extracts the rejection code from an error chain. The
// second return is false for non-rejection errors.
func RejectCodeOf(err error) (RejectCode, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return "", false
}
