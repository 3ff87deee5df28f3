package p2p

import "errors"

// The error vocabulary at the Coordinator boundary. "success" from the
// original specification is simply a nil error in this Go rewrite.
var (
	ErrServiceStopped  = errors.New("p2p: service stopped")
	ErrOperationFailed = errors.New("p2p: operation failed")
	ErrAddressNotFound = errors.New("p2p: address not found")
	ErrAddressInUse    = errors.New("p2p: address in use")
	ErrResourceLimit   = errors.New("p2p: resource limit reached")
	ErrAcceptFailed    = errors.New("p2p: accept failed")
	ErrChannelTimeout  = errors.New("p2p: channel timeout")
	ErrChannelDropped  = errors.New("p2p: channel dropped")
	ErrPeerThrottling  = errors.New("p2p: peer throttling")
	ErrFileSystem      = errors.New("p2p: file system error")
	ErrChannelStopped  = errors.New("p2p: channel stopped")
	ErrBadStream       = errors.New("p2p: bad stream")

	// ErrInvalidPayload indicates a peer supplied a syntactically correct
	// message with invalid contents. Distinct from ErrBadStream, which is a
	// framing/decode failure.
	ErrInvalidPayload = errors.New("p2p: invalid payload")
)

// IsInvalidPayload reports whether the error originated from a malformed or
// invalid payload.
func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}
