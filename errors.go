package mercury

import (
	"errors"
	"fmt"

	"github.com/mercuryproto/mercury/arq"
)

// Errors surfaced by the endpoint. The engine-level conditions are the arq
// package's sentinels re-exported so callers can errors.Is against a single
// package.
var (
	// ErrEmptyPayload reports a send of zero bytes.
	ErrEmptyPayload = arq.ErrEmptyPayload
	// ErrFragmentsExceedWindow reports a reliable payload needing at least
	// a full receive window of fragments.
	ErrFragmentsExceedWindow = arq.ErrFragmentsExceedWindow
	// ErrEmptyRecvQueue reports a receive with no message ready.
	ErrEmptyRecvQueue = arq.ErrEmptyRecvQueue
	// ErrBufferTooSmall reports a buffer unable to hold the next message or
	// a packet shorter than its header.
	ErrBufferTooSmall = arq.ErrBufferTooSmall
	// ErrIncompleteMessage reports a packet whose declared payload exceeds
	// the bytes on hand.
	ErrIncompleteMessage = arq.ErrIncompleteMessage
	// ErrInvalidSession reports an inbound segment from a different session.
	ErrInvalidSession = arq.ErrInvalidSession
	// ErrInvalidCommand reports an inbound packet with an unknown command
	// or packet kind.
	ErrInvalidCommand = arq.ErrInvalidCommand
	// ErrInvalidConfiguration reports an unusable Config value or guarantee
	// combination.
	ErrInvalidConfiguration = arq.ErrInvalidConfiguration

	// ErrInvalidStreamID reports a stream id at or beyond the configured
	// stream count.
	ErrInvalidStreamID = errors.New("mercury: invalid stream id")
)

// PayloadSizeError reports a payload exceeding the configured maximum. It
// matches errors.Is(err, ErrPayloadTooLarge).
type PayloadSizeError struct {
	Size int // the offending payload size in bytes
	Max  int // the configured maximum
}

// ErrPayloadTooLarge is the target for matching [PayloadSizeError] values.
var ErrPayloadTooLarge = errors.New("mercury: payload too large")

func (e *PayloadSizeError) Error() string {
	return fmt.Sprintf("mercury: payload size %d exceeds maximum %d", e.Size, e.Max)
}

func (e *PayloadSizeError) Is(target error) bool { return target == ErrPayloadTooLarge }
