// Package mesherr defines the stable error taxonomy surfaced by the mesh
// network service and the mapping from daemon-native error codes.
//
// Daemon codes are translated exactly once, at the RPC boundary. Everything
// above that boundary checks errors with errors.Is against the sentinels
// below and never sees a raw daemon code.
package mesherr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors. Where containerd's errdefs already defines the matching
// condition we reuse it so callers can check either sentinel.
var (
	ErrAborted            = errdefs.ErrAborted
	ErrBusy               = errdefs.ErrConflict
	ErrFailedPrecondition = errdefs.ErrFailedPrecondition
	ErrResourceExhausted  = errdefs.ErrResourceExhausted
	ErrUnavailable        = errdefs.ErrUnavailable
	ErrInternal           = errdefs.ErrInternal

	ErrResponseBadFormat    = errors.New("response bad format")
	ErrTimeout              = errors.New("operation timed out")
	ErrRejectedByPeer       = errors.New("rejected by peer")
	ErrUnsupportedChannel   = errors.New("unsupported channel")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrThreadDisabled       = errors.New("thread is disabled")
)

// Daemon-native error codes as they appear on the wire. The values mirror
// the daemon's own enumeration and must not be reordered.
const (
	CodeNone                 int32 = 0
	CodeFailed               int32 = 1
	CodeDrop                 int32 = 2
	CodeNoBufs               int32 = 3
	CodeBusy                 int32 = 5
	CodeParse                int32 = 6
	CodeInvalidArgs          int32 = 7
	CodeSecurity             int32 = 8
	CodeAbort                int32 = 11
	CodeNotImplemented       int32 = 12
	CodeInvalidState         int32 = 13
	CodeNoAck                int32 = 14
	CodeChannelAccessFailure int32 = 15
	CodeDetached             int32 = 16
	CodeResponseTimeout      int32 = 28
	CodeReassemblyTimeout    int32 = 30
	CodeRejected             int32 = 34
	CodeUnsupportedChannel   int32 = 36
	CodeThreadDisabled       int32 = 100
	CodeUnavailable          int32 = 101
)

// FromCode maps a daemon-native error code to the stable taxonomy. Unknown
// codes collapse to ErrInternal; the native code is preserved in the message
// so nothing is lost for debugging.
func FromCode(code int32, msg string) error {
	if code == CodeNone {
		return nil
	}
	base := baseForCode(code)
	if msg == "" {
		return fmt.Errorf("daemon error %d: %w", code, base)
	}
	return fmt.Errorf("daemon error %d (%s): %w", code, msg, base)
}

// BaseForCode returns the bare taxonomy sentinel for a code, with no
// daemon framing in the message. Used when a code crosses a non-daemon
// boundary such as the control socket.
func BaseForCode(code int32) error {
	if code == CodeNone {
		return nil
	}
	return baseForCode(code)
}

func baseForCode(code int32) error {
	switch code {
	case CodeAbort:
		return ErrAborted
	case CodeBusy:
		return ErrBusy
	// "invalid state" and "detached" deliberately collapse to the same
	// taxonomy value; the native code stays in the wrapping message.
	case CodeInvalidState, CodeDetached:
		return ErrFailedPrecondition
	case CodeNoBufs:
		return ErrResourceExhausted
	case CodeParse:
		return ErrResponseBadFormat
	case CodeResponseTimeout, CodeReassemblyTimeout:
		return ErrTimeout
	case CodeRejected, CodeSecurity:
		return ErrRejectedByPeer
	case CodeUnsupportedChannel, CodeChannelAccessFailure:
		return ErrUnsupportedChannel
	case CodeNotImplemented:
		return ErrUnsupportedOperation
	case CodeThreadDisabled:
		return ErrThreadDisabled
	case CodeUnavailable:
		return ErrUnavailable
	default:
		return ErrInternal
	}
}

// CodeFor returns the daemon-facing code for a taxonomy error, used when a
// locally-detected failure has to be reported through the same receiver
// channel as daemon failures. Inverse of FromCode for the common cases.
func CodeFor(err error) int32 {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrThreadDisabled):
		return CodeThreadDisabled
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrAborted):
		return CodeAbort
	case errors.Is(err, ErrFailedPrecondition):
		return CodeInvalidState
	case errors.Is(err, ErrResourceExhausted):
		return CodeNoBufs
	case errors.Is(err, ErrResponseBadFormat):
		return CodeParse
	case errors.Is(err, ErrRejectedByPeer):
		return CodeRejected
	case errors.Is(err, ErrTimeout):
		return CodeResponseTimeout
	case errors.Is(err, ErrUnsupportedChannel):
		return CodeUnsupportedChannel
	case errors.Is(err, ErrUnsupportedOperation):
		return CodeNotImplemented
	default:
		return CodeFailed
	}
}
