package transfer

import (
	"errors"

	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
)

var (
	ErrCapacityExceeded     = errors.New("file exceeds receive capacity")
	ErrUserRejected         = errors.New("transfer rejected by peer")
	ErrIntegrityMismatch    = errors.New("transfer integrity mismatch")
	ErrTimeout              = errors.New("transfer stalled")
	ErrSignalingUnavailable = signaling.ErrUnavailable
	ErrCancelled            = errors.New("transfer cancelled")
	ErrTransport            = errors.New("transfer transport failed")
	ErrNotFound             = errors.New("transfer not found")
	ErrInvalidState         = errors.New("invalid transfer state")
)

// errorFromCode maps a reason received from the peer onto the local error
// taxonomy.
func errorFromCode(code protocol.ErrorCode) error {
	switch code {
	case protocol.ErrCapacityExceeded:
		return ErrCapacityExceeded
	case protocol.ErrDeclined, protocol.ErrBusy:
		return ErrUserRejected
	case protocol.ErrIntegrity:
		return ErrIntegrityMismatch
	case protocol.ErrTimeout:
		return ErrTimeout
	case protocol.ErrCancelled:
		return ErrCancelled
	default:
		return ErrTransport
	}
}

func codeFromError(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return protocol.ErrCapacityExceeded
	case errors.Is(err, ErrIntegrityMismatch):
		return protocol.ErrIntegrity
	case errors.Is(err, ErrTimeout):
		return protocol.ErrTimeout
	case errors.Is(err, ErrCancelled):
		return protocol.ErrCancelled
	default:
		return protocol.ErrInternal
	}
}
