package call

import (
	"errors"

	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
)

var (
	ErrAlreadyInCall          = errors.New("already in a call")
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrSignalingUnavailable   = signaling.ErrUnavailable
	// ErrNegotiationFailed means a peer link exhausted its reconnect budget
	// or the media engine refused a description.
	ErrNegotiationFailed   = errors.New("negotiation failed")
	ErrConnectivityTimeout = errors.New("connectivity timeout")
	ErrUserRejected        = errors.New("call rejected by peer")
	ErrNotInCall           = errors.New("not in a call")
	ErrNoIncomingCall      = errors.New("no incoming call")
	ErrNoVideo             = errors.New("call has no video track")
	ErrInvalidTarget       = errors.New("invalid call target")
	ErrCallEnded           = errors.New("call ended")
)
