package protocol

const (
	// FrameOverhead bounds the bytes a data-channel frame adds around its
	// chunk payload.
	FrameOverhead = 128
	MaxChunkSize  = 256 * 1024
	DigestSize    = 32
)

type MessageType uint16

const (
	MsgPing                  MessageType = 0x0001
	MsgPong                  MessageType = 0x0002
	MsgCallOffer             MessageType = 0x0010
	MsgCallAnswer            MessageType = 0x0011
	MsgCallICECandidate      MessageType = 0x0012
	MsgCallReject            MessageType = 0x0013
	MsgCallEnd               MessageType = 0x0014
	MsgCallRenegotiate       MessageType = 0x0015
	MsgCallRenegotiateAnswer MessageType = 0x0016
	MsgCallMediaToggled      MessageType = 0x0017
	MsgGroupJoin             MessageType = 0x0020
	MsgGroupLeave            MessageType = 0x0021
	MsgGroupExistingPeers    MessageType = 0x0022
	MsgGroupPeerJoined       MessageType = 0x0023
	MsgGroupPeerLeft         MessageType = 0x0024
	MsgTransferRequest       MessageType = 0x0030
	MsgTransferAccept        MessageType = 0x0031
	MsgTransferReject        MessageType = 0x0032
	MsgTransferCancel        MessageType = 0x0033
	MsgTransferSignal        MessageType = 0x0034
	MsgError                 MessageType = 0x00FF
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgCallOffer:
		return "call.offer"
	case MsgCallAnswer:
		return "call.answer"
	case MsgCallICECandidate:
		return "call.ice-candidate"
	case MsgCallReject:
		return "call.reject"
	case MsgCallEnd:
		return "call.end"
	case MsgCallRenegotiate:
		return "call.renegotiate"
	case MsgCallRenegotiateAnswer:
		return "call.renegotiate-answer"
	case MsgCallMediaToggled:
		return "call.media-toggled"
	case MsgGroupJoin:
		return "group.join"
	case MsgGroupLeave:
		return "group.leave"
	case MsgGroupExistingPeers:
		return "group.existing-peers"
	case MsgGroupPeerJoined:
		return "group.peer-joined"
	case MsgGroupPeerLeft:
		return "group.peer-left"
	case MsgTransferRequest:
		return "transfer.request"
	case MsgTransferAccept:
		return "transfer.accept"
	case MsgTransferReject:
		return "transfer.reject"
	case MsgTransferCancel:
		return "transfer.cancel"
	case MsgTransferSignal:
		return "transfer.signal"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// IsCall reports whether t belongs to the call.* family.
func (t MessageType) IsCall() bool {
	return t >= MsgCallOffer && t <= MsgCallMediaToggled
}

func (t MessageType) IsGroup() bool {
	return t >= MsgGroupJoin && t <= MsgGroupPeerLeft
}

func (t MessageType) IsTransfer() bool {
	return t >= MsgTransferRequest && t <= MsgTransferSignal
}

// ErrorCode is a reason carried on the wire by rejects, aborts and relay
// errors.
type ErrorCode uint16

const (
	ErrUnknown          ErrorCode = 0x0000
	ErrInvalidMsg       ErrorCode = 0x0001
	ErrPeerNotFound     ErrorCode = 0x0004
	ErrBusy             ErrorCode = 0x0010
	ErrDeclined         ErrorCode = 0x0011
	ErrCapacityExceeded ErrorCode = 0x0020
	ErrIntegrity        ErrorCode = 0x0021
	ErrTimeout          ErrorCode = 0x0022
	ErrCancelled        ErrorCode = 0x0023
	ErrInternal         ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "invalid_message"
	case ErrPeerNotFound:
		return "peer_not_found"
	case ErrBusy:
		return "busy"
	case ErrDeclined:
		return "declined"
	case ErrCapacityExceeded:
		return "capacity_exceeded"
	case ErrIntegrity:
		return "integrity_mismatch"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// ToggleKind names the local media a call.media-toggled message refers to.
type ToggleKind string

const (
	ToggleAudio  ToggleKind = "audio"
	ToggleVideo  ToggleKind = "video"
	ToggleScreen ToggleKind = "screen"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)
