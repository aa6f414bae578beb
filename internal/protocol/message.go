package protocol

type Message interface {
	Type() MessageType
}

type ICECandidate struct {
	Candidate     string  `cbor:"candidate"`
	SDPMid        *string `cbor:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `cbor:"sdpMLineIndex,omitempty"`
}

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }

type Error struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message,omitempty"`
}

func (Error) Type() MessageType { return MsgError }

type CallOffer struct {
	SDP         string    `cbor:"sdp"`
	MediaKind   MediaKind `cbor:"mediaKind"`
	IsReconnect bool      `cbor:"isReconnect,omitempty"`
	GroupID     string    `cbor:"groupId,omitempty"`
}

func (CallOffer) Type() MessageType { return MsgCallOffer }

type CallAnswer struct {
	SDP string `cbor:"sdp"`
}

func (CallAnswer) Type() MessageType { return MsgCallAnswer }

type CallICECandidate struct {
	Candidate ICECandidate `cbor:"candidate"`
}

func (CallICECandidate) Type() MessageType { return MsgCallICECandidate }

type CallReject struct {
	Reason ErrorCode `cbor:"reason"`
}

func (CallReject) Type() MessageType { return MsgCallReject }

type CallEnd struct{}

func (CallEnd) Type() MessageType { return MsgCallEnd }

type CallRenegotiate struct {
	SDP string `cbor:"sdp"`
}

func (CallRenegotiate) Type() MessageType { return MsgCallRenegotiate }

type CallRenegotiateAnswer struct {
	SDP string `cbor:"sdp"`
}

func (CallRenegotiateAnswer) Type() MessageType { return MsgCallRenegotiateAnswer }

type CallMediaToggled struct {
	Kind    ToggleKind `cbor:"kind"`
	Enabled bool       `cbor:"enabled"`
}

func (CallMediaToggled) Type() MessageType { return MsgCallMediaToggled }

type GroupJoin struct {
	GroupID string `cbor:"groupId"`
}

func (GroupJoin) Type() MessageType { return MsgGroupJoin }

type GroupLeave struct {
	GroupID string `cbor:"groupId"`
}

func (GroupLeave) Type() MessageType { return MsgGroupLeave }

type GroupExistingPeers struct {
	GroupID string   `cbor:"groupId"`
	Peers   []string `cbor:"peers"`
}

func (GroupExistingPeers) Type() MessageType { return MsgGroupExistingPeers }

type GroupPeerJoined struct {
	GroupID string `cbor:"groupId"`
	PeerID  string `cbor:"peerId"`
}

func (GroupPeerJoined) Type() MessageType { return MsgGroupPeerJoined }

type GroupPeerLeft struct {
	GroupID string `cbor:"groupId"`
	PeerID  string `cbor:"peerId"`
}

func (GroupPeerLeft) Type() MessageType { return MsgGroupPeerLeft }

type TransferRequest struct {
	TransferID string `cbor:"transferId"`
	FileName   string `cbor:"fileName"`
	FileSize   int64  `cbor:"fileSize"`
	MimeType   string `cbor:"mimeType,omitempty"`
	ChunkSize  int    `cbor:"chunkSize"`
	// ResumeFrom is non-zero when a restored sender asks to continue.
	ResumeFrom int64 `cbor:"resumeFrom,omitempty"`
}

func (TransferRequest) Type() MessageType { return MsgTransferRequest }

type TransferAccept struct {
	TransferID   string `cbor:"transferId"`
	ResumeOffset int64  `cbor:"resumeOffset,omitempty"`
}

func (TransferAccept) Type() MessageType { return MsgTransferAccept }

type TransferReject struct {
	TransferID string    `cbor:"transferId"`
	Reason     ErrorCode `cbor:"reason"`
}

func (TransferReject) Type() MessageType { return MsgTransferReject }

type TransferCancel struct {
	TransferID string `cbor:"transferId"`
}

func (TransferCancel) Type() MessageType { return MsgTransferCancel }

// TransferSignal carries the negotiation of a transfer's data channel.
type TransferSignal struct {
	TransferID string        `cbor:"transferId"`
	Kind       SignalKind    `cbor:"kind"`
	SDP        string        `cbor:"sdp,omitempty"`
	Candidate  *ICECandidate `cbor:"candidate,omitempty"`
}

func (TransferSignal) Type() MessageType { return MsgTransferSignal }
