package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the unit exchanged with the signaling relay. Body holds the
// CBOR encoding of the Message named by Type; From is stamped by the relay.
type Envelope struct {
	Type MessageType     `cbor:"1,keyasint"`
	From string          `cbor:"2,keyasint,omitempty"`
	To   string          `cbor:"3,keyasint,omitempty"`
	Body cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

var registry = map[MessageType]func() Message{
	MsgPing:                  func() Message { return &Ping{} },
	MsgPong:                  func() Message { return &Pong{} },
	MsgError:                 func() Message { return &Error{} },
	MsgCallOffer:             func() Message { return &CallOffer{} },
	MsgCallAnswer:            func() Message { return &CallAnswer{} },
	MsgCallICECandidate:      func() Message { return &CallICECandidate{} },
	MsgCallReject:            func() Message { return &CallReject{} },
	MsgCallEnd:               func() Message { return &CallEnd{} },
	MsgCallRenegotiate:       func() Message { return &CallRenegotiate{} },
	MsgCallRenegotiateAnswer: func() Message { return &CallRenegotiateAnswer{} },
	MsgCallMediaToggled:      func() Message { return &CallMediaToggled{} },
	MsgGroupJoin:             func() Message { return &GroupJoin{} },
	MsgGroupLeave:            func() Message { return &GroupLeave{} },
	MsgGroupExistingPeers:    func() Message { return &GroupExistingPeers{} },
	MsgGroupPeerJoined:       func() Message { return &GroupPeerJoined{} },
	MsgGroupPeerLeft:         func() Message { return &GroupPeerLeft{} },
	MsgTransferRequest:       func() Message { return &TransferRequest{} },
	MsgTransferAccept:        func() Message { return &TransferAccept{} },
	MsgTransferReject:        func() Message { return &TransferReject{} },
	MsgTransferCancel:        func() Message { return &TransferCancel{} },
	MsgTransferSignal:        func() Message { return &TransferSignal{} },
}

type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCodec() *Codec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor encode options: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("protocol: cbor decode options: %v", err))
	}
	return &Codec{enc: enc, dec: dec}
}

// Seal wraps msg into an envelope addressed to peer to.
func (c *Codec) Seal(to string, msg Message) (Envelope, error) {
	body, err := c.enc.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	return Envelope{Type: msg.Type(), To: to, Body: body}, nil
}

// Open decodes the envelope body into its concrete message type.
func (c *Codec) Open(env Envelope) (Message, error) {
	newMsg, ok := registry[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type 0x%04x", uint16(env.Type))
	}
	msg := newMsg()
	if len(env.Body) == 0 {
		return msg, nil
	}
	if err := c.dec.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return msg, nil
}

func (c *Codec) Encode(w io.Writer, env Envelope) error {
	return c.enc.NewEncoder(w).Encode(env)
}

func (c *Codec) Decode(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := c.dec.NewDecoder(r).Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (c *Codec) EncodeToBytes(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Envelope, error) {
	return c.Decode(bytes.NewReader(data))
}
