package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameKind identifies a message on a transfer's data channel.
type FrameKind uint8

const (
	FrameChunk FrameKind = iota + 1
	FrameAck
	FramePause
	FrameResume
	FrameDone
	FrameComplete
	FrameAbort
)

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameAck:
		return "ack"
	case FramePause:
		return "pause"
	case FrameResume:
		return "resume"
	case FrameDone:
		return "done"
	case FrameComplete:
		return "complete"
	case FrameAbort:
		return "abort"
	default:
		return "unknown"
	}
}

const (
	fieldKind       protowire.Number = 1
	fieldTransferID protowire.Number = 2
	fieldSequence   protowire.Number = 3
	fieldOffset     protowire.Number = 4
	fieldData       protowire.Number = 5
	fieldDigest     protowire.Number = 6
)

// Frame is the wire form of transfer.chunk and its control companions.
// Offset is the byte position of Data for chunks, the committed byte count
// for acks and the total size for done frames.
type Frame struct {
	Kind       FrameKind
	TransferID string
	Sequence   uint64
	Offset     int64
	Data       []byte
	Digest     []byte
}

var ErrMalformedFrame = errors.New("malformed frame")

func (f Frame) Marshal() []byte {
	b := make([]byte, 0, len(f.Data)+len(f.TransferID)+len(f.Digest)+32)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	b = protowire.AppendTag(b, fieldTransferID, protowire.BytesType)
	b = protowire.AppendString(b, f.TransferID)
	if f.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, f.Sequence)
	}
	if f.Offset != 0 {
		b = protowire.AppendTag(b, fieldOffset, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Offset))
	}
	if len(f.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Data)
	}
	if len(f.Digest) > 0 {
		b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Digest)
	}
	return b
}

func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: kind: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Kind = FrameKind(v)
			b = b[n:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: sequence: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Sequence = v
			b = b[n:]
		case num == fieldOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: offset: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.Offset = int64(v)
			b = b[n:]
		case num == fieldTransferID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: transfer id: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			f.TransferID = v
			b = b[n:]
		case (num == fieldData || num == fieldDigest) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			cp := append([]byte(nil), v...)
			if num == fieldData {
				f.Data = cp
			} else {
				f.Digest = cp
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Frame{}, fmt.Errorf("%w: skip field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Kind == 0 || f.TransferID == "" {
		return Frame{}, fmt.Errorf("%w: missing kind or transfer id", ErrMalformedFrame)
	}
	return f, nil
}
