package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is any wire message that can be carried in a Frame.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// Frame is the envelope for every message on the channel.
type Frame struct {
	MessageType MessageType
	MessageBytes []byte
}

func ToFrame(message Message) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Hello:
		messageType = MessageTypeHello
	case *HelloResult:
		messageType = MessageTypeHelloResult
	case *FullSnapshot:
		messageType = MessageTypeFullSnapshot
	case *ChangeBatch:
		messageType = MessageTypeChangeBatch
	case *Ack:
		messageType = MessageTypeAck
	case *Disconnect:
		messageType = MessageTypeDisconnect
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	return &Frame{
		MessageType: messageType,
		MessageBytes: message.MarshalWire(),
	}, nil
}

func RequireToFrame(message Message) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (Message, error) {
	var message Message
	switch frame.MessageType {
	case MessageTypeHello:
		message = &Hello{}
	case MessageTypeHelloResult:
		message = &HelloResult{}
	case MessageTypeFullSnapshot:
		message = &FullSnapshot{}
	case MessageTypeChangeBatch:
		message = &ChangeBatch{}
	case MessageTypeAck:
		message = &Ack{}
	case MessageTypeDisconnect:
		message = &Disconnect{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	err := message.UnmarshalWire(frame.MessageBytes)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func (self *Frame) MarshalWire() []byte {
	b := []byte{}
	b = appendVarint(b, 1, uint64(self.MessageType))
	b = appendBytes(b, 2, self.MessageBytes)
	return b
}

func (self *Frame) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.MessageType = MessageType(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.MessageBytes = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func EncodeFrame(message Message) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return frame.MarshalWire(), nil
}

func DecodeFrame(b []byte) (Message, error) {
	frame := &Frame{}
	err := frame.UnmarshalWire(b)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}

func floatBits(v float64) uint64 {
	return math.Float64bits(v)
}

func floatFromBits(v uint64) float64 {
	return math.Float64frombits(v)
}
