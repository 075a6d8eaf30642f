package protocol

import (
	"fmt"
)

// wire messages exchanged between the relay and clients
// every message is carried in a Frame envelope over a reliable,
// ordered, message-oriented channel (websocket binary frames)
//
// encodings are canonical: the same message always produces the
// same bytes. see wire.go

type MessageType uint32

const (
	MessageTypeFrame MessageType = 0
	MessageTypeHello MessageType = 1
	MessageTypeHelloResult MessageType = 2
	MessageTypeFullSnapshot MessageType = 3
	MessageTypeChangeBatch MessageType = 4
	MessageTypeAck MessageType = 5
	MessageTypeDisconnect MessageType = 6
)

func (self MessageType) String() string {
	switch self {
	case MessageTypeHello:
		return "hello"
	case MessageTypeHelloResult:
		return "hello_result"
	case MessageTypeFullSnapshot:
		return "full_snapshot"
	case MessageTypeChangeBatch:
		return "change_batch"
	case MessageTypeAck:
		return "ack"
	case MessageTypeDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(self))
	}
}

type Operation uint32

const (
	OperationCreate Operation = 1
	OperationUpdateField Operation = 2
	OperationDelete Operation = 3
	OperationRename Operation = 4
)

func (self Operation) String() string {
	switch self {
	case OperationCreate:
		return "create"
	case OperationUpdateField:
		return "update_field"
	case OperationDelete:
		return "delete"
	case OperationRename:
		return "rename"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(self))
	}
}

type ValueKind uint32

const (
	ValueKindInt ValueKind = 1
	ValueKindFloat ValueKind = 2
	ValueKindBool ValueKind = 3
	ValueKindString ValueKind = 4
	ValueKindBytes ValueKind = 5
	// a reference to another data-block by (type, name)
	ValueKindRef ValueKind = 6
)

// Value is one typed field value of a data-block.
// exactly one of the payload members is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Int int64
	Float float64
	Bool bool
	Str string
	Bytes []byte
	RefType string
	RefName string
}

func IntValue(v int64) Value {
	return Value{Kind: ValueKindInt, Int: v}
}

func FloatValue(v float64) Value {
	return Value{Kind: ValueKindFloat, Float: v}
}

func BoolValue(v bool) Value {
	return Value{Kind: ValueKindBool, Bool: v}
}

func StringValue(v string) Value {
	return Value{Kind: ValueKindString, Str: v}
}

func BytesValue(v []byte) Value {
	return Value{Kind: ValueKindBytes, Bytes: v}
}

func RefValue(blockType string, blockName string) Value {
	return Value{Kind: ValueKindRef, RefType: blockType, RefName: blockName}
}

func (self Value) IsRef() bool {
	return self.Kind == ValueKindRef
}

func (self Value) Equal(other Value) bool {
	if self.Kind != other.Kind {
		return false
	}
	switch self.Kind {
	case ValueKindInt:
		return self.Int == other.Int
	case ValueKindFloat:
		return self.Float == other.Float
	case ValueKindBool:
		return self.Bool == other.Bool
	case ValueKindString:
		return self.Str == other.Str
	case ValueKindBytes:
		if len(self.Bytes) != len(other.Bytes) {
			return false
		}
		for i := range self.Bytes {
			if self.Bytes[i] != other.Bytes[i] {
				return false
			}
		}
		return true
	case ValueKindRef:
		return self.RefType == other.RefType && self.RefName == other.RefName
	default:
		return false
	}
}

func (self Value) String() string {
	switch self.Kind {
	case ValueKindInt:
		return fmt.Sprintf("%d", self.Int)
	case ValueKindFloat:
		return fmt.Sprintf("%v", self.Float)
	case ValueKindBool:
		return fmt.Sprintf("%t", self.Bool)
	case ValueKindString:
		return fmt.Sprintf("%q", self.Str)
	case ValueKindBytes:
		return fmt.Sprintf("bytes(%d)", len(self.Bytes))
	case ValueKindRef:
		return fmt.Sprintf("ref(%s/%s)", self.RefType, self.RefName)
	default:
		return "invalid"
	}
}

// Field is one named field of a change payload.
// payloads are ordered. the order is part of the canonical encoding.
type Field struct {
	Name string
	Value Value
}

// ChangeRecord is the unit of replication.
// Sequence is zero until the relay stamps the record.
type ChangeRecord struct {
	Sequence uint64
	// 16 bytes, zero for records synthesized by the relay (snapshot replay)
	OriginClientId []byte
	Operation Operation
	BlockType string
	BlockName string
	// for Create: the full field set
	// for UpdateField: the changed fields
	// empty for Delete and Rename
	Payload []Field
	// for Rename: the new block name
	NewName string
}

func (self *ChangeRecord) String() string {
	return fmt.Sprintf("[%d]%s %s/%s", self.Sequence, self.Operation, self.BlockType, self.BlockName)
}

// Hello is the first message a client sends after connect.
// LastSequence is the highest relay sequence the client has applied,
// zero for a fresh join. AuthToken is a jwt when the relay requires auth.
type Hello struct {
	ClientId []byte
	Room string
	AuthToken string
	LastSequence uint64
}

// HelloResult acknowledges a Hello.
// a non-empty Error means the relay rejected the client and will close.
// Resume is true when the relay will replay from LastSequence instead of
// sending a full snapshot.
type HelloResult struct {
	Error string
	Sequence uint64
	Resume bool
}

// FullSnapshot is the authoritative state replayed to a joining client,
// expressed as Create records. Sequence is the log position the snapshot
// corresponds to.
type FullSnapshot struct {
	Sequence uint64
	Records []*ChangeRecord
}

// ChangeBatch carries one diff batch, in dependency-safe order.
// MessageId correlates the relay's Ack back to the batch.
type ChangeBatch struct {
	MessageId []byte
	Records []*ChangeRecord
}

// Ack is sent relay -> client to confirm a stamped batch (MessageId set,
// Sequence is the last sequence assigned to the batch), and
// client -> relay to advance the resume point (MessageId empty).
type Ack struct {
	MessageId []byte
	Sequence uint64
}

type Disconnect struct {
	Reason string
}
