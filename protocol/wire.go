package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// canonical protobuf wire encoding, written and parsed directly with
// protowire. fields are always appended in ascending field number order and
// zero values are omitted, so equal messages produce byte-identical
// encodings. floats are fixed64 to keep the bytes platform independent.

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// EncodeFields is the canonical encoding of an ordered field list.
// two field lists encode equal iff they have the same names, order and
// values. snapshot and rename comparisons rely on this.
func EncodeFields(fields []Field) []byte {
	b := []byte{}
	for _, field := range fields {
		b = appendMessage(b, 1, field.MarshalWire())
	}
	return b
}

func (self Value) MarshalWire() []byte {
	b := []byte{}
	b = appendVarint(b, 1, uint64(self.Kind))
	switch self.Kind {
	case ValueKindInt:
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(self.Int))
	case ValueKindFloat:
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, floatBits(self.Float))
	case ValueKindBool:
		if self.Bool {
			b = appendVarint(b, 4, 1)
		}
	case ValueKindString:
		b = appendString(b, 5, self.Str)
	case ValueKindBytes:
		b = appendBytes(b, 6, self.Bytes)
	case ValueKindRef:
		b = appendString(b, 7, self.RefType)
		b = appendString(b, 8, self.RefName)
	}
	return b
}

func (self *Value) UnmarshalWire(b []byte) error {
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
			self.Kind = ValueKind(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Int = protowire.DecodeZigZag(v)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Float = floatFromBits(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Bool = v != 0
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Str = v
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Bytes = append([]byte{}, v...)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.RefType = v
			b = b[n:]
		case 8:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.RefName = v
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

func (self Field) MarshalWire() []byte {
	b := []byte{}
	b = appendString(b, 1, self.Name)
	b = appendMessage(b, 2, self.Value.MarshalWire())
	return b
}

func (self *Field) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Name = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			if err := self.Value.UnmarshalWire(v); err != nil {
				return err
			}
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

func (self *ChangeRecord) MarshalWire() []byte {
	b := []byte{}
	b = appendVarint(b, 1, self.Sequence)
	b = appendBytes(b, 2, self.OriginClientId)
	b = appendVarint(b, 3, uint64(self.Operation))
	b = appendString(b, 4, self.BlockType)
	b = appendString(b, 5, self.BlockName)
	for _, field := range self.Payload {
		b = appendMessage(b, 6, field.MarshalWire())
	}
	b = appendString(b, 7, self.NewName)
	return b
}

func (self *ChangeRecord) UnmarshalWire(b []byte) error {
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
			self.Sequence = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.OriginClientId = append([]byte{}, v...)
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Operation = Operation(v)
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.BlockType = v
			b = b[n:]
		case 5:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.BlockName = v
			b = b[n:]
		case 6:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			field := Field{}
			if err := field.UnmarshalWire(v); err != nil {
				return err
			}
			self.Payload = append(self.Payload, field)
			b = b[n:]
		case 7:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.NewName = v
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

func (self *Hello) MarshalWire() []byte {
	b := []byte{}
	b = appendBytes(b, 1, self.ClientId)
	b = appendString(b, 2, self.Room)
	b = appendString(b, 3, self.AuthToken)
	b = appendVarint(b, 4, self.LastSequence)
	return b
}

func (self *Hello) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.ClientId = append([]byte{}, v...)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Room = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.AuthToken = v
			b = b[n:]
		case 4:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.LastSequence = v
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

func (self *HelloResult) MarshalWire() []byte {
	b := []byte{}
	b = appendString(b, 1, self.Error)
	b = appendVarint(b, 2, self.Sequence)
	if self.Resume {
		b = appendVarint(b, 3, 1)
	}
	return b
}

func (self *HelloResult) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Error = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Sequence = v
			b = b[n:]
		case 3:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Resume = v != 0
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

func (self *FullSnapshot) MarshalWire() []byte {
	b := []byte{}
	b = appendVarint(b, 1, self.Sequence)
	for _, record := range self.Records {
		b = appendMessage(b, 2, record.MarshalWire())
	}
	return b
}

func (self *FullSnapshot) UnmarshalWire(b []byte) error {
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
			self.Sequence = v
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			record := &ChangeRecord{}
			if err := record.UnmarshalWire(v); err != nil {
				return err
			}
			self.Records = append(self.Records, record)
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

func (self *ChangeBatch) MarshalWire() []byte {
	b := []byte{}
	b = appendBytes(b, 1, self.MessageId)
	for _, record := range self.Records {
		b = appendMessage(b, 2, record.MarshalWire())
	}
	return b
}

func (self *ChangeBatch) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.MessageId = append([]byte{}, v...)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			record := &ChangeRecord{}
			if err := record.UnmarshalWire(v); err != nil {
				return err
			}
			self.Records = append(self.Records, record)
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

func (self *Ack) MarshalWire() []byte {
	b := []byte{}
	b = appendBytes(b, 1, self.MessageId)
	b = appendVarint(b, 2, self.Sequence)
	return b
}

func (self *Ack) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.MessageId = append([]byte{}, v...)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Sequence = v
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

func (self *Disconnect) MarshalWire() []byte {
	b := []byte{}
	b = appendString(b, 1, self.Reason)
	return b
}

func (self *Disconnect) UnmarshalWire(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			self.Reason = v
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
