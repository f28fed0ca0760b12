package decisionlog

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldSeq         protowire.Number = 1
	fieldTxnID       protowire.Number = 2
	fieldTimestamp   protowire.Number = 3
	fieldKind        protowire.Number = 4
	fieldParticipant protowire.Number = 5
	fieldValue       protowire.Number = 6
)

// MarshalBinary encodes e in protobuf wire format.
func (e Entry) MarshalBinary() ([]byte, error) {
	return AppendBinary(nil, e), nil
}

// AppendBinary appends the wire encoding of e to b.
func AppendBinary(b []byte, e Entry) []byte {
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Seq)
	b = protowire.AppendTag(b, fieldTxnID, protowire.BytesType)
	b = protowire.AppendString(b, e.TxnID)
	if !e.Timestamp.IsZero() {
		b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Timestamp.UnixNano()))
	}
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Kind))
	if e.Participant != "" {
		b = protowire.AppendTag(b, fieldParticipant, protowire.BytesType)
		b = protowire.AppendString(b, e.Participant)
	}
	if e.Value != "" {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendString(b, e.Value)
	}
	return b
}

// UnmarshalBinary decodes data produced by MarshalBinary. Unknown fields are
// skipped so newer writers stay readable.
func (e *Entry) UnmarshalBinary(data []byte) error {
	var out Entry
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: seq: %v", ErrCorrupt, protowire.ParseError(m))
			}
			out.Seq = v
			n = m
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: timestamp: %v", ErrCorrupt, protowire.ParseError(m))
			}
			out.Timestamp = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			n = m
		case typ == protowire.BytesType && (num == fieldTxnID || num == fieldKind || num == fieldParticipant || num == fieldValue):
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
			}
			switch num {
			case fieldTxnID:
				out.TxnID = v
			case fieldKind:
				out.Kind = Kind(v)
			case fieldParticipant:
				out.Participant = v
			case fieldValue:
				out.Value = v
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: skip field %d: %v", ErrCorrupt, num, protowire.ParseError(m))
			}
			n = m
		}
		data = data[n:]
	}
	*e = out
	return nil
}
