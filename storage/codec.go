package storage

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Protobuf field numbers for the on-disk TickMessage body. The schema
// mirrors the JSONL keys exactly; see tick_message.proto.
const (
	fieldTS  = 1
	fieldST  = 2
	fieldCID = 3
	fieldTT  = 4
	fieldRID = 5
	fieldP   = 6
	fieldS   = 7
	fieldBP  = 8
	fieldBS  = 9
	fieldAP  = 10
	fieldAS  = 11
	fieldMP  = 12
	fieldBPL = 13
	fieldAPH = 14
	fieldUPT = 15
)

// marshalProto encodes the record as a protobuf body. Optional fields are
// emitted only when present, matching the JSONL omission rules.
func marshalProto(m *tickmsg.TickMessage) []byte {
	b := make([]byte, 0, 64)

	b = protowire.AppendTag(b, fieldTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.TS))
	b = protowire.AppendTag(b, fieldST, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ST))
	b = protowire.AppendTag(b, fieldCID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.CID))
	b = protowire.AppendTag(b, fieldTT, protowire.BytesType)
	b = protowire.AppendString(b, string(m.TT))
	b = protowire.AppendTag(b, fieldRID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(uint32(m.RID)))

	b = appendDouble(b, fieldP, m.P)
	b = appendDouble(b, fieldS, m.S)
	b = appendDouble(b, fieldBP, m.BP)
	b = appendDouble(b, fieldBS, m.BS)
	b = appendDouble(b, fieldAP, m.AP)
	b = appendDouble(b, fieldAS, m.AS)
	b = appendDouble(b, fieldMP, m.MP)

	b = appendFlag(b, fieldBPL, m.BPL)
	b = appendFlag(b, fieldAPH, m.APH)
	b = appendFlag(b, fieldUPT, m.UPT)
	return b
}

func appendDouble(b []byte, field protowire.Number, v *float64) []byte {
	if v == nil {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(*v))
}

func appendFlag(b []byte, field protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// unmarshalProto decodes one protobuf body back into a record.
func unmarshalProto(b []byte) (*tickmsg.TickMessage, error) {
	m := &tickmsg.TickMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("protobuf: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("protobuf: bad varint: %w", protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldTS:
				m.TS = int64(v)
			case fieldST:
				m.ST = int64(v)
			case fieldCID:
				m.CID = int64(v)
			case fieldRID:
				m.RID = int32(uint32(v))
			case fieldBPL:
				m.BPL = v != 0
			case fieldAPH:
				m.APH = v != 0
			case fieldUPT:
				m.UPT = v != 0
			}
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("protobuf: bad fixed64: %w", protowire.ParseError(n))
			}
			b = b[n:]
			f := math.Float64frombits(v)
			switch num {
			case fieldP:
				m.P = &f
			case fieldS:
				m.S = &f
			case fieldBP:
				m.BP = &f
			case fieldBS:
				m.BS = &f
			case fieldAP:
				m.AP = &f
			case fieldAS:
				m.AS = &f
			case fieldMP:
				m.MP = &f
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("protobuf: bad bytes: %w", protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldTT {
				m.TT = tickmsg.TickType(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("protobuf: bad field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
