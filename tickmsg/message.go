// Package tickmsg implements the compact v3 tick record and its conversions
// to and from the legacy v2 wire format.
package tickmsg

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// TickMessage is the canonical compact tick record. Field names mirror the
// on-disk v3 JSONL keys; optional fields are omitted when nil or false.
type TickMessage struct {
	TS  int64    `json:"ts"`  // IB event time, microseconds since epoch
	ST  int64    `json:"st"`  // system ingest time, microseconds since epoch
	CID int64    `json:"cid"` // contract id
	TT  TickType `json:"tt"`  // tick type
	RID int32    `json:"rid"` // request id; live ticks carry the upstream subscription's id, not a hash-derived one

	P  *float64 `json:"p,omitempty"`  // price (last/all_last)
	S  *float64 `json:"s,omitempty"`  // size (last/all_last)
	BP *float64 `json:"bp,omitempty"` // bid price
	BS *float64 `json:"bs,omitempty"` // bid size
	AP *float64 `json:"ap,omitempty"` // ask price
	AS *float64 `json:"as,omitempty"` // ask size
	MP *float64 `json:"mp,omitempty"` // mid point

	BPL bool `json:"bpl,omitempty"` // bid past low
	APH bool `json:"aph,omitempty"` // ask past high
	UPT bool `json:"upt,omitempty"` // unreported
}

// GenerateRequestID derives the collision-resistant request id from the
// subscription key. The id is stable for the life of a subscription and
// re-derivable from its inputs: first 4 bytes of
// md5("{cid}_{tt}_{requestTimeUS}") as a signed big-endian int32, made
// positive.
func GenerateRequestID(contractID int64, tickType TickType, requestTimeUS int64) int32 {
	sum := md5.Sum([]byte(fmt.Sprintf("%d_%s_%d", contractID, tickType, requestTimeUS)))
	id := int32(binary.BigEndian.Uint32(sum[:4]))
	if id == math.MinInt32 {
		return math.MaxInt32
	}
	if id < 0 {
		return -id
	}
	return id
}

// NewLast builds a trade tick. tickType must be last or all_last.
func NewLast(contractID int64, tickType TickType, tsUS int64, price, size float64, unreported bool, requestID int32) *TickMessage {
	return &TickMessage{
		TS:  normalizeMicros(tsUS),
		ST:  NowMicros(),
		CID: contractID,
		TT:  tickType,
		RID: requestID,
		P:   &price,
		S:   &size,
		UPT: unreported,
	}
}

// NewBidAsk builds a bid/ask tick.
func NewBidAsk(contractID int64, tsUS int64, bidPrice, askPrice, bidSize, askSize float64, bidPastLow, askPastHigh bool, requestID int32) *TickMessage {
	return &TickMessage{
		TS:  normalizeMicros(tsUS),
		ST:  NowMicros(),
		CID: contractID,
		TT:  TickTypeBidAsk,
		RID: requestID,
		BP:  &bidPrice,
		BS:  &bidSize,
		AP:  &askPrice,
		AS:  &askSize,
		BPL: bidPastLow,
		APH: askPastHigh,
	}
}

// NewMidPoint builds a mid-point tick.
func NewMidPoint(contractID int64, tsUS int64, midPoint float64, requestID int32) *TickMessage {
	return &TickMessage{
		TS:  normalizeMicros(tsUS),
		ST:  NowMicros(),
		CID: contractID,
		TT:  TickTypeMidPoint,
		RID: requestID,
		MP:  &midPoint,
	}
}

// NowMicros returns the current time in microseconds since epoch.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// normalizeMicros upgrades second-resolution upstream timestamps to
// microseconds. Upstream reports tick-by-tick times in whole seconds.
func normalizeMicros(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1_000_000
	}
	if ts <= 0 {
		return NowMicros()
	}
	return ts
}

// EventTime returns the IB event time as a time.Time.
func (m *TickMessage) EventTime() time.Time {
	return time.UnixMicro(m.TS).UTC()
}

// MarshalJSONL renders the compact single-line JSON form.
func (m *TickMessage) MarshalJSONL() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalJSONL parses one JSONL line.
func UnmarshalJSONL(line []byte) (*TickMessage, error) {
	var m TickMessage
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the structural invariants of the record.
func (m *TickMessage) Validate() error {
	if m.CID <= 0 {
		return fmt.Errorf("tick message: invalid contract id %d", m.CID)
	}
	if _, err := ParseTickType(string(m.TT)); err != nil {
		return fmt.Errorf("tick message: %w", err)
	}
	if m.TS <= 0 || m.ST <= 0 {
		return fmt.Errorf("tick message: missing timestamps")
	}
	if m.TT == TickTypeBidAsk && m.BP != nil && m.AP != nil {
		if *m.BP > *m.AP && *m.BP != 0 && *m.AP != 0 {
			return fmt.Errorf("tick message: crossed quote bid=%v ask=%v", *m.BP, *m.AP)
		}
	}
	return nil
}

// Float64 is a convenience for building optional price fields in tests.
func Float64(v float64) *float64 { return &v }
