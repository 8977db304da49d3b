package tickmsg

import (
	"fmt"
	"time"
)

// V2Message is the legacy v2 protocol envelope still spoken on the wire to
// subscribers. Data carries expanded field names; the v3 record carries the
// compact ones.
type V2Message struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// V2Timestamp renders the envelope timestamp: ISO-8601 with milliseconds, Z.
func V2Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ToV2 expands the compact record into the legacy v2 envelope.
func (m *TickMessage) ToV2() *V2Message {
	data := map[string]any{
		"contract_id": m.CID,
		"tick_type":   string(m.TT),
		"type":        string(m.TT),
		"unix_time":   m.TS,
		"timestamp":   time.UnixMicro(m.TS).UTC().Format("2006-01-02 15:04:05 UTC"),
	}

	switch m.TT {
	case TickTypeBidAsk:
		if m.BP != nil {
			data["bid_price"] = *m.BP
		}
		if m.BS != nil {
			data["bid_size"] = *m.BS
		}
		if m.AP != nil {
			data["ask_price"] = *m.AP
		}
		if m.AS != nil {
			data["ask_size"] = *m.AS
		}
		if m.BPL {
			data["bid_past_low"] = true
		}
		if m.APH {
			data["ask_past_high"] = true
		}
	case TickTypeLast, TickTypeAllLast:
		if m.P != nil {
			data["price"] = *m.P
		}
		if m.S != nil {
			data["size"] = *m.S
		}
		if m.UPT {
			data["unreported"] = true
		}
	case TickTypeMidPoint:
		if m.MP != nil {
			data["mid_point"] = *m.MP
		}
	}

	return &V2Message{
		Type:      "tick",
		StreamID:  fmt.Sprintf("%d_%s_%d_%d", m.CID, m.TT, m.TS, m.RID),
		Timestamp: V2Timestamp(time.UnixMicro(m.ST)),
		Data:      data,
		Metadata: map[string]any{
			"source":      "v3_storage",
			"request_id":  fmt.Sprintf("%d", m.RID),
			"contract_id": fmt.Sprintf("%d", m.CID),
			"tick_type":   string(m.TT),
		},
	}
}

// FromV2Data builds a compact record from a legacy v2 tick-data map.
// requestTimeUS seeds the derived request id; pass the subscription's
// request time so the id stays stable across ticks.
func FromV2Data(contractID int64, tickType TickType, data map[string]any, requestTimeUS int64) (*TickMessage, error) {
	if _, err := ParseTickType(string(tickType)); err != nil {
		return nil, err
	}

	m := &TickMessage{
		ST:  NowMicros(),
		CID: contractID,
		TT:  tickType,
		RID: GenerateRequestID(contractID, tickType, requestTimeUS),
	}

	if ut, ok := numField(data, "unix_time"); ok {
		m.TS = normalizeMicros(int64(ut))
	} else {
		m.TS = m.ST
	}

	switch tickType {
	case TickTypeBidAsk:
		if v, ok := numField(data, "bid_price"); ok {
			m.BP = Float64(v)
		}
		if v, ok := numField(data, "bid_size"); ok {
			m.BS = Float64(v)
		}
		if v, ok := numField(data, "ask_price"); ok {
			m.AP = Float64(v)
		}
		if v, ok := numField(data, "ask_size"); ok {
			m.AS = Float64(v)
		}
		m.BPL = boolField(data, "bid_past_low")
		m.APH = boolField(data, "ask_past_high")
	case TickTypeLast, TickTypeAllLast:
		if v, ok := numField(data, "price"); ok {
			m.P = Float64(v)
		}
		if v, ok := numField(data, "size"); ok {
			m.S = Float64(v)
		}
		m.UPT = boolField(data, "unreported")
	case TickTypeMidPoint:
		if v, ok := numField(data, "mid_point"); ok {
			m.MP = Float64(v)
		}
	}

	return m, nil
}

func numField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func boolField(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}
