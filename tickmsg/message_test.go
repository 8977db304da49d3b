package tickmsg

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID(711280073, TickTypeBidAsk, 1722500000000000)
	id2 := GenerateRequestID(711280073, TickTypeBidAsk, 1722500000000000)
	assert.Equal(t, id1, id2, "request id must be stable for the same inputs")
	assert.GreaterOrEqual(t, id1, int32(0))

	id3 := GenerateRequestID(711280073, TickTypeLast, 1722500000000000)
	assert.NotEqual(t, id1, id3, "tick type must change the derived id")

	id4 := GenerateRequestID(711280073, TickTypeBidAsk, 1722500000000001)
	assert.NotEqual(t, id1, id4, "request time must change the derived id")
}

func TestMarshalJSONLOmitsEmptyFields(t *testing.T) {
	m := NewMidPoint(265598, 1722500000, 123.45, 42)
	line, err := m.MarshalJSONL()
	require.NoError(t, err)

	s := string(line)
	assert.Contains(t, s, `"mp":123.45`)
	for _, absent := range []string{`"p"`, `"s"`, `"bp"`, `"bs"`, `"ap"`, `"as"`, `"bpl"`, `"aph"`, `"upt"`} {
		assert.NotContains(t, s, absent, "mid_point record must not carry %s", absent)
	}
	assert.False(t, strings.HasSuffix(s, " "), "no trailing whitespace")
}

func TestMarshalJSONLOmitsFalseFlags(t *testing.T) {
	m := NewLast(265598, TickTypeLast, 1722500000, 187.3, 100, false, 7)
	line, err := m.MarshalJSONL()
	require.NoError(t, err)
	assert.NotContains(t, string(line), `"upt"`)

	m2 := NewLast(265598, TickTypeLast, 1722500000, 187.3, 100, true, 7)
	line2, err := m2.MarshalJSONL()
	require.NoError(t, err)
	assert.Contains(t, string(line2), `"upt":true`)
}

func TestNormalizeMicrosUpgradesSeconds(t *testing.T) {
	m := NewMidPoint(265598, 1722500000, 1.0, 1)
	assert.Equal(t, int64(1722500000_000000), m.TS)

	m2 := NewMidPoint(265598, 1722500000123456, 1.0, 1)
	assert.Equal(t, int64(1722500000123456), m2.TS)
}

func TestValidateCrossedQuote(t *testing.T) {
	m := NewBidAsk(265598, 1722500000, 101.0, 100.0, 5, 5, false, false, 1)
	assert.Error(t, m.Validate())

	// zero on either side is tolerated
	m2 := NewBidAsk(265598, 1722500000, 101.0, 0, 5, 5, false, false, 1)
	assert.NoError(t, m2.Validate())

	m3 := NewBidAsk(265598, 1722500000, 100.0, 100.5, 5, 5, false, false, 1)
	assert.NoError(t, m3.Validate())
}

func TestV2RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		tickType TickType
		data     map[string]any
	}{
		{
			name:     "bid_ask",
			tickType: TickTypeBidAsk,
			data: map[string]any{
				"unix_time": float64(1722500000),
				"bid_price": 186.25, "bid_size": 300.0,
				"ask_price": 186.27, "ask_size": 100.0,
				"bid_past_low": true,
			},
		},
		{
			name:     "last",
			tickType: TickTypeLast,
			data: map[string]any{
				"unix_time": float64(1722500000),
				"price":     186.26, "size": 50.0,
				"unreported": true,
			},
		},
		{
			name:     "mid_point",
			tickType: TickTypeMidPoint,
			data: map[string]any{
				"unix_time": float64(1722500000),
				"mid_point": 186.26,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := FromV2Data(265598, tc.tickType, tc.data, 1722500000000000)
			require.NoError(t, err)

			line, err := msg.MarshalJSONL()
			require.NoError(t, err)
			parsed, err := UnmarshalJSONL(line)
			require.NoError(t, err)

			v2 := parsed.ToV2()
			assert.Equal(t, "tick", v2.Type)
			assert.Equal(t, int64(265598), v2.Data["contract_id"])
			assert.Equal(t, string(tc.tickType), v2.Data["tick_type"])
			assert.Equal(t, int64(1722500000_000000), v2.Data["unix_time"])

			// every price/size/flag field the mapping covers survives the trip
			for _, key := range []string{"bid_price", "bid_size", "ask_price", "ask_size", "price", "size", "mid_point"} {
				if want, ok := tc.data[key]; ok {
					assert.Equal(t, want, v2.Data[key], key)
				}
			}
			for _, key := range []string{"bid_past_low", "ask_past_high", "unreported"} {
				if want, ok := tc.data[key]; ok {
					assert.Equal(t, want, v2.Data[key], key)
				} else {
					assert.NotContains(t, v2.Data, key)
				}
			}
		})
	}
}

func TestUnmarshalJSONLRejectsGarbage(t *testing.T) {
	_, err := UnmarshalJSONL([]byte(`{"ts":1,"st":1,"cid":0,"tt":"last","rid":1}`))
	assert.Error(t, err)

	_, err = UnmarshalJSONL([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamID(t *testing.T) {
	id := GenerateStreamID(265598, TickTypeBidAsk)
	parts, err := ParseStreamID(id)
	require.NoError(t, err)
	assert.Equal(t, int64(265598), parts.ContractID)
	assert.Equal(t, "bid_ask", parts.TickType)

	multi := GenerateMultiStreamID(265598, []TickType{TickTypeLast, TickTypeBidAsk})
	mp, err := ParseStreamID(multi)
	require.NoError(t, err)
	assert.Equal(t, "multi_bid_ask_last", mp.TickType)

	_, err = ParseStreamID("nope")
	assert.Error(t, err)
}

func TestTickTypeVocabulary(t *testing.T) {
	for _, tt := range AllTickTypes() {
		up := tt.Upstream()
		back, err := FromUpstream(up)
		require.NoError(t, err)
		assert.Equal(t, tt, back)
	}

	_, err := ParseTickType("trades")
	assert.Error(t, err)

	parsed, err := ParseTickTypes("bid_ask,last")
	require.NoError(t, err)
	assert.Equal(t, []TickType{TickTypeBidAsk, TickTypeLast}, parsed)

	_, err = ParseTickTypes("bid_ask,bid_ask")
	assert.Error(t, err)
}

func TestV2MessageJSONShape(t *testing.T) {
	m := NewBidAsk(711280073, 1722500000, 186.25, 186.27, 300, 100, false, false, 99)
	raw, err := json.Marshal(m.ToV2())
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "tick", env["type"])
	assert.Contains(t, env, "stream_id")
	assert.Contains(t, env, "timestamp")
	assert.Contains(t, env, "data")
	assert.Contains(t, env, "metadata")
}
