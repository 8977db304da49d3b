package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

func TestDecodeClientMessage(t *testing.T) {
	msg, err := decodeClientMessage([]byte(`{"type":"ping","id":"p1","timestamp":"2025-05-07T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "ping", msg.Type)
	assert.Equal(t, "p1", msg.ID)

	_, err = decodeClientMessage([]byte(`not json`))
	assert.Error(t, err)

	_, err = decodeClientMessage([]byte(`{"id":"x"}`))
	assert.Error(t, err, "missing type")

	_, err = decodeClientMessage([]byte(`{"type":"ping"}`))
	assert.Error(t, err, "missing id")
}

func TestParseSubscribeValid(t *testing.T) {
	raw := json.RawMessage(`{"contract_id":265598,"tick_types":["bid_ask","last"],"config":{"limit":100,"timeout_seconds":60}}`)
	p, err := parseSubscribe(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(265598), p.ContractID)
	assert.Equal(t, []tickmsg.TickType{tickmsg.TickTypeBidAsk, tickmsg.TickTypeLast}, p.TickTypes)
	assert.Equal(t, 100, p.Limit)
	assert.Equal(t, time.Minute, p.Timeout)
}

// contract_id 0 with empty tick_types fails validation and keeps no state
func TestParseSubscribeInvalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"zero contract and empty types", `{"contract_id":0,"tick_types":[]}`},
		{"missing data", ``},
		{"negative contract", `{"contract_id":-5,"tick_types":["last"]}`},
		{"empty tick types", `{"contract_id":1,"tick_types":[]}`},
		{"too many tick types", `{"contract_id":1,"tick_types":["last","all_last","bid_ask","mid_point","last"]}`},
		{"duplicate tick types", `{"contract_id":1,"tick_types":["last","last"]}`},
		{"unknown tick type", `{"contract_id":1,"tick_types":["trades"]}`},
		{"limit out of range", `{"contract_id":1,"tick_types":["last"],"config":{"limit":99999}}`},
		{"timeout too small", `{"contract_id":1,"tick_types":["last"],"config":{"timeout_seconds":2}}`},
		{"timeout too large", `{"contract_id":1,"tick_types":["last"],"config":{"timeout_seconds":7200}}`},
		{"buffer size out of range", `{"contract_id":1,"tick_types":["last"],"config":{"buffer_size":20000}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseSubscribe(json.RawMessage(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseUnsubscribe(t *testing.T) {
	id, err := parseUnsubscribe(json.RawMessage(`{"stream_id":"265598_last_1722500000000_4242"}`))
	require.NoError(t, err)
	assert.Equal(t, "265598_last_1722500000000_4242", id)

	_, err = parseUnsubscribe(json.RawMessage(`{}`))
	assert.Error(t, err)

	_, err = parseUnsubscribe(nil)
	assert.Error(t, err)
}
