package background

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

func TestParseTrackedContracts(t *testing.T) {
	out, err := ParseTrackedContracts("711280073:MNQ:bid_ask;last:24,265598:AAPL")
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, int64(711280073), out[0].ContractID)
	assert.Equal(t, "MNQ", out[0].Symbol)
	assert.Equal(t, []tickmsg.TickType{tickmsg.TickTypeBidAsk, tickmsg.TickTypeLast}, out[0].TickTypes)
	assert.Equal(t, 24, out[0].BufferHours)
	assert.True(t, out[0].Enabled)

	// defaults: bid_ask;last tick types, one buffer hour
	assert.Equal(t, int64(265598), out[1].ContractID)
	assert.Equal(t, []tickmsg.TickType{tickmsg.TickTypeBidAsk, tickmsg.TickTypeLast}, out[1].TickTypes)
	assert.Equal(t, 1, out[1].BufferHours)
}

func TestParseTrackedContractsEmpty(t *testing.T) {
	out, err := ParseTrackedContracts("")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestParseTrackedContractsErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"missing symbol", "711280073"},
		{"empty symbol", "711280073:"},
		{"bad contract id", "abc:MNQ"},
		{"zero contract id", "0:MNQ"},
		{"duplicate contract id", "1:A,1:B"},
		{"bad tick type", "1:A:trades"},
		{"duplicate tick type", "1:A:last;last"},
		{"bad buffer hours", "1:A:last:zero"},
		{"zero buffer hours", "1:A:last:0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTrackedContracts(tc.input)
			assert.Error(t, err)
		})
	}
}
