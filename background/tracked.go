// Package background maintains persistent subscriptions for configured
// tracked contracts on a dedicated upstream session, independent of client
// demand, and monitors their data flow for staleness.
package background

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// TrackedContract is one contract whose ticks are captured continuously.
type TrackedContract struct {
	ContractID  int64
	Symbol      string
	TickTypes   []tickmsg.TickType
	BufferHours int
	Enabled     bool
}

// ParseTrackedContracts parses the IB_STREAM_TRACKED_CONTRACTS form:
//
//	cid:symbol:tt1;tt2:buffer_hours,...
//
// Tick types default to bid_ask;last, buffer hours to 1. Contract ids must
// be unique within the set.
func ParseTrackedContracts(s string) ([]TrackedContract, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	seen := make(map[int64]bool)
	var out []TrackedContract

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("tracked contract %q: want cid:symbol[:tick_types[:buffer_hours]]", item)
		}

		cid, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || cid < 1 {
			return nil, fmt.Errorf("tracked contract %q: invalid contract id", item)
		}
		if seen[cid] {
			return nil, fmt.Errorf("tracked contract %q: duplicate contract id %d", item, cid)
		}
		seen[cid] = true

		tc := TrackedContract{
			ContractID:  cid,
			Symbol:      strings.TrimSpace(parts[1]),
			TickTypes:   []tickmsg.TickType{tickmsg.TickTypeBidAsk, tickmsg.TickTypeLast},
			BufferHours: 1,
			Enabled:     true,
		}
		if tc.Symbol == "" {
			return nil, fmt.Errorf("tracked contract %q: empty symbol", item)
		}

		if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
			var tts []tickmsg.TickType
			ttSeen := make(map[tickmsg.TickType]bool)
			for _, raw := range strings.Split(parts[2], ";") {
				tt, err := tickmsg.ParseTickType(raw)
				if err != nil {
					return nil, fmt.Errorf("tracked contract %q: %w", item, err)
				}
				if ttSeen[tt] {
					return nil, fmt.Errorf("tracked contract %q: duplicate tick type %s", item, tt)
				}
				ttSeen[tt] = true
				tts = append(tts, tt)
			}
			tc.TickTypes = tts
		}

		if len(parts) >= 4 && strings.TrimSpace(parts[3]) != "" {
			hours, err := strconv.Atoi(strings.TrimSpace(parts[3]))
			if err != nil || hours < 1 {
				return nil, fmt.Errorf("tracked contract %q: invalid buffer hours", item)
			}
			tc.BufferHours = hours
		}

		out = append(out, tc)
	}
	return out, nil
}
