package tickmsg

import (
	"fmt"
	"strings"
)

// TickType is the gateway-facing tick type vocabulary (snake_case).
type TickType string

const (
	TickTypeLast     TickType = "last"
	TickTypeAllLast  TickType = "all_last"
	TickTypeBidAsk   TickType = "bid_ask"
	TickTypeMidPoint TickType = "mid_point"
)

// upstreamNames maps gateway tick types to the upstream API spellings.
var upstreamNames = map[TickType]string{
	TickTypeLast:     "Last",
	TickTypeAllLast:  "AllLast",
	TickTypeBidAsk:   "BidAsk",
	TickTypeMidPoint: "MidPoint",
}

var fromUpstreamNames = map[string]TickType{
	"Last":     TickTypeLast,
	"AllLast":  TickTypeAllLast,
	"BidAsk":   TickTypeBidAsk,
	"MidPoint": TickTypeMidPoint,
}

// AllTickTypes lists every valid tick type.
func AllTickTypes() []TickType {
	return []TickType{TickTypeLast, TickTypeAllLast, TickTypeBidAsk, TickTypeMidPoint}
}

// ParseTickType validates a gateway-facing tick type string.
func ParseTickType(s string) (TickType, error) {
	tt := TickType(strings.ToLower(strings.TrimSpace(s)))
	switch tt {
	case TickTypeLast, TickTypeAllLast, TickTypeBidAsk, TickTypeMidPoint:
		return tt, nil
	}
	return "", fmt.Errorf("invalid tick type %q", s)
}

// ParseTickTypes parses a comma-separated list, rejecting duplicates.
func ParseTickTypes(s string) ([]TickType, error) {
	parts := strings.Split(s, ",")
	seen := make(map[TickType]bool, len(parts))
	var out []TickType
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		tt, err := ParseTickType(p)
		if err != nil {
			return nil, err
		}
		if seen[tt] {
			return nil, fmt.Errorf("duplicate tick type %q", tt)
		}
		seen[tt] = true
		out = append(out, tt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tick types in %q", s)
	}
	return out, nil
}

// Upstream returns the upstream API spelling for the tick type.
func (t TickType) Upstream() string {
	if name, ok := upstreamNames[t]; ok {
		return name
	}
	return string(t)
}

// FromUpstream translates an upstream tick type spelling to gateway form.
func FromUpstream(s string) (TickType, error) {
	if tt, ok := fromUpstreamNames[s]; ok {
		return tt, nil
	}
	return ParseTickType(s)
}

func (t TickType) String() string { return string(t) }
