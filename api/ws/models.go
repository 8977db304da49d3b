// Package ws exposes the WebSocket streaming endpoint. One connection may
// multiplex many subscriptions; client messages are schema-validated and
// rate-limited.
package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Connection limits.
const (
	maxSubscriptionsPerConn = 20
	maxConnectionsPerIP     = 10
	maxInboundPerSecond     = 100
)

// Close codes.
const (
	closeNormal          = 1000
	closePolicy          = 1008
	closeInternal        = 1011
	closeInvalidMessage  = 4000
	closeInvalidContract = 4002
	closeUpstreamLost    = 4003
	closeRateLimit       = 4004
)

// clientMessage is the inbound envelope.
type clientMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type subscribeConfig struct {
	Limit           int  `json:"limit,omitempty"`
	TimeoutSeconds  int  `json:"timeout_seconds,omitempty"`
	BufferSize      int  `json:"buffer_size,omitempty"`
	IncludeExtended bool `json:"include_extended,omitempty"`
}

type subscribeData struct {
	ContractID int64            `json:"contract_id"`
	TickTypes  []string         `json:"tick_types"`
	Config     *subscribeConfig `json:"config,omitempty"`
}

type unsubscribeData struct {
	StreamID string `json:"stream_id"`
}

// decodeClientMessage parses and envelope-validates one inbound frame.
func decodeClientMessage(raw []byte) (*clientMessage, error) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message missing id field")
	}
	return &msg, nil
}

// parseSubscribe validates a subscribe payload against the v2 schema and
// converts it to stream parameters.
func parseSubscribe(raw json.RawMessage) (*stream.Params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("subscribe requires a data object")
	}
	var data subscribeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid subscribe data: %w", err)
	}

	if data.ContractID < 1 {
		return nil, fmt.Errorf("contract_id must be >= 1")
	}
	if len(data.TickTypes) < 1 || len(data.TickTypes) > 4 {
		return nil, fmt.Errorf("tick_types must list 1 to 4 types")
	}

	seen := make(map[tickmsg.TickType]bool, len(data.TickTypes))
	tts := make([]tickmsg.TickType, 0, len(data.TickTypes))
	for _, raw := range data.TickTypes {
		tt, err := tickmsg.ParseTickType(raw)
		if err != nil {
			return nil, err
		}
		if seen[tt] {
			return nil, fmt.Errorf("duplicate tick type %q", tt)
		}
		seen[tt] = true
		tts = append(tts, tt)
	}

	p := &stream.Params{ContractID: data.ContractID, TickTypes: tts}
	if cfg := data.Config; cfg != nil {
		if cfg.Limit != 0 {
			if cfg.Limit < 1 || cfg.Limit > 10000 {
				return nil, fmt.Errorf("config.limit must be in [1, 10000]")
			}
			p.Limit = cfg.Limit
		}
		if cfg.TimeoutSeconds != 0 {
			if cfg.TimeoutSeconds < 5 || cfg.TimeoutSeconds > 3600 {
				return nil, fmt.Errorf("config.timeout_seconds must be in [5, 3600]")
			}
			p.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		if cfg.BufferSize != 0 && (cfg.BufferSize < 1 || cfg.BufferSize > 10000) {
			return nil, fmt.Errorf("config.buffer_size must be in [1, 10000]")
		}
	}
	return p, nil
}

func parseUnsubscribe(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("unsubscribe requires a data object")
	}
	var data unsubscribeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("invalid unsubscribe data: %w", err)
	}
	if data.StreamID == "" {
		return "", fmt.Errorf("stream_id is required")
	}
	return data.StreamID, nil
}
