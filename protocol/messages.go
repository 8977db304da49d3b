// Package protocol defines the v2 server→client message envelope shared by
// the SSE and WebSocket transports, and the bounded outbound queue every
// subscriber drains through.
package protocol

import (
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Message types.
const (
	TypeTick       = "tick"
	TypeError      = "error"
	TypeComplete   = "complete"
	TypeInfo       = "info"
	TypeHeartbeat  = "heartbeat"
	TypeConnected  = "connected"
	TypeSubscribed = "subscribed"
	TypeUnsub      = "unsubscribed"
	TypePong       = "pong"
)

// Error codes carried in error messages.
const (
	CodeSlowConsumer   = "SLOW_CONSUMER"
	CodeBufferOverflow = "BUFFER_OVERFLOW"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	CodeStreamTimeout  = "STREAM_TIMEOUT"
)

// Message is the envelope both transports emit.
type Message struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	terminal bool
}

// IsTerminal reports whether the message ends its stream: a complete, or an
// error with recoverable=false.
func (m *Message) IsTerminal() bool { return m.terminal }

func newMessage(typ, streamID string, data any) *Message {
	return &Message{
		Type:      typ,
		StreamID:  streamID,
		Timestamp: tickmsg.V2Timestamp(time.Now()),
		Data:      data,
	}
}

// Tick wraps one tick for delivery. Historical replay frames carry buffer
// position metadata.
func Tick(streamID string, m *tickmsg.TickMessage, historical bool, bufferIndex, bufferTotal int) *Message {
	msg := newMessage(TypeTick, streamID, m.ToV2().Data)
	msg.Metadata = map[string]any{
		"historical": historical,
		"request_id": m.RID,
	}
	if historical {
		msg.Metadata["buffer_index"] = bufferIndex
		msg.Metadata["buffer_total"] = bufferTotal
	}
	return msg
}

// Error builds an error message; non-recoverable errors are terminal.
func Error(streamID, code, message string, recoverable bool) *Message {
	msg := newMessage(TypeError, streamID, map[string]any{
		"code":        code,
		"message":     message,
		"recoverable": recoverable,
	})
	msg.terminal = !recoverable
	return msg
}

// Complete builds the terminal complete message.
func Complete(streamID, reason string, totalTicks int, duration time.Duration) *Message {
	msg := newMessage(TypeComplete, streamID, map[string]any{
		"reason":           reason,
		"total_ticks":      totalTicks,
		"duration_seconds": duration.Seconds(),
	})
	msg.terminal = true
	return msg
}

// Info builds an informational status message.
func Info(streamID, status string, extra map[string]any) *Message {
	data := map[string]any{"status": status}
	for k, v := range extra {
		data[k] = v
	}
	return newMessage(TypeInfo, streamID, data)
}

// Heartbeat keeps idle connections alive.
func Heartbeat() *Message {
	return newMessage(TypeHeartbeat, "", map[string]any{"message": "heartbeat"})
}

// Connected is the WebSocket accept greeting.
func Connected(connectionID string, capabilities []string) *Message {
	return newMessage(TypeConnected, "", map[string]any{
		"connection_id": connectionID,
		"version":       "v2",
		"capabilities":  capabilities,
	})
}
