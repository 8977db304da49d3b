package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Buffer query sources.
const (
	SourceJSON     = "json"
	SourceProtobuf = "pb"
	SourceBoth     = "both"
)

// QueryBuffer returns the ticks persisted during the trailing duration
// window, oldest first.
func (s *MultiStorage) QueryBuffer(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, duration time.Duration, source string) ([]*tickmsg.TickMessage, error) {
	now := time.Now().UTC()
	return s.QueryBufferRange(ctx, contractID, tickTypes, now.Add(-duration), now, source, 0)
}

// QueryBufferSince is QueryBuffer with an explicit lower bound.
func (s *MultiStorage) QueryBufferSince(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, since time.Time, source string) ([]*tickmsg.TickMessage, error) {
	return s.QueryBufferRange(ctx, contractID, tickTypes, since, time.Now().UTC(), source, 0)
}

// QueryBufferRange resolves the source selector and runs the range query.
// "both" concatenates json and protobuf results and re-sorts by event time;
// no deduplication is attempted.
func (s *MultiStorage) QueryBufferRange(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, start, end time.Time, source string, limit int) ([]*tickmsg.TickMessage, error) {
	switch source {
	case SourceJSON, "":
		return s.Query(ctx, FormatJSON, contractID, tickTypes, start, end, limit)
	case SourceProtobuf:
		return s.Query(ctx, FormatProtobuf, contractID, tickTypes, start, end, limit)
	case SourceBoth:
		var merged []*tickmsg.TickMessage
		for _, format := range []string{FormatJSON, FormatProtobuf} {
			w, ok := s.Writer(format)
			if !ok {
				continue
			}
			msgs, err := w.QueryRange(ctx, contractID, tickTypes, start, end, 0)
			if err != nil {
				continue
			}
			merged = append(merged, msgs...)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].TS < merged[j].TS })
		if limit > 0 && len(merged) > limit {
			merged = merged[:limit]
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("unknown buffer source %q", source)
	}
}

// ParseBufferDuration parses the (\d+)[smhd] buffer_duration parameter.
func ParseBufferDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid buffer duration %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid buffer duration %q", s)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid buffer duration unit %q", string(unit))
	}
}
