package tickmsg

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"
)

// GenerateStreamID issues the opaque downstream stream identifier:
// {contract_id}_{tick_type}_{ms}_{rand}.
func GenerateStreamID(contractID int64, tickType TickType) string {
	return fmt.Sprintf("%d_%s_%d_%d", contractID, tickType, time.Now().UnixMilli(), 1000+rand.Intn(9000))
}

// GenerateMultiStreamID issues a stream id covering several tick types on one
// subscription, with the types sorted for a stable spelling.
func GenerateMultiStreamID(contractID int64, tickTypes []TickType) string {
	names := make([]string, len(tickTypes))
	for i, tt := range tickTypes {
		names[i] = string(tt)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d_multi_%s_%d_%d", contractID, strings.Join(names, "_"), time.Now().UnixMilli(), 1000+rand.Intn(9000))
}

// StreamIDParts holds the components parsed out of a stream id.
type StreamIDParts struct {
	ContractID int64
	TickType   string
	Millis     int64
	Random     int
}

// ParseStreamID splits a stream id back into its components. Returns an error
// for ids that do not follow the {cid}_{tt}_{ms}_{rand} shape.
func ParseStreamID(id string) (*StreamIDParts, error) {
	parts := strings.Split(id, "_")
	if len(parts) < 4 {
		return nil, fmt.Errorf("invalid stream id %q", id)
	}
	cid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	ms, err := strconv.ParseInt(parts[len(parts)-2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	rnd, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return nil, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return &StreamIDParts{
		ContractID: cid,
		TickType:   strings.Join(parts[1:len(parts)-2], "_"),
		Millis:     ms,
		Random:     rnd,
	}, nil
}
