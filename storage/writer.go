package storage

import (
	"context"
	"sync"
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Writer is one on-disk storage format. Writers never share file handles;
// batch boundaries are not observable from file content.
type Writer interface {
	Name() string
	Start() error
	Stop() error
	WriteBatch(messages []*tickmsg.TickMessage) error
	QueryRange(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, start, end time.Time, limit int) ([]*tickmsg.TickMessage, error)
}

// Stats describes one writer's on-disk footprint.
type Stats struct {
	Format       string     `json:"format"`
	FileCount    int        `json:"file_count"`
	TotalBytes   int64      `json:"total_bytes"`
	EarliestHour *time.Time `json:"earliest_hour,omitempty"`
	LatestHour   *time.Time `json:"latest_hour,omitempty"`
}

// StatsProvider is implemented by writers that can report their footprint.
type StatsProvider interface {
	Stats() (*Stats, error)
}

// fileLocks hands out one mutex per file path. A writer holds at most one
// file lock at a time.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*sync.Mutex)}
}

func (f *fileLocks) get(path string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	f.locks[path] = l
	return l
}

// groupByFile splits a batch into per-target-file groups, preserving arrival
// order within each group.
func groupByFile(root string, ext string, messages []*tickmsg.TickMessage) map[string][]*tickmsg.TickMessage {
	groups := make(map[string][]*tickmsg.TickMessage)
	for _, m := range messages {
		path := filePath(root, m.CID, m.TT, m.TS, ext)
		groups[path] = append(groups[path], m)
	}
	return groups
}
