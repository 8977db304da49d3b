package storage

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// JSONWriter appends compact JSONL records to hourly-partitioned files.
type JSONWriter struct {
	root  string
	locks *fileLocks
}

func NewJSONWriter(root string) *JSONWriter {
	return &JSONWriter{
		root:  filepath.Join(root, FormatJSON),
		locks: newFileLocks(),
	}
}

func (w *JSONWriter) Name() string { return FormatJSON }

// Start creates the storage root. Idempotent.
func (w *JSONWriter) Start() error {
	return os.MkdirAll(w.root, 0o755)
}

func (w *JSONWriter) Stop() error { return nil }

// WriteBatch groups the batch by target file and appends one compact JSON
// object per line, in arrival order.
func (w *JSONWriter) WriteBatch(messages []*tickmsg.TickMessage) error {
	var firstErr error
	for path, group := range groupByFile(w.root, extJSONL, messages) {
		if err := w.writeFile(path, group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *JSONWriter) writeFile(path string, messages []*tickmsg.TickMessage) error {
	lock := w.locks.get(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	for _, m := range messages {
		line, err := m.MarshalJSONL()
		if err != nil {
			zaplogger.Warn("jsonl: skipping unmarshalable message", zaplogger.Fields{"cid": m.CID, "error": err})
			continue
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return bw.Flush()
}

// QueryRange streams records from every file overlapping [start, end], in
// filename (timestamp-seconds) order, filtered by time range and tick-type
// set. limit <= 0 means unlimited.
func (w *JSONWriter) QueryRange(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, start, end time.Time, limit int) ([]*tickmsg.TickMessage, error) {
	set := tickTypeSet(tickTypes)
	var out []*tickmsg.TickMessage

	for _, path := range findFilesInRange(w.root, contractID, set, start, end, extJSONL) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msgs, err := w.readFile(path, set, start, end)
		if err != nil {
			zaplogger.Warn("jsonl: error reading file", zaplogger.Fields{"path": path, "error": err})
			continue
		}
		out = append(out, msgs...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (w *JSONWriter) readFile(path string, tickTypes map[tickmsg.TickType]bool, start, end time.Time) ([]*tickmsg.TickMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*tickmsg.TickMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := tickmsg.UnmarshalJSONL(line)
		if err != nil {
			zaplogger.Warn("jsonl: invalid line", zaplogger.Fields{"path": path, "error": err})
			continue
		}
		if len(tickTypes) > 0 && !tickTypes[m.TT] {
			continue
		}
		if inRange(m, start, end) {
			out = append(out, m)
		}
	}
	return out, scanner.Err()
}

// Stats walks the format tree and reports its footprint.
func (w *JSONWriter) Stats() (*Stats, error) {
	return collectStats(w.root, FormatJSON, extJSONL)
}

func collectStats(root, format, ext string) (*Stats, error) {
	stats := &Stats{Format: format}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), "."+ext) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		stats.FileCount++
		stats.TotalBytes += info.Size()
		if meta, ok := parseFilename(d.Name()); ok {
			hour := time.Unix(meta.TimestampSec, 0).UTC().Truncate(time.Hour)
			if stats.EarliestHour == nil || hour.Before(*stats.EarliestHour) {
				h := hour
				stats.EarliestHour = &h
			}
			if stats.LatestHour == nil || hour.After(*stats.LatestHour) {
				h := hour
				stats.LatestHour = &h
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return stats, nil
	}
	return stats, err
}
