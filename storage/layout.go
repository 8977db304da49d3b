// Package storage implements the hourly-partitioned on-disk tick store:
// parallel JSONL and length-prefixed protobuf writers, a fan-out
// orchestrator with bounded queues, and time-range queries.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

const (
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"

	extJSONL = "jsonl"
	extPB    = "pb"
)

// filePath builds {root}/YYYY/MM/DD/HH/{cid}_{tt}_{tsSeconds}.{ext}.
// The filename alone locates a file by time and key.
func filePath(root string, contractID int64, tickType tickmsg.TickType, tsMicros int64, ext string) string {
	sec := tsMicros / 1_000_000
	dt := time.Unix(sec, 0).UTC()
	return filepath.Join(
		root,
		dt.Format("2006/01/02/15"),
		fmt.Sprintf("%d_%s_%d.%s", contractID, tickType, sec, ext),
	)
}

// fileMeta is what a storage filename encodes.
type fileMeta struct {
	ContractID   int64
	TickType     string
	TimestampSec int64
}

// parseFilename decodes {cid}_{tt}_{tsSeconds}.{ext}. Tick types themselves
// contain underscores, so the first and last segments are fixed and the
// middle is rejoined.
func parseFilename(name string) (*fileMeta, bool) {
	base := name
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return nil, false
	}
	cid, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, false
	}
	sec, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return nil, false
	}
	return &fileMeta{
		ContractID:   cid,
		TickType:     strings.Join(parts[1:len(parts)-1], "_"),
		TimestampSec: sec,
	}, true
}

// findFilesInRange scans the hourly directory tree covering [start, end] and
// returns matching file paths sorted by the timestamp encoded in the
// filename. One extra hour of look-behind is scanned because a file opened
// late in an hour may carry records past the hour boundary.
func findFilesInRange(root string, contractID int64, tickTypes map[tickmsg.TickType]bool, start, end time.Time, ext string) []string {
	if end.Before(start) {
		return nil
	}

	var files []string
	hour := start.UTC().Truncate(time.Hour).Add(-time.Hour)
	last := end.UTC().Truncate(time.Hour)

	for !hour.After(last) {
		dir := filepath.Join(root, hour.Format("2006/01/02/15"))
		entries, err := os.ReadDir(dir)
		hour = hour.Add(time.Hour)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), "."+ext) {
				continue
			}
			meta, ok := parseFilename(e.Name())
			if !ok || meta.ContractID != contractID {
				continue
			}
			if len(tickTypes) > 0 && !tickTypes[tickmsg.TickType(meta.TickType)] {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		mi, _ := parseFilename(filepath.Base(files[i]))
		mj, _ := parseFilename(filepath.Base(files[j]))
		if mi.TimestampSec != mj.TimestampSec {
			return mi.TimestampSec < mj.TimestampSec
		}
		return files[i] < files[j]
	})
	return files
}

func tickTypeSet(tickTypes []tickmsg.TickType) map[tickmsg.TickType]bool {
	set := make(map[tickmsg.TickType]bool, len(tickTypes))
	for _, tt := range tickTypes {
		set[tt] = true
	}
	return set
}

// inRange reports whether a record's event time falls inside [start, end].
func inRange(m *tickmsg.TickMessage, start, end time.Time) bool {
	ts := m.EventTime()
	return !ts.Before(start) && !ts.After(end)
}
