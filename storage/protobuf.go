package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// maxRecordBytes caps a single length-prefixed record; anything larger is a
// corrupt prefix.
const maxRecordBytes = 1 << 20

// ProtobufWriter appends length-prefixed protobuf records to
// hourly-partitioned files. Each record is uint32_be(length) || body.
type ProtobufWriter struct {
	root  string
	locks *fileLocks
}

func NewProtobufWriter(root string) *ProtobufWriter {
	return &ProtobufWriter{
		root:  filepath.Join(root, FormatProtobuf),
		locks: newFileLocks(),
	}
}

func (w *ProtobufWriter) Name() string { return FormatProtobuf }

func (w *ProtobufWriter) Start() error {
	return os.MkdirAll(w.root, 0o755)
}

func (w *ProtobufWriter) Stop() error { return nil }

func (w *ProtobufWriter) WriteBatch(messages []*tickmsg.TickMessage) error {
	var firstErr error
	for path, group := range groupByFile(w.root, extPB, messages) {
		if err := w.writeFile(path, group); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (w *ProtobufWriter) writeFile(path string, messages []*tickmsg.TickMessage) error {
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
	var prefix [4]byte
	for _, m := range messages {
		body := marshalProto(m)
		binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
		if _, err := bw.Write(prefix[:]); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := bw.Write(body); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return bw.Flush()
}

func (w *ProtobufWriter) QueryRange(ctx context.Context, contractID int64, tickTypes []tickmsg.TickType, start, end time.Time, limit int) ([]*tickmsg.TickMessage, error) {
	set := tickTypeSet(tickTypes)
	var out []*tickmsg.TickMessage

	for _, path := range findFilesInRange(w.root, contractID, set, start, end, extPB) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msgs, err := w.readFile(path, set, start, end)
		if err != nil {
			zaplogger.Warn("protobuf: error reading file", zaplogger.Fields{"path": path, "error": err})
			continue
		}
		out = append(out, msgs...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (w *ProtobufWriter) readFile(path string, tickTypes map[tickmsg.TickType]bool, start, end time.Time) ([]*tickmsg.TickMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*tickmsg.TickMessage
	r := bufio.NewReader(f)
	var prefix [4]byte
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			zaplogger.Warn("protobuf: truncated length prefix", zaplogger.Fields{"path": path})
			break
		}
		length := binary.BigEndian.Uint32(prefix[:])
		if length == 0 || length > maxRecordBytes {
			zaplogger.Warn("protobuf: implausible record length", zaplogger.Fields{"path": path, "length": length})
			break
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			zaplogger.Warn("protobuf: incomplete record", zaplogger.Fields{"path": path})
			break
		}
		m, err := unmarshalProto(body)
		if err != nil {
			zaplogger.Warn("protobuf: invalid record", zaplogger.Fields{"path": path, "error": err})
			continue
		}
		if len(tickTypes) > 0 && !tickTypes[m.TT] {
			continue
		}
		if inRange(m, start, end) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (w *ProtobufWriter) Stats() (*Stats, error) {
	return collectStats(w.root, FormatProtobuf, extPB)
}
