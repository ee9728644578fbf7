// Package shardlog persists a worker's private, append-only shard log as CSV
// and its attempt journal as JSON lines.
package shardlog

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Header is the first row of every shard log.
var Header = []string{"entity_key", "target", "observed_value", "observed_at"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// FileName returns the shard log file name for a shard lease.
func FileName(shard int, leaseID string) string {
	return fmt.Sprintf("shard-%02d-%s.csv", shard, shortID(leaseID))
}

// JournalName returns the attempt journal file name for a shard lease.
func JournalName(shard int, leaseID string) string {
	return fmt.Sprintf("shard-%02d-%s.attempts.jsonl", shard, shortID(leaseID))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[len(id)-12:]
	}
	return id
}

// Writer appends entries to one shard log. Every append is flushed and synced
// so that a crashed worker leaves a readable log behind.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	csv  *csv.Writer
}

// Create opens path for appending, writing the header when the file is new.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create shard log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open shard log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat shard log: %w", err)
	}
	w := &Writer{path: path, file: f, csv: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := w.write(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return w, nil
}

// Path returns the log location.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one entry.
func (w *Writer) Append(entry collector.ShardLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write([]string{
		entry.EntityKey,
		entry.Target,
		entry.ObservedValue,
		entry.ObservedAt.UTC().Format(time.RFC3339),
	})
}

func (w *Writer) write(record []string) error {
	if w.file == nil {
		return fmt.Errorf("shard log %s is closed", w.path)
	}
	if err := w.csv.Write(record); err != nil {
		return fmt.Errorf("write shard log: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush shard log: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync shard log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// ReadResult holds the parsed rows of one shard log.
type ReadResult struct {
	Path      string
	Entries   []collector.ShardLogEntry
	Malformed int
}

// Read parses a shard log. A leading BOM and a header row are tolerated;
// rows with the wrong arity or an unparseable timestamp are counted as
// malformed and skipped.
func Read(path string) (ReadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReadResult{}, fmt.Errorf("open shard log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	res, err := Decode(f)
	res.Path = path
	if err != nil {
		return res, fmt.Errorf("read shard log %s: %w", path, err)
	}
	return res, nil
}

// Decode parses shard log rows from r.
func Decode(r io.Reader) (ReadResult, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var res ReadResult
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.Malformed++
				continue
			}
			return res, err
		}
		if first {
			first = false
			if isHeader(record) {
				continue
			}
		}
		entry, ok := parseRecord(record)
		if !ok {
			res.Malformed++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

func isHeader(record []string) bool {
	return len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), Header[0])
}

func parseRecord(record []string) (collector.ShardLogEntry, bool) {
	if len(record) != len(Header) {
		return collector.ShardLogEntry{}, false
	}
	at, err := time.Parse(time.RFC3339, strings.TrimSpace(record[3]))
	if err != nil {
		return collector.ShardLogEntry{}, false
	}
	return collector.ShardLogEntry{
		EntityKey:     record[0],
		Target:        record[1],
		ObservedValue: record[2],
		ObservedAt:    at.UTC(),
	}, true
}

// Glob lists shard logs under dir in name order.
func Glob(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "shard-*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
