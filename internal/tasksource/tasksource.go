// Package tasksource loads the ordered task list from a CSV or YAML file, or
// derives it from the ledger itself.
package tasksource

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/ledger"
	"github.com/JakeFAU/ugc-ledger/internal/normalize"
)

// Supported formats.
const (
	FormatAuto = "auto"
	FormatCSV  = "csv"
	FormatYAML = "yaml"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var (
	nameHeaders   = []string{"display_name", "name", "entity_key", "song", "曲名", "楽曲名"}
	targetHeaders = []string{"target", "url"}
)

// Loaded is a task list plus the number of entries that were dropped.
type Loaded struct {
	Tasks   []collector.Task
	Skipped int
}

type rawTask struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Name        string `yaml:"name"`
	Target      string `yaml:"target"`
	URL         string `yaml:"url"`
}

func (r rawTask) name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.Name
}

func (r rawTask) target() string {
	if r.Target != "" {
		return r.Target
	}
	return r.URL
}

// Load reads the task file at path. A missing file or a file without a
// single usable task is a configuration error; individual blank or malformed
// entries are skipped.
func Load(path, format string, logger *zap.Logger) (Loaded, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(path) == "" {
		return Loaded{}, collector.Configf("tasks.path is required")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Loaded{}, collector.Configf("task source %s not found", path)
	}
	if err != nil {
		return Loaded{}, collector.Configf("read task source %s: %v", path, err)
	}

	var raws []rawTask
	switch resolveFormat(path, format) {
	case FormatCSV:
		raws, err = decodeCSV(data)
	case FormatYAML:
		raws, err = decodeYAML(data)
	default:
		return Loaded{}, collector.Configf("unsupported task format %q", format)
	}
	if err != nil {
		return Loaded{}, collector.Configf("parse task source %s: %v", path, err)
	}

	loaded := build(raws)
	if loaded.Skipped > 0 {
		logger.Warn("skipped blank or malformed tasks", zap.String("path", path), zap.Int("skipped", loaded.Skipped))
	}
	if len(loaded.Tasks) == 0 {
		return loaded, collector.Configf("task source %s has no usable tasks", path)
	}
	logger.Info("tasks loaded", zap.String("path", path), zap.Int("tasks", len(loaded.Tasks)))
	return loaded, nil
}

func resolveFormat(path, format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "" && format != FormatAuto {
		return format
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatCSV
	}
}

func decodeCSV(data []byte) ([]rawTask, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	reader := csv.NewReader(bufio.NewReader(bytes.NewReader(data)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var out []rawTask
	nameCol, targetCol, idCol := 0, 1, -1
	first := true
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out = append(out, rawTask{})
				continue
			}
			return nil, err
		}
		if first {
			first = false
			if n, t, id, ok := headerColumns(record); ok {
				nameCol, targetCol, idCol = n, t, id
				continue
			}
		}
		out = append(out, rawTask{
			ID:          field(record, idCol),
			DisplayName: field(record, nameCol),
			Target:      field(record, targetCol),
		})
	}
	return out, nil
}

func headerColumns(record []string) (name, target, id int, ok bool) {
	name, target, id = -1, -1, -1
	for i, h := range record {
		h = strings.ToLower(strings.TrimSpace(norm.NFKC.String(h)))
		switch {
		case h == "id":
			id = i
		case name < 0 && contains(nameHeaders, h):
			name = i
		case target < 0 && contains(targetHeaders, h):
			target = i
		}
	}
	return name, target, id, name >= 0 && target >= 0
}

func decodeYAML(data []byte) ([]rawTask, error) {
	var list []rawTask
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var doc struct {
		Tasks []rawTask `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return doc.Tasks, nil
}

func build(raws []rawTask) Loaded {
	var loaded Loaded
	for _, raw := range raws {
		task, ok := newTask(raw.ID, raw.name(), raw.target())
		if !ok {
			loaded.Skipped++
			continue
		}
		loaded.Tasks = append(loaded.Tasks, task)
	}
	loaded.Tasks = collector.Reindex(loaded.Tasks)
	return loaded
}

// newTask validates one entry: both fields are required and the target must
// be an absolute URL with a host.
func newTask(id, name, target string) (collector.Task, bool) {
	name = strings.TrimSpace(name)
	target = normalize.Target(target)
	if name == "" || target == "" {
		return collector.Task{}, false
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return collector.Task{}, false
	}
	return collector.Task{ID: strings.TrimSpace(id), DisplayName: name, Target: target}, true
}

// FromLedger builds one task per ledger row that has a target.
func FromLedger(l *ledger.Ledger) Loaded {
	raws := make([]rawTask, 0, len(l.Rows))
	for _, row := range l.Rows {
		raws = append(raws, rawTask{DisplayName: row.EntityKey, Target: row.Target})
	}
	return build(raws)
}

// RetryMissing builds tasks for ledger rows that have a target but no value
// in the latest column. An empty ledger yields no tasks.
func RetryMissing(l *ledger.Ledger) Loaded {
	latest := l.LatestColumn()
	if latest == "" {
		return Loaded{}
	}
	raws := make([]rawTask, 0)
	for _, row := range l.Rows {
		if !row.Cell(latest).Empty() {
			continue
		}
		raws = append(raws, rawTask{DisplayName: row.EntityKey, Target: row.Target})
	}
	return build(raws)
}

func field(record []string, i int) string {
	if i < 0 || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
