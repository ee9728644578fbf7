// Package ledger holds the time-series ledger: one row per entity, one
// date-labelled column per collection day, and the derived delta, ratio, and
// alert state of each row.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DateLayout formats column labels.
const DateLayout = "2006-01-02"

// Store loads and saves a ledger document. Load returns an empty ledger when
// none has been saved yet.
type Store interface {
	Load(ctx context.Context) (*Ledger, error)
	Save(ctx context.Context, l *Ledger) error
}

// Cell is one observed value.
type Cell struct {
	Value      *int64    `json:"value,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// Empty reports whether the cell holds no value.
func (c Cell) Empty() bool {
	return c.Value == nil
}

// Row is one entity's series.
type Row struct {
	EntityKey string          `json:"entity_key"`
	Target    string          `json:"target,omitempty"`
	Cells     map[string]Cell `json:"cells,omitempty"`
	// Delta and Ratio compare the latest populated column with the nearest
	// populated column before it. Ratio is a percentage.
	Delta *int64   `json:"delta,omitempty"`
	Ratio *float64 `json:"ratio,omitempty"`
	Alert bool     `json:"alert,omitempty"`
	// Diffs is the difference history: the delta of every populated column
	// that has a populated predecessor.
	Diffs map[string]int64 `json:"diffs,omitempty"`
}

// Cell returns the cell at label.
func (r *Row) Cell(label string) Cell {
	return r.Cells[label]
}

// Write stores v at label unless the cell already holds a later observation.
// Ties on observed_at go to the larger value so that replay order never
// matters. It reports whether the cell changed.
func (r *Row) Write(label string, v int64, at time.Time) bool {
	at = at.UTC()
	if r.Cells == nil {
		r.Cells = make(map[string]Cell)
	}
	cur, ok := r.Cells[label]
	if ok && !cur.Empty() {
		switch {
		case cur.ObservedAt.After(at):
			return false
		case cur.ObservedAt.Equal(at) && *cur.Value >= v:
			return false
		}
	}
	r.Cells[label] = Cell{Value: &v, ObservedAt: at}
	return true
}

// Ledger is the whole document.
type Ledger struct {
	Name string `json:"name"`
	// Columns are date labels in creation order. New columns are only ever
	// appended.
	Columns   []string  `json:"columns"`
	Rows      []*Row    `json:"rows"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// New returns an empty ledger.
func New(name string) *Ledger {
	return &Ledger{Name: name}
}

// Label returns the column label for an observation time in loc.
func Label(at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Format(DateLayout)
}

// ColumnIndex returns the position of label, or -1.
func (l *Ledger) ColumnIndex(label string) int {
	for i, c := range l.Columns {
		if c == label {
			return i
		}
	}
	return -1
}

// EnsureColumn appends label when absent and reports whether it was created.
func (l *Ledger) EnsureColumn(label string) bool {
	if l.ColumnIndex(label) >= 0 {
		return false
	}
	l.Columns = append(l.Columns, label)
	return true
}

// LatestColumn returns the most recent date label, or "" for an empty
// ledger. A column appended out of date order does not become the latest.
func (l *Ledger) LatestColumn() string {
	latest := ""
	for _, c := range l.Columns {
		if c > latest {
			latest = c
		}
	}
	return latest
}

// Chronological returns the column labels in date order. Columns keep their
// append position in Columns; derived state always follows date order so the
// result does not depend on the order logs were applied in.
func (l *Ledger) Chronological() []string {
	labels := append([]string(nil), l.Columns...)
	sort.Strings(labels)
	return labels
}

// PruneTrailingEmpty drops columns at the end that no row populates and
// returns how many were removed. Columns before the last populated one are
// never touched.
func (l *Ledger) PruneTrailingEmpty() int {
	removed := 0
	for len(l.Columns) > 0 {
		label := l.Columns[len(l.Columns)-1]
		if l.populated(label) {
			break
		}
		l.Columns = l.Columns[:len(l.Columns)-1]
		for _, r := range l.Rows {
			delete(r.Cells, label)
		}
		removed++
	}
	return removed
}

func (l *Ledger) populated(label string) bool {
	for _, r := range l.Rows {
		if !r.Cell(label).Empty() {
			return true
		}
	}
	return false
}

// Row returns the row whose entity key is exactly key.
func (l *Ledger) Row(key string) *Row {
	for _, r := range l.Rows {
		if r.EntityKey == key {
			return r
		}
	}
	return nil
}

// AddRow appends a row for key, or returns the existing row with an empty
// target filled in. It reports whether a row was created.
func (l *Ledger) AddRow(key, target string) (*Row, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("entity key is empty")
	}
	if r := l.Row(key); r != nil {
		if r.Target == "" {
			r.Target = target
		}
		return r, false, nil
	}
	r := &Row{EntityKey: key, Target: target}
	l.Rows = append(l.Rows, r)
	return r, true, nil
}

// Recompute refreshes the row's derived state from its populated columns and
// sets or clears the alert against threshold.
func (l *Ledger) Recompute(r *Row, threshold int64) {
	r.Delta, r.Ratio, r.Alert = nil, nil, false
	r.Diffs = nil

	var prev *int64
	for _, label := range l.Chronological() {
		cell := r.Cell(label)
		if cell.Empty() {
			continue
		}
		if prev != nil {
			d := *cell.Value - *prev
			if r.Diffs == nil {
				r.Diffs = make(map[string]int64)
			}
			r.Diffs[label] = d
			r.Delta = &d
			r.Ratio = ratio(d, *prev)
		} else {
			r.Delta, r.Ratio = nil, nil
		}
		prev = cell.Value
	}
	r.Alert = r.Delta != nil && *r.Delta >= threshold
}

func ratio(delta, prev int64) *float64 {
	if prev == 0 {
		return nil
	}
	v := math.Round(float64(delta)/float64(prev)*100*100) / 100
	return &v
}
