// Package reconcile merges shard logs into the ledger. It runs after every
// worker has stopped and is the only writer of the ledger.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/ledger"
	"github.com/JakeFAU/ugc-ledger/internal/metrics"
	"github.com/JakeFAU/ugc-ledger/internal/normalize"
	"github.com/JakeFAU/ugc-ledger/internal/shardlog"
)

// Match strategies, in resolution order.
const (
	MatchExactName      = "exact_name"
	MatchTarget         = "target"
	MatchNormalizedName = "normalized_name"
)

// Config controls reconciliation.
type Config struct {
	AlertDeltaThreshold int64
	// Location decides which date column an observation belongs to.
	Location           *time.Location
	PruneTrailingEmpty bool
}

// Result counts what a reconciliation pass did.
type Result struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	// MatchedByTarget and MatchedByName count entries that needed a fallback;
	// the rest of Applied matched on the exact entity key.
	MatchedByTarget int      `json:"matched_by_target"`
	MatchedByName   int      `json:"matched_by_name"`
	Unmatched       int      `json:"unmatched"`
	Unparsed        int      `json:"unparsed"`
	Malformed       int      `json:"malformed"`
	ColumnsCreated  []string `json:"columns_created,omitempty"`
	ColumnsPruned   int      `json:"columns_pruned"`
	TargetsHealed   int      `json:"targets_healed"`
}

// Reconciler applies shard log entries to a ledger.
type Reconciler struct {
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds a Reconciler. m and logger may be nil.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cfg: cfg, metrics: m, logger: logger.Named("reconcile")}
}

// Run loads the ledger, applies every readable shard log, and saves it. A
// missing or unreadable log is logged and skipped.
func (r *Reconciler) Run(ctx context.Context, store ledger.Store, paths []string) (Result, error) {
	l, err := store.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load ledger: %w", err)
	}
	var (
		entries   []collector.ShardLogEntry
		malformed int
	)
	for _, path := range paths {
		res, err := shardlog.Read(path)
		if err != nil {
			r.logger.Warn("skipping unreadable shard log", zap.String("path", path), zap.Error(err))
			continue
		}
		if res.Malformed > 0 {
			r.logger.Warn("shard log has malformed rows", zap.String("path", path), zap.Int("rows", res.Malformed))
		}
		malformed += res.Malformed
		entries = append(entries, res.Entries...)
	}

	result := r.Apply(l, entries)
	result.Malformed += malformed
	result.Skipped += malformed

	if err := store.Save(ctx, l); err != nil {
		return result, fmt.Errorf("save ledger: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ObserveReconcile(result.Applied, result.Skipped, map[string]int{
			MatchExactName:      result.Applied - result.MatchedByTarget - result.MatchedByName,
			MatchTarget:         result.MatchedByTarget,
			MatchNormalizedName: result.MatchedByName,
		})
	}
	r.logger.Info("reconciliation finished",
		zap.Int("logs", len(paths)),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("matched_by_target", result.MatchedByTarget),
		zap.Int("matched_by_name", result.MatchedByName),
		zap.Strings("columns_created", result.ColumnsCreated),
	)
	return result, nil
}

// Apply merges entries into l in place. Entries are applied in observation
// order, so the columns they create are appended chronologically regardless
// of which log they came from. A column older than the existing ones is still
// appended; delta, ratio, and alert follow date order, so applying runs out of
// order yields the same rows. Applying the same entries again leaves l
// unchanged.
func (r *Reconciler) Apply(l *ledger.Ledger, entries []collector.ShardLogEntry) Result {
	var res Result
	if r.cfg.PruneTrailingEmpty {
		res.ColumnsPruned = l.PruneTrailingEmpty()
	}

	sorted := make([]collector.ShardLogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})

	idx := newIndex(l)
	for _, e := range sorted {
		key := strings.TrimSpace(e.EntityKey)
		if key == "" {
			res.Malformed++
			res.Skipped++
			continue
		}
		value, ok := ParseValue(e.ObservedValue)
		if !ok {
			r.logger.Debug("skipping entry without a numeric value",
				zap.String("entity_key", key),
				zap.String("observed_value", e.ObservedValue),
			)
			res.Unparsed++
			res.Skipped++
			continue
		}
		row, strategy := idx.resolve(key, e.Target)
		if row == nil {
			r.logger.Warn("no ledger row for entry", zap.String("entity_key", key), zap.String("target", e.Target))
			res.Unmatched++
			res.Skipped++
			continue
		}
		switch strategy {
		case MatchTarget:
			res.MatchedByTarget++
		case MatchNormalizedName:
			res.MatchedByName++
		}

		label := ledger.Label(e.ObservedAt, r.cfg.Location)
		if l.EnsureColumn(label) {
			res.ColumnsCreated = append(res.ColumnsCreated, label)
		}
		row.Write(label, value, e.ObservedAt)
		if row.Target == "" {
			if target := normalize.CanonicalTarget(e.Target); target != "" {
				row.Target = target
				idx.addTarget(row)
				res.TargetsHealed++
				r.logger.Info("filled empty row target", zap.String("entity_key", row.EntityKey), zap.String("target", target))
			}
		}
		if at := e.ObservedAt.UTC(); at.After(l.UpdatedAt) {
			l.UpdatedAt = at
		}
		res.Applied++
	}

	for _, row := range l.Rows {
		l.Recompute(row, r.cfg.AlertDeltaThreshold)
	}
	return res
}

// index resolves entity keys to rows. Duplicate names resolve to the first
// row; a target shared by several rows resolves to the last of them.
type index struct {
	byName       map[string]*ledger.Row
	byTarget     map[string]*ledger.Row
	byNormalized map[string]*ledger.Row
}

func newIndex(l *ledger.Ledger) *index {
	idx := &index{
		byName:       make(map[string]*ledger.Row, len(l.Rows)),
		byTarget:     make(map[string]*ledger.Row, len(l.Rows)),
		byNormalized: make(map[string]*ledger.Row, len(l.Rows)),
	}
	for _, row := range l.Rows {
		if _, ok := idx.byName[row.EntityKey]; !ok {
			idx.byName[row.EntityKey] = row
		}
		if n := normalize.Name(row.EntityKey); n != "" {
			if _, ok := idx.byNormalized[n]; !ok {
				idx.byNormalized[n] = row
			}
		}
		if t := normalize.CanonicalTarget(row.Target); t != "" {
			idx.byTarget[t] = row
		}
	}
	return idx
}

// addTarget indexes a healed target without taking it from another row.
func (idx *index) addTarget(row *ledger.Row) {
	t := normalize.CanonicalTarget(row.Target)
	if t == "" {
		return
	}
	if _, ok := idx.byTarget[t]; !ok {
		idx.byTarget[t] = row
	}
}

// resolve tries exact name, then canonical target, then normalized name.
func (idx *index) resolve(key, target string) (*ledger.Row, string) {
	if row, ok := idx.byName[key]; ok {
		return row, MatchExactName
	}
	if t := normalize.CanonicalTarget(target); t != "" {
		if row, ok := idx.byTarget[t]; ok {
			return row, MatchTarget
		}
	}
	if n := normalize.Name(key); n != "" {
		if row, ok := idx.byNormalized[n]; ok {
			return row, MatchNormalizedName
		}
	}
	return nil, ""
}
