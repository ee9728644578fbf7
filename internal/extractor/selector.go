// Package extractor implements collector.Extractor with CSS selectors and a
// small set of error page heuristics evaluated inside the browser.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	snapshotTextLimit   = 4000
)

// Config names the selectors and phrases the extractor looks for.
type Config struct {
	ValueSelector  string
	ReadySelector  string
	ErrorSelectors []string
	ErrorPhrases   []string
	PollInterval   time.Duration
	// Stop ends WaitReady early when raised. Optional.
	Stop collector.StopSignal
}

// Selector extracts a single count from the element matched by
// Config.ValueSelector.
type Selector struct {
	cfg     Config
	phrases []string
	clock   collector.Clock
	logger  *zap.Logger
}

// NewSelector builds a Selector.
func NewSelector(cfg Config, clock collector.Clock, logger *zap.Logger) (*Selector, error) {
	if strings.TrimSpace(cfg.ValueSelector) == "" {
		return nil, collector.Configf("extractor.value_selector is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	phrases := make([]string, 0, len(cfg.ErrorPhrases))
	for _, p := range cfg.ErrorPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &Selector{cfg: cfg, phrases: phrases, clock: clock, logger: logger}, nil
}

// WaitReady polls until the document is interactive and the ready selector
// (when configured) is present, or timeout elapses. A raised stop signal ends
// the wait as not ready.
func (s *Selector) WaitReady(ctx context.Context, session collector.Session, timeout time.Duration) bool {
	deadline := s.clock.Now().Add(timeout)
	expr := readyExpression(s.cfg.ReadySelector)
	for {
		var ready bool
		if err := session.Evaluate(ctx, expr, &ready); err == nil && ready {
			return true
		} else if session.Err() != nil {
			return false
		}
		if !s.clock.Now().Before(deadline) {
			return false
		}
		if s.cfg.Stop != nil && s.cfg.Stop.IsSet(ctx) {
			s.logger.Debug("stop requested; abandoning ready wait")
			return false
		}
		if err := s.clock.Sleep(ctx, s.cfg.PollInterval); err != nil {
			return false
		}
	}
}

// pageSnapshot is the browser-side view used by error detection.
type pageSnapshot struct {
	Title         string `json:"title"`
	Text          string `json:"text"`
	ErrorSelector string `json:"errorSelector"`
}

// DetectError reports whether the page is a recognizable error page. An
// evaluation failure is treated as "no error": absence of evidence is
// ambiguous, not a failure.
func (s *Selector) DetectError(ctx context.Context, session collector.Session) bool {
	var snap pageSnapshot
	if err := session.Evaluate(ctx, snapshotExpression(s.cfg.ErrorSelectors), &snap); err != nil {
		s.logger.Debug("error snapshot failed", zap.Error(err))
		return statusIsError(session.DocumentStatus())
	}
	return s.isErrorPage(snap, session.DocumentStatus())
}

func (s *Selector) isErrorPage(snap pageSnapshot, status int) bool {
	if statusIsError(status) {
		return true
	}
	if snap.ErrorSelector != "" {
		return true
	}
	haystack := strings.ToLower(snap.Title + "\n" + snap.Text)
	for _, phrase := range s.phrases {
		if strings.Contains(haystack, phrase) {
			return true
		}
	}
	return false
}

func statusIsError(status int) bool {
	return status >= 500 || status == 429
}

// Extract reads the value element and parses it as a count. A missing or
// unparseable element is a soft failure.
func (s *Selector) Extract(ctx context.Context, session collector.Session) (collector.Record, error) {
	var raw string
	if err := session.Evaluate(ctx, textExpression(s.cfg.ValueSelector), &raw); err != nil {
		if collector.IsFatal(err) {
			return collector.Record{}, err
		}
		return collector.Record{}, fmt.Errorf("%w: read value: %w", collector.ErrSoftFailure, err)
	}
	rec := collector.Record{Fields: map[string]string{"raw": raw}}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return rec, fmt.Errorf("%w: value element %q not found", collector.ErrSoftFailure, s.cfg.ValueSelector)
	}
	n, ok := ParseCount(raw)
	if !ok {
		return rec, fmt.Errorf("%w: unparseable value %q", collector.ErrSoftFailure, raw)
	}
	rec.Value = &n
	return rec, nil
}

func readyExpression(selector string) string {
	return fmt.Sprintf(`(() => {
	if (document.readyState === "loading") { return false; }
	const sel = %s;
	return sel === "" || document.querySelector(sel) !== null;
})()`, jsString(selector))
}

func textExpression(selector string) string {
	return fmt.Sprintf(`(() => {
	const el = document.querySelector(%s);
	return el ? (el.innerText || el.textContent || "") : "";
})()`, jsString(selector))
}

func snapshotExpression(selectors []string) string {
	list, _ := json.Marshal(selectors)
	return fmt.Sprintf(`(() => {
	const sels = %s || [];
	const hit = sels.find((s) => { try { return document.querySelector(s) !== null; } catch (e) { return false; } }) || "";
	const body = document.body ? (document.body.innerText || "") : "";
	return { title: document.title || "", text: body.slice(0, %d), errorSelector: hit };
})()`, list, snapshotTextLimit)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
