// Package notify announces finished runs to downstream consumers.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Publisher sends one JSON payload to a topic and returns the message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunEvent is the message published once per run.
type RunEvent struct {
	Kind    string               `json:"kind"`
	Summary collector.RunSummary `json:"summary"`
	// ArchiveURI points at the archived manifest when archiving is enabled.
	ArchiveURI string `json:"archive_uri,omitempty"`
}

// Notifier publishes run events. A nil Notifier is a no-op.
type Notifier struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// New returns a Notifier for topic.
func New(pub Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, topic: topic, logger: logger}
}

// RunFinished publishes the summary of a completed run.
func (n *Notifier) RunFinished(ctx context.Context, kind string, summary collector.RunSummary, archiveURI string) error {
	if n == nil || n.pub == nil {
		return nil
	}
	id, err := n.pub.Publish(ctx, n.topic, RunEvent{Kind: kind, Summary: summary, ArchiveURI: archiveURI})
	if err != nil {
		return fmt.Errorf("publish run %s: %w", summary.RunID, err)
	}
	n.logger.Info("run event published",
		zap.String("run_id", summary.RunID),
		zap.String("topic", n.topic),
		zap.String("message_id", id),
	)
	return nil
}
