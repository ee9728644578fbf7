package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/notify"
	"github.com/JakeFAU/ugc-ledger/internal/notify/memory"
)

func TestRunFinishedPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	n := notify.New(pub, "runs", nil)
	summary := collector.RunSummary{RunID: "r1", TasksTotal: 3, TasksSucceeded: 2}

	require.NoError(t, n.RunFinished(context.Background(), "collect", summary, "memory://runs/r1/manifest.json"))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "runs", msgs[0].Topic)
	event, ok := msgs[0].Payload.(notify.RunEvent)
	require.True(t, ok)
	require.Equal(t, "collect", event.Kind)
	require.Equal(t, summary, event.Summary)
	require.Equal(t, "memory://runs/r1/manifest.json", event.ArchiveURI)
}

func TestRunFinishedWrapsPublishError(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	err := notify.New(pub, "runs", nil).RunFinished(context.Background(), "apply", collector.RunSummary{RunID: "r2"}, "")
	require.ErrorContains(t, err, "publish run r2")
}

func TestNilNotifierIsNoop(t *testing.T) {
	t.Parallel()

	var n *notify.Notifier
	require.NoError(t, n.RunFinished(context.Background(), "collect", collector.RunSummary{}, ""))
	require.NoError(t, notify.New(nil, "", nil).RunFinished(context.Background(), "collect", collector.RunSummary{}, ""))
}
