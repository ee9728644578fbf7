package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/archive/memory"
)

func writeRunFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestArchiveUploadsRunDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeRunFile(t, root, "summary.json", `{"run_id":"r1"}`)
	writeRunFile(t, root, "shards/shard-00-abc.csv", "hello world")
	writeRunFile(t, root, "workers/worker-00-0.summary.json.tmp", "partial")

	store := memory.NewBlobStore()
	a := New(store, "/runs/", nil)
	a.now = func() time.Time { return time.Date(2025, 11, 25, 9, 0, 0, 0, time.UTC) }

	manifest, err := a.Archive(context.Background(), "r1", root)
	require.NoError(t, err)
	require.Len(t, manifest.Artifacts, 2)
	require.Equal(t, "memory://runs/r1/manifest.json", manifest.URI)

	require.Equal(t, []string{
		"runs/r1/manifest.json",
		"runs/r1/shards/shard-00-abc.csv",
		"runs/r1/summary.json",
	}, store.Keys())

	var shard Artifact
	for _, art := range manifest.Artifacts {
		if art.Path == "shards/shard-00-abc.csv" {
			shard = art
		}
	}
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", shard.SHA256)
	require.EqualValues(t, 11, shard.Bytes)
	require.Equal(t, "memory://runs/r1/shards/shard-00-abc.csv", shard.URI)

	raw, ok := store.Get("runs/r1/manifest.json")
	require.True(t, ok)
	var stored Manifest
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, "r1", stored.RunID)
	require.Len(t, stored.Artifacts, 2)
}

func TestArchiveRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "", nil).Archive(context.Background(), "r1", t.TempDir())
	require.Error(t, err)
}

func TestArchiveMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewBlobStore(), "", nil).Archive(context.Background(), "r1", filepath.Join(t.TempDir(), "gone"))
	require.Error(t, err)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/json", contentType("summary.json"))
	require.Equal(t, "text/csv; charset=utf-8", contentType("shards/a.CSV"))
	require.Equal(t, "application/x-ndjson", contentType("shards/a.jsonl"))
	require.Equal(t, "application/octet-stream", contentType("profile.bin"))
}
