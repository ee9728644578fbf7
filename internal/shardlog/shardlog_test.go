package shardlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

func TestWriterAppendsAndReadsBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", FileName(1, "0190f1e2-aaaa-7bbb-8ccc-ddddeeeeffff"))
	require.True(t, strings.HasPrefix(filepath.Base(path), "shard-01-"))

	w, err := Create(path)
	require.NoError(t, err)
	at := time.Date(2025, 11, 27, 9, 30, 0, 0, time.UTC)
	require.NoError(t, w.Append(collector.ShardLogEntry{EntityKey: "Sound, A", Target: "https://x/a", ObservedValue: "10", ObservedAt: at}))
	require.NoError(t, w.Append(collector.ShardLogEntry{EntityKey: "Sound B", Target: "https://x/b", ObservedAt: at.Add(time.Minute)}))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Error(t, w.Append(collector.ShardLogEntry{}))

	// Reopening appends without repeating the header.
	w, err = Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(collector.ShardLogEntry{EntityKey: "C", ObservedValue: "7", ObservedAt: at}))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(raw), "entity_key"))

	res, err := Read(path)
	require.NoError(t, err)
	require.Zero(t, res.Malformed)
	require.Len(t, res.Entries, 3)
	require.Equal(t, "Sound, A", res.Entries[0].EntityKey)
	require.Equal(t, "10", res.Entries[0].ObservedValue)
	require.Empty(t, res.Entries[1].ObservedValue)
	require.True(t, res.Entries[1].ObservedAt.Equal(at.Add(time.Minute)))
}

func TestDecodeToleratesBOMAndMalformedRows(t *testing.T) {
	t.Parallel()

	input := "\xEF\xBB\xBFentity_key,target,observed_value,observed_at\n" +
		"A,https://x/a,1,2025-11-27T00:00:00Z\n" +
		"broken,row\n" +
		"B,https://x/b,2,yesterday\n" +
		"C,https://x/c,3,2025-11-27T01:00:00+09:00\n" +
		"D,https://x/d,4,2025-11-27T0"
	res, err := Decode(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	require.Equal(t, 3, res.Malformed)
	require.Equal(t, "C", res.Entries[1].EntityKey)
	require.Equal(t, time.Date(2025, 11, 26, 16, 0, 0, 0, time.UTC), res.Entries[1].ObservedAt)
}

func TestDecodeWithoutHeader(t *testing.T) {
	t.Parallel()

	res, err := Decode(strings.NewReader("A,https://x/a,1,2025-11-27T00:00:00Z\n"))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
}

func TestGlobSortsShardLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"shard-01-b.csv", "shard-00-a.csv", "notes.csv", "shard-00-a.attempts.jsonl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	paths, err := Glob(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "shard-00-a.csv"), filepath.Join(dir, "shard-01-b.csv")}, paths)
}

func TestJournalWritesJSONLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), JournalName(0, "lease"))
	j, err := OpenJournal(path)
	require.NoError(t, err)
	v := int64(42)
	at := time.Date(2025, 11, 27, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(collector.AttemptRecord{TaskID: "t1", Attempt: 1, Outcome: collector.OutcomeSuccess, Value: &v, Timestamp: at}))
	require.NoError(t, j.Record(collector.AttemptRecord{TaskID: "t2", Attempt: 1, Outcome: collector.OutcomeSoftFailure, Reason: "no value", Timestamp: at}))
	require.NoError(t, j.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var records []collector.AttemptRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec collector.AttemptRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	require.Equal(t, int64(42), *records[0].Value)
	require.Equal(t, collector.OutcomeSoftFailure, records[1].Outcome)
}
