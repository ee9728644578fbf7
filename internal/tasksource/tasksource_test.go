package tasksource

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
	"github.com/JakeFAU/ugc-ledger/internal/ledger"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCSVWithHeader(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tasks.csv", "\ufeffurl,display_name\n"+
		"example.com/@alice, Alice\n"+
		",Nobody\n"+
		"\n"+
		"https://example.com/@bob,Bob\n"+
		"not a url,Broken\n")

	loaded, err := Load(path, FormatAuto, nil)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Skipped)
	require.Equal(t, []collector.Task{
		{Index: 0, ID: "task-0000", DisplayName: "Alice", Target: "https://example.com/@alice"},
		{Index: 1, ID: "task-0001", DisplayName: "Bob", Target: "https://example.com/@bob"},
	}, loaded.Tasks)
}

func TestLoadCSVWithoutHeader(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tasks.txt", "Alice,https://example.com/@alice\nBob,https://example.com/@bob\n")

	loaded, err := Load(path, FormatCSV, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Tasks, 2)
	require.Equal(t, "Alice", loaded.Tasks[0].DisplayName)
	require.Equal(t, 1, loaded.Tasks[1].Index)
}

func TestLoadCSVKeepsIDColumn(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "tasks.csv", "id,name,target\nA-1,Alice,https://example.com/@alice\n,Bob,https://example.com/@bob\n")

	loaded, err := Load(path, FormatAuto, nil)
	require.NoError(t, err)
	require.Equal(t, "A-1", loaded.Tasks[0].ID)
	require.Equal(t, "task-0001", loaded.Tasks[1].ID)
}

func TestLoadYAMLForms(t *testing.T) {
	t.Parallel()

	list := writeFile(t, "tasks.yaml", `
- display_name: Alice
  target: https://example.com/@alice
- name: Bob
  url: example.com/@bob
- name: ""
  target: https://example.com/@ghost
`)
	loaded, err := Load(list, FormatAuto, nil)
	require.NoError(t, err)
	require.Len(t, loaded.Tasks, 2)
	require.Equal(t, 1, loaded.Skipped)
	require.Equal(t, "https://example.com/@bob", loaded.Tasks[1].Target)

	doc := writeFile(t, "tasks.yml", `
tasks:
  - id: custom
    display_name: Alice
    target: https://example.com/@alice
`)
	loaded, err = Load(doc, FormatAuto, nil)
	require.NoError(t, err)
	require.Equal(t, []collector.Task{
		{Index: 0, ID: "custom", DisplayName: "Alice", Target: "https://example.com/@alice"},
	}, loaded.Tasks)
}

func TestLoadConfigurationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		path   func(t *testing.T) string
		format string
	}{
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.csv") }},
		{name: "empty path", path: func(*testing.T) string { return "" }},
		{name: "no usable tasks", path: func(t *testing.T) string { return writeFile(t, "tasks.csv", "name,url\n,\n") }},
		{name: "bad yaml", path: func(t *testing.T) string { return writeFile(t, "tasks.yaml", "tasks: [: :") }},
		{name: "unknown format", path: func(t *testing.T) string { return writeFile(t, "tasks.csv", "a,b\n") }, format: "xml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(tt.path(t), tt.format, nil)
			require.Error(t, err)
			require.True(t, collector.IsConfiguration(err), "got %v", err)
		})
	}
}

func ledgerWithRows(t *testing.T) *ledger.Ledger {
	t.Helper()
	at := time.Date(2025, 11, 25, 9, 0, 0, 0, time.UTC)
	l := ledger.New("test")
	alice, _, err := l.AddRow("Alice", "https://example.com/@alice")
	require.NoError(t, err)
	_, _, err = l.AddRow("Bob", "https://example.com/@bob")
	require.NoError(t, err)
	_, _, err = l.AddRow("NoTarget", "")
	require.NoError(t, err)

	l.EnsureColumn("2025-11-25")
	alice.Write("2025-11-25", 10, at)
	return l
}

func TestFromLedger(t *testing.T) {
	t.Parallel()

	loaded := FromLedger(ledgerWithRows(t))
	require.Len(t, loaded.Tasks, 2)
	require.Equal(t, 1, loaded.Skipped)
	require.Equal(t, "Alice", loaded.Tasks[0].DisplayName)
	require.Equal(t, "Bob", loaded.Tasks[1].DisplayName)
}

func TestRetryMissing(t *testing.T) {
	t.Parallel()

	loaded := RetryMissing(ledgerWithRows(t))
	require.Len(t, loaded.Tasks, 1)
	require.Equal(t, "Bob", loaded.Tasks[0].DisplayName)
	require.Equal(t, 0, loaded.Tasks[0].Index)

	require.Empty(t, RetryMissing(ledger.New("empty")).Tasks)
}
