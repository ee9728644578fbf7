// Package archive copies a finished run directory (shard logs, journals,
// worker summaries, run summary) to durable blob storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ManifestName is the object written last, listing every archived artifact.
const ManifestName = "manifest.json"

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Artifact describes one archived file.
type Artifact struct {
	Path   string `json:"path"`
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// Manifest is the archive index for a run.
type Manifest struct {
	RunID      string     `json:"run_id"`
	ArchivedAt time.Time  `json:"archived_at"`
	Artifacts  []Artifact `json:"artifacts"`
	// URI is where the manifest itself was stored.
	URI string `json:"-"`
}

// Archiver uploads run directories.
type Archiver struct {
	store  BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// New builds an Archiver writing under prefix.
func New(store BlobStore, prefix string, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		logger: logger,
	}
}

// Archive uploads every regular file below root to <prefix>/<runID>/<rel>
// and finishes with the manifest. Temporary files are skipped.
func (a *Archiver) Archive(ctx context.Context, runID, root string) (Manifest, error) {
	manifest := Manifest{RunID: runID}
	if a.store == nil {
		return manifest, fmt.Errorf("blob store is not configured")
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		artifact, err := a.upload(ctx, runID, p, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		manifest.Artifacts = append(manifest.Artifacts, artifact)
		return nil
	})
	if err != nil {
		return manifest, fmt.Errorf("archive run %s: %w", runID, err)
	}

	manifest.ArchivedAt = a.now().UTC()
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return manifest, fmt.Errorf("encode manifest: %w", err)
	}
	uri, err := a.store.PutObject(ctx, a.key(runID, ManifestName), "application/json", bytes.NewReader(data))
	if err != nil {
		return manifest, fmt.Errorf("put manifest: %w", err)
	}
	manifest.URI = uri
	a.logger.Info("run archived",
		zap.String("run_id", runID),
		zap.Int("artifacts", len(manifest.Artifacts)),
		zap.String("manifest", uri),
	)
	return manifest, nil
}

func (a *Archiver) upload(ctx context.Context, runID, src, rel string) (Artifact, error) {
	f, err := os.Open(src)
	if err != nil {
		return Artifact{}, fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	sum := sha256.New()
	counter := &countingReader{r: io.TeeReader(f, sum)}
	uri, err := a.store.PutObject(ctx, a.key(runID, rel), contentType(rel), counter)
	if err != nil {
		return Artifact{}, fmt.Errorf("put %s: %w", rel, err)
	}
	return Artifact{
		Path:   rel,
		URI:    uri,
		SHA256: hex.EncodeToString(sum.Sum(nil)),
		Bytes:  counter.n,
	}, nil
}

func (a *Archiver) key(runID, rel string) string {
	if a.prefix == "" {
		return path.Join(runID, rel)
	}
	return path.Join(a.prefix, runID, rel)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".log":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
