package shardlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/JakeFAU/ugc-ledger/internal/collector"
)

// Journal appends AttemptRecords as JSON lines.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// OpenJournal opens path for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open attempt journal: %w", err)
	}
	return &Journal{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends rec.
func (j *Journal) Record(rec collector.AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("attempt journal is closed")
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write attempt: %w", err)
	}
	return nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
