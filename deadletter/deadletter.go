// Package deadletter records documents that could not be committed after
// the solo-retry budget was spent. Entries are appended as one JSON object
// per line so a partially written file stays readable and a crashed run
// loses at most its final line.
package deadletter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"phimask.evalgo.org/common"
)

// Entry is one dead-lettered document.
type Entry struct {
	DocID      string    `json:"doc_id"`
	Collection string    `json:"collection"`
	RunID      string    `json:"run_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}

// Log is an append-only dead-letter file for one run.
type Log struct {
	mu         sync.Mutex
	file       *os.File
	enc        *json.Encoder
	collection string
	runID      string
	count      int
}

// FileName returns the conventional dead-letter file name for a run.
func FileName(collection, runID string) string {
	return fmt.Sprintf("%s.%s.deadletter.ndjson", collection, runID)
}

// Open creates or appends to the dead-letter file under dir.
func Open(dir, collection, runID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("preparing dead-letter directory: %w", err)
	}
	path := filepath.Join(dir, FileName(collection, runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter file %s: %w", path, err)
	}
	return &Log{
		file:       f,
		enc:        json.NewEncoder(f),
		collection: collection,
		runID:      runID,
	}, nil
}

// Record appends one entry and syncs it to disk. A document that reaches
// the dead-letter file must survive a crash immediately after.
func (l *Log) Record(docID, reason string, attempts int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		DocID:      docID,
		Collection: l.collection,
		RunID:      l.runID,
		Reason:     reason,
		Attempts:   attempts,
		Timestamp:  time.Now().UTC(),
	}
	if err := l.enc.Encode(entry); err != nil {
		return fmt.Errorf("appending dead-letter entry for %s: %w", docID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing dead-letter file: %w", err)
	}
	l.count++

	common.Logger.WithFields(logrus.Fields{
		"doc_id":   docID,
		"reason":   reason,
		"attempts": attempts,
	}).Error("document dead-lettered")
	return nil
}

// Count returns the number of entries recorded by this log instance.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the file location.
func (l *Log) Path() string {
	return l.file.Name()
}

// Close releases the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Read loads all entries from a dead-letter file.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dead-letter file %s: %w", path, err)
	}
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("decoding dead-letter entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
