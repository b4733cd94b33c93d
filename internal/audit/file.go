package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileSink appends events to a JSONL file. Appends are guarded by an
// advisory file lock so the log stays line-atomic when more than one
// switchboard process shares it.
type FileSink struct {
	path string
	lock *flock.Flock
}

// NewFileSink opens (creating if needed) the JSONL audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	f.Close()

	return &FileSink{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

// Write appends one event as a JSON line.
func (s *FileSink) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	data = append(data, '\n')

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking audit log: %w", err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Close releases the advisory lock if held.
func (s *FileSink) Close() error {
	return s.lock.Unlock()
}

// ReadAll parses every event in a JSONL audit log. Intended for the CLI
// and tests, not the hot path.
func ReadAll(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	var events []Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("parsing audit log: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
