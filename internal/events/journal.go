package events

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"sync"
)

const journalFileMode fs.FileMode = 0644

// Journal appends events to a JSON-lines file and fsyncs after each write.
type Journal struct {
	file *os.File
	mu   sync.Mutex
}

// OpenJournal opens or creates the journal at path in append mode.
func OpenJournal(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, journalFileMode)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

func (j *Journal) Publish(_ context.Context, event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := json.NewEncoder(j.file).Encode(event); err != nil {
		return err
	}
	return j.file.Sync()
}

// ReadAll replays the journal from the start, one event per callback.
func (j *Journal) ReadAll(fn func(Event) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	decoder := json.NewDecoder(j.file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if stderrors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func (j *Journal) Close() error {
	return j.file.Close()
}
