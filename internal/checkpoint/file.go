package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const FileName = "check_progress.jsonl"

// FileLog keeps one JSON entry per line in the run folder.
type FileLog struct {
	path string
	mu   sync.Mutex
}

func NewFileLog(path string) *FileLog { return &FileLog{path: path} }

// FileOpener places the log at {folder}/check_progress.jsonl.
func FileOpener() Opener {
	return func(_ string, folder string) Log {
		return NewFileLog(filepath.Join(folder, FileName))
	}
}

func (l *FileLog) Append(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("checkpoint: open %s: %w", l.path, err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Entries reads the log. A torn final line from a crash mid-write is ignored.
func (l *FileLog) Entries(_ context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", l.path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
