package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/HatiCode/recal/pkg/params"
)

// FileStore implements the attempt log as one JSONL file per horizon.
//
// Each record is a single JSON object terminated by '\n', appended with
// O_APPEND and fsynced before Append returns, so a committed record is durable
// and a crash mid-write can at worst leave one trailing partial line. Readers
// skip a trailing line that does not parse; everything before it is committed.
// The log is never rewritten in place.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-backed attempt log rooted at dir.
// The directory is created if it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("history dir cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(horizon string) string {
	return filepath.Join(s.dir, horizon+".jsonl")
}

// Append commits one entry to the horizon's log file.
func (s *FileStore) Append(ctx context.Context, e Entry) error {
	if e.Horizon == "" {
		return errors.New("entry horizon cannot be empty")
	}
	if !params.ValidHorizonName(e.Horizon) {
		return fmt.Errorf("invalid horizon name %q", e.Horizon)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(e.Horizon), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync history log: %w", err)
	}

	return nil
}

// Latest returns the most recently appended entry for a horizon.
func (s *FileStore) Latest(ctx context.Context, horizon string) (Entry, bool, error) {
	entries, err := s.List(ctx, horizon, 0)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

// List returns up to limit entries for a horizon, oldest first.
// A trailing line that fails to parse is ignored (uncommitted write).
func (s *FileStore) List(ctx context.Context, horizon string, limit int) ([]Entry, error) {
	if !params.ValidHorizonName(horizon) {
		return nil, fmt.Errorf("invalid horizon name %q", horizon)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f, err := os.Open(s.path(horizon))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A malformed final line is an interrupted append; everything
			// committed precedes it. Malformed interior lines are corruption.
			if !scanner.Scan() {
				break
			}
			return nil, fmt.Errorf("corrupt history log for horizon %q at line %d: %w", horizon, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
