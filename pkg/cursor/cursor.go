package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Decision tells a tailer how to proceed against a tracked file.
type Decision string

const (
	// DecisionNoNewData means the file's mtime has not moved since the last
	// committed read; the cycle can skip the file entirely.
	DecisionNoNewData Decision = "no_new_data"
	// DecisionResume means new bytes were appended; read from the returned offset.
	DecisionResume Decision = "resume"
	// DecisionReset means the file was rotated or truncated; read from zero.
	// Re-reading the head of the replacement file is accepted.
	DecisionReset Decision = "reset"
)

// Stat is the subset of file metadata the store tracks.
type Stat struct {
	Inode     uint64
	Size      int64
	MTimeUnix int64
}

// StatFile stats a path and extracts the fields the store cares about.
func StatFile(path string) (Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stat{}, err
	}
	st := Stat{Size: info.Size(), MTimeUnix: info.ModTime().UnixNano()}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		st.Inode = sys.Ino
	}
	return st, nil
}

// Cursor is the persisted read position for one tracked file. While the inode
// is unchanged, 0 <= Offset <= Size holds; a rotation resets Offset to zero.
type Cursor struct {
	Inode     uint64 `json:"inode"`
	Size      int64  `json:"size"`
	Offset    int64  `json:"offset"`
	MTimeUnix int64  `json:"mtime"`
}

// Store persists read positions for incrementally tailed files. Each detector
// owns its store file exclusively; entries are never deleted, stale keys
// persist harmlessly.
type Store struct {
	path    string
	cursors map[string]Cursor
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewStore loads the store file at path. A missing or corrupt file degrades to
// an empty store, which means a full re-read of every tracked file.
func NewStore(path string, logger zerolog.Logger) *Store {
	s := &Store{
		path:    path,
		cursors: make(map[string]Cursor),
		logger:  logger.With().Str("component", "cursor_store").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("Could not read cursor store, starting empty.")
		}
		return s
	}
	if err := json.Unmarshal(data, &s.cursors); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Corrupt cursor store, starting empty.")
		s.cursors = make(map[string]Cursor)
	}
	return s
}

// Read returns the offset to resume reading key from, given the file's
// current metadata, and the decision that produced it.
func (s *Store) Read(key string, current Stat) (int64, Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.cursors[key]
	if !ok {
		return 0, DecisionResume
	}
	if prev.MTimeUnix == current.MTimeUnix {
		return prev.Offset, DecisionNoNewData
	}
	if prev.Inode != current.Inode || current.Size < prev.Size {
		return 0, DecisionReset
	}
	return prev.Offset, DecisionResume
}

// Commit records a successful read up to newOffset and persists the store
// atomically, so a crash mid-write cannot corrupt it. The offset is clamped
// to the file size to preserve the cursor invariant.
func (s *Store) Commit(key string, current Stat, newOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newOffset < 0 {
		newOffset = 0
	}
	if newOffset > current.Size {
		newOffset = current.Size
	}
	s.cursors[key] = Cursor{
		Inode:     current.Inode,
		Size:      current.Size,
		Offset:    newOffset,
		MTimeUnix: current.MTimeUnix,
	}
	return s.persistLocked()
}

// persistLocked writes the store with write-then-rename. Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.cursors)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
