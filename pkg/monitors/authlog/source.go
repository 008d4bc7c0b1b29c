package authlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/cursor"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/rs/zerolog"
)

// AuthEvent is one classified authentication log line.
type AuthEvent struct {
	Type      events.SecurityEventType
	Username  string
	SourceIP  string
	Raw       string
	Timestamp time.Time
}

// AuthEventSource yields the authentication events appended since the last
// committed poll. Reading from a flat log file and reading from the systemd
// journal are interchangeable implementations, selected by configuration.
// Commit persists the position reached by the last Poll; callers invoke it
// only after the batch has been dispatched, so an uncommitted batch is served
// again instead of lost.
type AuthEventSource interface {
	Poll(ctx context.Context) ([]AuthEvent, error)
	Commit() error
}

var (
	tsPattern     = regexp.MustCompile(`^(\w{3})\s+(\d{1,2})\s([\d:]{8})`)
	originPattern = regexp.MustCompile(`from (\d+\.\d+\.\d+\.\d+)`)
	userPattern   = regexp.MustCompile(`for (?:invalid user )?(\S+)`)
)

// parseLine classifies one raw log line. Unrecognized lines return ok=false
// and are skipped. Syslog timestamps carry no year, so the current year is
// assumed; any timestamp parse failure falls back to now.
func parseLine(raw string, now time.Time) (AuthEvent, bool) {
	ts := now
	if m := tsPattern.FindStringSubmatch(raw); m != nil {
		stamp := fmt.Sprintf("%s %s %s %d", m[1], m[2], m[3], now.Year())
		if parsed, err := time.ParseInLocation("Jan 2 15:04:05 2006", stamp, time.Local); err == nil {
			ts = parsed
		}
	}

	var eventType events.SecurityEventType
	switch {
	case strings.Contains(raw, "Failed password"):
		eventType = events.EventFailedLogin
	case strings.Contains(raw, "Accepted password"), strings.Contains(raw, "Accepted publickey"):
		eventType = events.EventSuccessfulLogin
	default:
		return AuthEvent{}, false
	}

	ipMatch := originPattern.FindStringSubmatch(raw)
	userMatch := userPattern.FindStringSubmatch(raw)
	if ipMatch == nil || userMatch == nil {
		return AuthEvent{}, false
	}

	return AuthEvent{
		Type:      eventType,
		Username:  userMatch[1],
		SourceIP:  ipMatch[1],
		Raw:       raw,
		Timestamp: ts,
	}, true
}

// FileSource tails a flat authentication log through a cursor store.
type FileSource struct {
	path    string
	cursors *cursor.Store
	logger  zerolog.Logger

	// Position reached by the last poll, held back until Commit.
	pendingStat   cursor.Stat
	pendingOffset int64
	dirty         bool
}

// NewFileSource creates a source tailing the given log file.
func NewFileSource(path string, cursors *cursor.Store, logger zerolog.Logger) *FileSource {
	return &FileSource{path: path, cursors: cursors, logger: logger}
}

// Poll reads and classifies the bytes appended since the last committed read.
// A rotated or truncated log restarts from the head of the new file.
func (s *FileSource) Poll(ctx context.Context) ([]AuthEvent, error) {
	s.dirty = false

	st, err := cursor.StatFile(s.path)
	if err != nil {
		return nil, err
	}

	offset, decision := s.cursors.Read(s.path, st)
	if decision == cursor.DecisionNoNewData {
		return nil, nil
	}
	if decision == cursor.DecisionReset {
		s.logger.Info().Str("path", s.path).Msg("Log rotation detected, restarting from offset 0.")
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	newOffset := offset + int64(len(data))

	now := time.Now()
	var out []AuthEvent
	for _, line := range strings.Split(string(data), "\n") {
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}
		if ev, ok := parseLine(raw, now); ok {
			out = append(out, ev)
		}
	}

	s.pendingStat = st
	s.pendingOffset = newOffset
	s.dirty = true
	return out, nil
}

// Commit persists the offset reached by the last poll.
func (s *FileSource) Commit() error {
	if !s.dirty {
		return nil
	}
	s.dirty = false
	return s.cursors.Commit(s.path, s.pendingStat, s.pendingOffset)
}

// journalOutput invokes journalctl for sshd entries after a stored cursor.
// Swappable for tests.
var journalOutput = func(ctx context.Context, afterCursor string) ([]byte, error) {
	args := []string{"-t", "sshd", "--no-pager", "-o", "short", "--show-cursor"}
	if afterCursor != "" {
		args = append(args, "--after-cursor", afterCursor)
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(cctx, "journalctl", args...).Output()
}

// JournalSource reads sshd entries from the systemd journal, tracking its
// position with the journal's own cursor token instead of a byte offset.
type JournalSource struct {
	statePath string
	cursor    string
	pending   string
	loaded    bool
	logger    zerolog.Logger
}

// NewJournalSource creates a journal-backed source persisting its cursor
// token at statePath.
func NewJournalSource(statePath string, logger zerolog.Logger) *JournalSource {
	return &JournalSource{statePath: statePath, logger: logger}
}

func (s *JournalSource) Poll(ctx context.Context) ([]AuthEvent, error) {
	if !s.loaded {
		if data, err := os.ReadFile(s.statePath); err == nil {
			s.cursor = strings.TrimSpace(string(data))
			s.logger.Debug().Msg("Resuming from persisted journal cursor.")
		}
		s.loaded = true
	}

	out, err := journalOutput(ctx, s.cursor)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var parsed []AuthEvent
	for _, line := range strings.Split(string(out), "\n") {
		raw := strings.TrimSpace(line)
		if raw == "" || raw == "-- No entries --" {
			continue
		}
		if rest, ok := strings.CutPrefix(raw, "-- cursor: "); ok {
			s.pending = strings.TrimSpace(rest)
			continue
		}
		if ev, ok := parseLine(raw, now); ok {
			parsed = append(parsed, ev)
		}
	}
	return parsed, nil
}

// Commit persists the cursor token reached by the last poll. Until then the
// next poll replays from the previously committed token.
func (s *JournalSource) Commit() error {
	if s.pending == "" || s.pending == s.cursor {
		return nil
	}
	if err := os.WriteFile(s.statePath, []byte(s.pending), 0o644); err != nil {
		return err
	}
	s.cursor = s.pending
	s.pending = ""
	return nil
}
