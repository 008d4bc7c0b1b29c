package cmdhistory

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/cursor"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/monitors/base"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/session"
	"github.com/rs/zerolog"
)

// flushHistory asks a user's live shell to append its in-memory history to
// disk before we read the file. Failures are expected for users without a
// shell and are ignored by the caller. Swappable for tests.
var flushHistory = func(ctx context.Context, username string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(cctx, "su", "-", username, "-c", "history -a").Run()
}

// historyFilePath resolves the per-terminal history file for a session.
// Swappable for tests.
var historyFilePath = session.HistoryFilePath

// Config holds the configuration for the command history tailer.
type Config struct {
	SessionMapPath string `mapstructure:"session_map_path"`
	FlushHistory   bool   `mapstructure:"flush_history"`
}

// Tailer reads per-terminal bash history files for every live session in the
// session map and reports each newly appended command line.
type Tailer struct {
	*base.BaseMonitor
	config  *Config
	sender  dispatch.Sender
	cursors *cursor.Store
}

// NewTailer creates the command history tailer monitor.
func NewTailer(logger zerolog.Logger, sender dispatch.Sender, stateDir string) scheduler.Monitor {
	return &Tailer{
		BaseMonitor: base.NewBaseMonitor("command_history_tailer", logger),
		config: &Config{
			SessionMapPath: filepath.Join(stateDir, "session_map.json"),
			FlushHistory:   true,
		},
		sender:  sender,
		cursors: cursor.NewStore(filepath.Join(stateDir, "history_cursor.json"), logger),
	}
}

// Configure applies the per-monitor configuration block.
func (t *Tailer) Configure(config map[string]interface{}) error {
	if path, ok := config["session_map_path"].(string); ok {
		t.config.SessionMapPath = path
	}
	if flush, ok := config["flush_history"].(bool); ok {
		t.config.FlushHistory = flush
	}
	return nil
}

// Run executes one poll cycle over every (user, tty) pair in the session map.
func (t *Tailer) Run(ctx context.Context) {
	sessions := session.LoadMap(t.config.SessionMapPath)

	var emitted int
	for _, username := range sortedKeys(sessions) {
		if t.config.FlushHistory {
			if err := flushHistory(ctx, username); err != nil {
				t.Logger().Debug().Str("user", username).Err(err).
					Msg("History flush failed, reading file as-is.")
			}
		}
		ttys := sessions[username]
		for _, tty := range sortedKeys(ttys) {
			emitted += t.tailOne(username, tty, ttys[tty])
		}
	}

	t.UpdateMetrics("commands_reported", emitted)
	t.RecordExecution(nil)
}

// tailOne reads one user's per-terminal history file from its committed
// offset and reports each complete appended line. Returns the number of
// commands reported.
func (t *Tailer) tailOne(username, tty, sessionID string) int {
	path := historyFilePath(username, tty)
	st, err := cursor.StatFile(path)
	if err != nil {
		// No history file yet for this terminal.
		return 0
	}

	key := fmt.Sprintf("%s:%s:%s", username, tty, path)
	offset, decision := t.cursors.Read(key, st)
	if decision == cursor.DecisionNoNewData {
		return 0
	}

	f, err := os.Open(path)
	if err != nil {
		errors.NewTransientIOError(t.Name(), path, err).Log(t.Logger())
		return 0
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			errors.NewTransientIOError(t.Name(), path, err).Log(t.Logger())
			return 0
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		errors.NewTransientIOError(t.Name(), path, err).Log(t.Logger())
		return 0
	}

	sourceIP := session.IPFromSessionID(sessionID)
	now := time.Now().UTC()

	var count int
	for _, line := range strings.Split(string(data), "\n") {
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		t.sender.Send(events.EndpointCommandHistory, events.CommandEvent{
			Username:  username,
			SourceIP:  sourceIP,
			SessionID: sessionID,
			Command:   command,
			Timestamp: now,
		})
		count++
	}

	if err := t.cursors.Commit(key, st, offset+int64(len(data))); err != nil {
		t.Logger().Warn().Err(err).Str("key", key).Msg("Could not persist history cursor.")
	}
	return count
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
