package fim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/monitors/base"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/session"
	"github.com/rs/zerolog"
)

// historyFilePath resolves the per-terminal history file used for terminal
// attribution. Swappable for tests.
var historyFilePath = session.HistoryFilePath

// Config holds the configuration for the file integrity watcher.
type Config struct {
	Roots           []string `mapstructure:"roots"`
	ExcludePrefixes []string `mapstructure:"exclude_prefixes"`
	ExcludeSuffixes []string `mapstructure:"exclude_suffixes"`
	SessionMapPath  string   `mapstructure:"session_map_path"`
}

// Watcher reports every create, modify and delete under its watched roots,
// attributing each change to the likeliest logged-in user and terminal. Run
// blocks on the notification stream until the context is cancelled.
type Watcher struct {
	*base.BaseMonitor
	config *Config
	sender dispatch.Sender
	dedup  *changeDeduplicator
}

// NewWatcher creates the file integrity watcher monitor.
func NewWatcher(logger zerolog.Logger, sender dispatch.Sender, stateDir string) scheduler.Monitor {
	return &Watcher{
		BaseMonitor: base.NewBaseMonitor("file_integrity_watcher", logger),
		config: &Config{
			Roots:           []string{"/etc", "/root", "/home"},
			ExcludeSuffixes: []string{".swp", ".swx", ".tmp", "~"},
			SessionMapPath:  filepath.Join(stateDir, "session_map.json"),
		},
		sender: sender,
		dedup:  newChangeDeduplicator(2 * time.Second),
	}
}

// Configure applies the per-monitor configuration block.
func (w *Watcher) Configure(config map[string]interface{}) error {
	if roots, ok := config["roots"].([]interface{}); ok {
		w.config.Roots = toStrings(roots)
	}
	if prefixes, ok := config["exclude_prefixes"].([]interface{}); ok {
		w.config.ExcludePrefixes = toStrings(prefixes)
	}
	if suffixes, ok := config["exclude_suffixes"].([]interface{}); ok {
		w.config.ExcludeSuffixes = toStrings(suffixes)
	}
	if path, ok := config["session_map_path"].(string); ok {
		w.config.SessionMapPath = path
	}
	return nil
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Run watches the configured roots until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errors.NewTransientIOError(w.Name(), "fsnotify", err).Log(w.Logger())
		w.RecordExecution(err)
		return
	}
	defer watcher.Close()

	for _, root := range w.config.Roots {
		if err := w.watchTree(watcher, root); err != nil {
			w.Logger().Warn().Str("root", root).Err(err).Msg("Could not watch root.")
		}
	}
	w.RecordExecution(nil)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			errors.NewTransientIOError(w.Name(), "fsnotify", err).Log(w.Logger())
		}
	}
}

// watchTree registers root and every directory below it.
func (w *Watcher) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return nil
		}
		if !d.IsDir() || w.excluded(path) {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			w.Logger().Debug().Str("path", path).Err(err).Msg("Could not add watch.")
		}
		return nil
	})
}

// excluded reports whether a path is filtered out of integrity reporting.
// Per-terminal history files are always excluded: the history tailer owns
// them, and watching them would attribute every shell command as a file change.
func (w *Watcher) excluded(path string) bool {
	for _, prefix := range w.config.ExcludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, suffix := range w.config.ExcludeSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return strings.Contains(filepath.Base(path), ".bash_history")
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Name == "" || w.excluded(ev.Name) {
		return
	}

	changeType, ok := classify(ev.Op)
	if !ok {
		return
	}
	if w.dedup.isDuplicate(ev.Name, changeType) {
		return
	}

	// New directories must be watched before their contents churn. The
	// create itself is still reported below like any other change.
	if changeType == events.ChangeCreate {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.watchTree(watcher, ev.Name)
		}
	}

	username := w.attributeOwner(ev.Name, changeType)
	tty, sourceIP := w.attributeTerminal(username)

	change := events.FileChangeEvent{
		FilePath:   ev.Name,
		Checksum:   w.checksum(ev.Name, changeType),
		ChangeType: changeType,
		Username:   username,
		SourceIP:   sourceIP,
		TTY:        tty,
		Timestamp:  time.Now().UTC(),
	}

	w.Logger().Debug().
		Str("path", ev.Name).
		Str("change", string(changeType)).
		Str("user", username).
		Msg("File change observed.")
	w.sender.Send(events.EndpointFileIntegrity, change)
}

// classify maps a notification op to a reported change type. Chmod is
// reported as a modification; unknown ops are dropped.
func classify(op fsnotify.Op) (events.ChangeType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return events.ChangeCreate, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return events.ChangeModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return events.ChangeDelete, true
	}
	return "", false
}

// checksum streams the file through sha256. Deleted files get the deleted
// sentinel; anything unreadable gets the unreadable sentinel.
func (w *Watcher) checksum(path string, changeType events.ChangeType) string {
	if changeType == events.ChangeDelete {
		return events.ChecksumDeleted
	}
	f, err := os.Open(path)
	if err != nil {
		return events.ChecksumUnreadable
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return events.ChecksumUnreadable
	}
	return hex.EncodeToString(h.Sum(nil))
}

// attributeOwner resolves the username owning the changed path. A deleted
// path no longer has an owner, so the parent directory's owner stands in.
func (w *Watcher) attributeOwner(path string, changeType events.ChangeType) string {
	target := path
	if changeType == events.ChangeDelete {
		target = filepath.Dir(path)
	}
	info, err := os.Stat(target)
	if err != nil {
		return "unknown"
	}
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "unknown"
	}
	owner, err := user.LookupId(fmt.Sprint(sys.Uid))
	if err != nil {
		return "unknown"
	}
	return owner.Username
}

// attributeTerminal picks the user's most recently active terminal, judged by
// history file modification time, and recovers the source IP from its session
// identifier. Users with no live session yield ("?", "-").
func (w *Watcher) attributeTerminal(username string) (string, string) {
	tty, sourceIP := "?", "-"
	if username == "unknown" {
		return tty, sourceIP
	}

	sessions := session.LoadMap(w.config.SessionMapPath)
	var newest time.Time
	for candidate, sessionID := range sessions[username] {
		info, err := os.Stat(historyFilePath(username, candidate))
		mtime := time.Time{}
		if err == nil {
			mtime = info.ModTime()
		}
		if tty == "?" || mtime.After(newest) {
			tty = candidate
			sourceIP = session.IPFromSessionID(sessionID)
			newest = mtime
		}
	}
	return tty, sourceIP
}
