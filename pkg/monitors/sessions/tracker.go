package sessions

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/monitors/base"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/session"
	"github.com/rs/zerolog"
)

var ipPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// listSessions obtains the raw session listing. Swappable for tests.
var listSessions = func(ctx context.Context) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(cctx, "w", "-h").Output()
}

// Tracker snapshots active login sessions each cycle, emits login/logout
// events from the diff against the previous accepted snapshot, and maintains
// the username -> tty -> session_id map the other detectors correlate
// against. A failed or empty listing is "no information this cycle": prior
// state is left untouched so a transient command failure is never misread as
// a mass logout.
type Tracker struct {
	*base.BaseMonitor
	sender   dispatch.Sender
	stateDir string
	prev     map[string]events.SessionEvent
	loaded   bool
}

// NewTracker creates the session tracker monitor.
func NewTracker(logger zerolog.Logger, sender dispatch.Sender, stateDir string) scheduler.Monitor {
	return &Tracker{
		BaseMonitor: base.NewBaseMonitor("session_tracker", logger),
		sender:      sender,
		stateDir:    stateDir,
	}
}

func (t *Tracker) prevSessionsPath() string {
	return filepath.Join(t.stateDir, "previous_sessions.json")
}

func (t *Tracker) sessionMapPath() string {
	return filepath.Join(t.stateDir, "session_map.json")
}

func (t *Tracker) ipMapPath() string {
	return filepath.Join(t.stateDir, "ip_map.json")
}

// Run executes one tracking cycle.
func (t *Tracker) Run(ctx context.Context) {
	if !t.loaded {
		t.prev = loadSessions(t.prevSessionsPath())
		t.loaded = true
		t.Logger().Info().Int("sessions", len(t.prev)).Msg("Session tracker started.")
	}

	current, sessionMap, ok := t.snapshot(ctx)
	if !ok {
		errors.NewFetchFailure(t.Name(), "w -h", nil).Log(t.Logger())
		return
	}

	newEvents := diff(t.prev, current)
	for _, ev := range newEvents {
		t.Logger().Info().
			Str("session_id", ev.SessionID).
			Str("event", string(ev.Event)).
			Msg("Session transition.")
		t.sender.Send(events.EndpointSessions, ev)
	}

	// Only accepted snapshots replace previous state; an empty accepted
	// snapshot still counts.
	t.prev = current
	saveJSON(t.prevSessionsPath(), current, t.Logger())
	if err := sessionMap.Save(t.sessionMapPath()); err != nil {
		t.Logger().Warn().Err(err).Msg("Could not persist session map.")
	}
	t.UpdateMetrics("active_sessions", len(current))
	t.RecordExecution(nil)
}

// snapshot enumerates current sessions. ok=false means the enumeration
// failed or produced nothing usable and the cycle must be skipped.
func (t *Tracker) snapshot(ctx context.Context) (map[string]events.SessionEvent, session.Map, bool) {
	out, err := listSessions(ctx)
	if err != nil {
		return nil, nil, false
	}
	raw := strings.TrimSpace(string(out))
	if raw == "" {
		return nil, nil, false
	}

	ipMap := loadIPMap(t.ipMapPath())
	lines := strings.Split(raw, "\n")

	// First pass: remember every real source IP seen per user, so reused
	// pseudo-terminals without an address can fall back to it later.
	for _, line := range lines {
		fields := splitFields(line, 8)
		if len(fields) < 8 {
			continue
		}
		if ipPattern.MatchString(fields[2]) {
			ipMap[fields[0]] = fields[2]
		}
	}

	current := make(map[string]events.SessionEvent)
	sessionMap := session.Map{}
	now := time.Now().UTC()

	for _, line := range lines {
		fields := splitFields(line, 8)
		if len(fields) < 8 {
			errors.NewParseError(t.Name(), line, nil).Log(t.Logger())
			continue
		}
		username, tty, fromIP := fields[0], fields[1], fields[2]

		ip := fromIP
		if !ipPattern.MatchString(fromIP) {
			if known, ok := ipMap[username]; ok {
				ip = known
			} else {
				ip = "-"
			}
		}

		rec := events.SessionEvent{
			SessionID: session.SessionID(username, tty, ip),
			Username:  username,
			TTY:       tty,
			SourceIP:  ip,
			LoginTime: fields[3],
			Idle:      fields[4],
			JCPU:      fields[5],
			PCPU:      fields[6],
			Command:   strings.TrimSpace(fields[7]),
			Event:     events.SessionActive,
			Timestamp: now,
		}
		current[internalKey(username, tty)] = rec

		if _, ok := sessionMap[username]; !ok {
			sessionMap[username] = map[string]string{}
		}
		sessionMap[username][tty] = rec.SessionID
	}

	saveJSON(t.ipMapPath(), ipMap, t.Logger())
	return current, sessionMap, true
}

// diff emits exactly one login event per key present only in current, and
// one logout event per key present only in previous. Keys in both are active
// sessions and produce nothing.
func diff(prev, current map[string]events.SessionEvent) []events.SessionEvent {
	var out []events.SessionEvent
	now := time.Now().UTC()

	for key, rec := range current {
		if _, ok := prev[key]; !ok {
			ev := rec
			ev.Event = events.SessionLogin
			ev.Timestamp = now
			out = append(out, ev)
		}
	}
	for key, rec := range prev {
		if _, ok := current[key]; !ok {
			ev := rec
			ev.Event = events.SessionLogout
			ev.Timestamp = now
			out = append(out, ev)
		}
	}
	return out
}

// internalKey is the session identity: (username, tty). The session_id is
// not used because it changes when the resolved IP changes.
func internalKey(username, tty string) string {
	return username + "|" + tty
}

// splitFields splits a whitespace-separated line into at most n fields, the
// last one keeping its remaining whitespace-joined content.
func splitFields(line string, n int) []string {
	fields := strings.Fields(line)
	if len(fields) <= n {
		return fields
	}
	head := fields[:n-1]
	tail := strings.Join(fields[n-1:], " ")
	return append(head, tail)
}

func loadSessions(path string) map[string]events.SessionEvent {
	sessions := make(map[string]events.SessionEvent)
	data, err := os.ReadFile(path)
	if err != nil {
		return sessions
	}
	if err := json.Unmarshal(data, &sessions); err != nil {
		return make(map[string]events.SessionEvent)
	}
	return sessions
}

func loadIPMap(path string) map[string]string {
	m := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return make(map[string]string)
	}
	return m
}

func saveJSON(path string, v interface{}, logger *zerolog.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not encode state file.")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not create state directory.")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not write state file.")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Could not replace state file.")
	}
}
