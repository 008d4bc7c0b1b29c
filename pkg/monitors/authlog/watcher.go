package authlog

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/lucid-vigil/warden/pkg/cursor"
	"github.com/lucid-vigil/warden/pkg/dispatch"
	"github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/monitors/base"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/rs/zerolog"
)

// Config holds the configuration for the auth log watcher.
type Config struct {
	Source           string `mapstructure:"source"` // "file" or "journal"
	LogPath          string `mapstructure:"log_path"`
	FailureThreshold int    `mapstructure:"failure_threshold"`
	WindowSeconds    int    `mapstructure:"window_seconds"`
}

// Watcher tails the authentication log, reports every classified login event
// and runs the sliding-window brute force detector over each poll batch.
type Watcher struct {
	*base.BaseMonitor
	config   *Config
	sender   dispatch.Sender
	stateDir string
	source   AuthEventSource
}

// NewWatcher creates the auth log watcher monitor.
func NewWatcher(logger zerolog.Logger, sender dispatch.Sender, stateDir string) scheduler.Monitor {
	return &Watcher{
		BaseMonitor: base.NewBaseMonitor("auth_log_watcher", logger),
		config: &Config{
			Source:           "file",
			LogPath:          "/var/log/auth.log",
			FailureThreshold: 5,
			WindowSeconds:    120,
		},
		sender:   sender,
		stateDir: stateDir,
	}
}

// Configure applies the per-monitor configuration block.
func (w *Watcher) Configure(config map[string]interface{}) error {
	if source, ok := config["source"].(string); ok {
		if source != "file" && source != "journal" {
			return fmt.Errorf("unknown auth event source %q", source)
		}
		w.config.Source = source
	}
	if logPath, ok := config["log_path"].(string); ok {
		w.config.LogPath = logPath
	}
	if threshold, ok := config["failure_threshold"].(int); ok && threshold > 0 {
		w.config.FailureThreshold = threshold
	}
	if window, ok := config["window_seconds"].(int); ok && window > 0 {
		w.config.WindowSeconds = window
	}
	return nil
}

func (w *Watcher) buildSource() AuthEventSource {
	if w.config.Source == "journal" {
		return NewJournalSource(filepath.Join(w.stateDir, "journal_cursor"), *w.Logger())
	}
	cursors := cursor.NewStore(filepath.Join(w.stateDir, "auth_log_cursor.json"), *w.Logger())
	return NewFileSource(w.config.LogPath, cursors, *w.Logger())
}

// Run executes one poll cycle.
func (w *Watcher) Run(ctx context.Context) {
	if w.source == nil {
		w.source = w.buildSource()
	}

	batch, err := w.source.Poll(ctx)
	if err != nil {
		errors.NewTransientIOError(w.Name(), w.config.LogPath, err).Log(w.Logger())
		w.RecordExecution(err)
		return
	}

	// Failure timestamps per source IP, within this poll batch only.
	failures := make(map[string][]time.Time)

	for _, ev := range batch {
		sec := events.SecurityEvent{
			EventType: ev.Type,
			Username:  ev.Username,
			SourceIP:  ev.SourceIP,
			Timestamp: ev.Timestamp,
		}
		switch ev.Type {
		case events.EventFailedLogin:
			sec.Description = fmt.Sprintf("Failed login attempt for '%s' from %s", ev.Username, ev.SourceIP)
			failures[ev.SourceIP] = append(failures[ev.SourceIP], ev.Timestamp)
		case events.EventSuccessfulLogin:
			sec.Description = fmt.Sprintf("Successful login for '%s' from %s", ev.Username, ev.SourceIP)
		}
		w.sender.Send(events.EndpointSecurityLogs, sec)
	}

	for _, alert := range w.detectBruteForce(failures) {
		w.Logger().Warn().
			Str("source_ip", alert.SourceIP).
			Msg("Brute force detected.")
		w.sender.Send(events.EndpointSecurityLogs, alert)
	}

	// The cursor only advances once the batch has been handed to the
	// dispatcher. A crash in between replays the batch next cycle rather
	// than dropping it.
	if err := w.source.Commit(); err != nil {
		w.Logger().Warn().Err(err).Msg("Could not persist auth log cursor.")
	}

	w.UpdateMetrics("lines_classified", len(batch))
	w.RecordExecution(nil)
}

// detectBruteForce evaluates the per-IP failure lists against the trailing
// window, measured from the newest failure for that IP. At most one alert is
// produced per IP per batch.
func (w *Watcher) detectBruteForce(failures map[string][]time.Time) []events.SecurityEvent {
	window := time.Duration(w.config.WindowSeconds) * time.Second

	ips := make([]string, 0, len(failures))
	for ip := range failures {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	var alerts []events.SecurityEvent
	for _, ip := range ips {
		stamps := failures[ip]
		newest := stamps[0]
		for _, ts := range stamps[1:] {
			if ts.After(newest) {
				newest = ts
			}
		}

		recent := 0
		for _, ts := range stamps {
			if newest.Sub(ts) <= window {
				recent++
			}
		}
		if recent < w.config.FailureThreshold {
			continue
		}

		alerts = append(alerts, events.SecurityEvent{
			EventType:   events.EventBruteForceDetected,
			Username:    "-",
			SourceIP:    ip,
			Description: fmt.Sprintf("Brute force: %d failed logins from %s", recent, ip),
			Timestamp:   time.Now().UTC(),
		})
	}
	return alerts
}
