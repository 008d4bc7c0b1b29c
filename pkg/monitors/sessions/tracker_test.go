package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSender records every payload instead of posting it.
type captureSender struct {
	mu   sync.Mutex
	sent []events.SessionEvent
}

func (c *captureSender) Send(endpoint string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := payload.(events.SessionEvent); ok {
		c.sent = append(c.sent, ev)
	}
	return nil
}

func (c *captureSender) events() []events.SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.SessionEvent(nil), c.sent...)
}

func (c *captureSender) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func newTestTracker(t *testing.T) (*Tracker, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	mon := NewTracker(zerolog.Nop(), sender, t.TempDir())
	tracker, ok := mon.(*Tracker)
	require.True(t, ok)
	return tracker, sender
}

func withSessionListing(t *testing.T, output string, err error) {
	t.Helper()
	orig := listSessions
	listSessions = func(ctx context.Context) ([]byte, error) {
		return []byte(output), err
	}
	t.Cleanup(func() { listSessions = orig })
}

const twoSessions = `alice    pts/0    203.0.113.5      10:02    1.00s  0.05s  0.01s  -bash
bob      pts/1    198.51.100.7     10:15    5.00s  0.10s  0.02s  vim notes.txt
`

func TestTracker_LoginLogoutDiff(t *testing.T) {
	tracker, sender := newTestTracker(t)

	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())

	got := sender.events()
	require.Len(t, got, 2, "first snapshot emits one login per session")
	for _, ev := range got {
		assert.Equal(t, events.SessionLogin, ev.Event)
	}
	sender.clear()

	// Same sessions again: keys in both snapshots emit nothing.
	tracker.Run(context.Background())
	assert.Empty(t, sender.events())

	// bob disappears: exactly one logout.
	withSessionListing(t, "alice    pts/0    203.0.113.5      10:02    1.00s  0.05s  0.01s  -bash\n", nil)
	tracker.Run(context.Background())

	got = sender.events()
	require.Len(t, got, 1)
	assert.Equal(t, events.SessionLogout, got[0].Event)
	assert.Equal(t, "bob", got[0].Username)
	assert.Equal(t, "bob-pts/1-198.51.100.7", got[0].SessionID)
}

func TestTracker_FailedFetchLeavesStateUntouched(t *testing.T) {
	tracker, sender := newTestTracker(t)

	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())
	sender.clear()

	// Enumeration failure: no events, previous state preserved.
	withSessionListing(t, "", fmt.Errorf("command not found"))
	tracker.Run(context.Background())
	assert.Empty(t, sender.events(), "a failed fetch must not look like a mass logout")

	// Empty output is also rejected as transient.
	withSessionListing(t, "   \n", nil)
	tracker.Run(context.Background())
	assert.Empty(t, sender.events())

	// Recovery with the same sessions: still nothing new.
	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())
	assert.Empty(t, sender.events())
}

func TestTracker_EmptyAcceptedSnapshotIsRealLogout(t *testing.T) {
	tracker, sender := newTestTracker(t)

	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())
	sender.clear()

	// A successful listing with no sessions is a genuine empty state: both
	// sessions log out. Only rejected fetches are skipped.
	withSessionListing(t, "nosuchuser incomplete line", nil)
	tracker.Run(context.Background())

	got := sender.events()
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.Equal(t, events.SessionLogout, ev.Event)
	}
}

func TestTracker_StickyIPFallback(t *testing.T) {
	tracker, sender := newTestTracker(t)

	// alice first appears with a real IP.
	withSessionListing(t, "alice    pts/0    203.0.113.5      10:02    1.00s  0.05s  0.01s  -bash\n", nil)
	tracker.Run(context.Background())
	sender.clear()

	// Her new terminal reports a placeholder origin; the last known IP wins.
	withSessionListing(t, `alice    pts/0    203.0.113.5      10:02    1.00s  0.05s  0.01s  -bash
alice    pts/2    :0               10:30    0.00s  0.02s  0.01s  -bash
`, nil)
	tracker.Run(context.Background())

	got := sender.events()
	require.Len(t, got, 1)
	assert.Equal(t, events.SessionLogin, got[0].Event)
	assert.Equal(t, "203.0.113.5", got[0].SourceIP)
	assert.Equal(t, "alice-pts/2-203.0.113.5", got[0].SessionID)
}

func TestTracker_UnknownOriginFallsBackToDash(t *testing.T) {
	tracker, sender := newTestTracker(t)

	withSessionListing(t, "carol    tty1     :0               09:00    0.00s  0.02s  0.01s  -bash\n", nil)
	tracker.Run(context.Background())

	got := sender.events()
	require.Len(t, got, 1)
	assert.Equal(t, "-", got[0].SourceIP)
}

func TestTracker_WritesSessionMap(t *testing.T) {
	tracker, _ := newTestTracker(t)

	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())

	m := session.LoadMap(tracker.sessionMapPath())
	require.Contains(t, m, "alice")
	assert.Equal(t, "alice-pts/0-203.0.113.5", m["alice"]["pts/0"])
	assert.Equal(t, "bob-pts/1-198.51.100.7", m["bob"]["pts/1"])
}

func TestTracker_StatePersistsAcrossRestart(t *testing.T) {
	sender := &captureSender{}
	stateDir := t.TempDir()

	tracker := NewTracker(zerolog.Nop(), sender, stateDir).(*Tracker)
	withSessionListing(t, twoSessions, nil)
	tracker.Run(context.Background())
	sender.clear()

	// A fresh tracker over the same state dir must not replay logins.
	restarted := NewTracker(zerolog.Nop(), sender, stateDir).(*Tracker)
	restarted.Run(context.Background())
	assert.Empty(t, sender.events())
}

func TestSplitFields(t *testing.T) {
	fields := splitFields("alice pts/0 1.2.3.4 10:02 1.00s 0.05s 0.01s vim a b c", 8)
	require.Len(t, fields, 8)
	assert.Equal(t, "vim a b c", fields[7])

	assert.Len(t, splitFields("too short", 8), 2)
}
