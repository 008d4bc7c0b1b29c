package fim

import (
	"sync"
	"time"

	"github.com/lucid-vigil/warden/pkg/events"
)

// changeDeduplicator suppresses repeat notifications for the same (path,
// change type) within a short window. Editors and copy tools fire bursts of
// Write events for a single logical change; only the first one is reported.
type changeDeduplicator struct {
	seen   map[string]time.Time
	window time.Duration
	mu     sync.Mutex
}

func newChangeDeduplicator(window time.Duration) *changeDeduplicator {
	return &changeDeduplicator{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// isDuplicate reports whether an equivalent change was already seen within
// the window, recording this one either way. Expired entries are pruned in
// place, so the map stays bounded by the recent change rate.
func (d *changeDeduplicator) isDuplicate(path string, changeType events.ChangeType) bool {
	key := path + ":" + string(changeType)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.window)
	for k, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, k)
		}
	}

	lastSeen, exists := d.seen[key]
	d.seen[key] = now
	return exists && now.Sub(lastSeen) < d.window
}
