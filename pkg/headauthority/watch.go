package headauthority

import (
	"sync"

	"github.com/google/uuid"

	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/types"
)

// Notification is one version advance delivered to a watcher. A watcher
// may observe a version strictly greater than the one it last saw with
// intermediate versions elided (coalescing is allowed, spec.md §4.3).
type Notification struct {
	Version uint64
	Heads   []types.ID
}

// watcherEntry holds a single-slot coalescing mailbox: a notify() that
// arrives while a previous one is still unread overwrites it rather than
// blocking or growing a queue, per original_source's watch.rs ("keep
// only the newest pending notification per watcher").
type watcherEntry struct {
	mu           sync.Mutex
	ch           chan Notification
	afterVersion uint64
	closed       bool
}

func newWatcherEntry(afterVersion uint64) *watcherEntry {
	return &watcherEntry{ch: make(chan Notification, 1), afterVersion: afterVersion}
}

func (w *watcherEntry) notify(n Notification) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || n.Version <= w.afterVersion {
		return
	}
	select {
	case <-w.ch:
	default:
	}
	w.ch <- n
	w.afterVersion = n.Version
}

// CancelHandle removes a watcher registration.
type CancelHandle struct {
	cancel func()
}

// Cancel removes the watcher; its channel is closed and no further
// notifications are delivered.
func (c CancelHandle) Cancel() { c.cancel() }

// WatchHeads registers a watcher and returns its notification channel and
// a cancel handle. If the current version already exceeds afterVersion, a
// catch-up notification is scheduled immediately.
func (s *Store) WatchHeads(afterVersion uint64) (<-chan Notification, CancelHandle) {
	s.watchMu.Lock()
	id := uuid.New().String()
	w := newWatcherEntry(afterVersion)
	s.watchers[id] = w
	depth := len(s.watchers)
	s.watchMu.Unlock()
	metrics.WatcherFanoutDepth.WithLabelValues(s.repoLabel).Set(float64(depth))

	s.mu.Lock()
	current := s.state.Clone()
	s.mu.Unlock()
	if current.Version > afterVersion {
		w.notify(Notification{Version: current.Version, Heads: current.Heads})
	}

	cancel := func() {
		s.watchMu.Lock()
		w, ok := s.watchers[id]
		if ok {
			delete(s.watchers, id)
		}
		depth := len(s.watchers)
		s.watchMu.Unlock()
		if ok {
			w.mu.Lock()
			w.closed = true
			close(w.ch)
			w.mu.Unlock()
			metrics.WatcherFanoutDepth.WithLabelValues(s.repoLabel).Set(float64(depth))
		}
	}
	return w.ch, CancelHandle{cancel: cancel}
}

// notifyWatchers schedules a notification for every registered watcher
// whose last-seen version is behind next.Version. The watcher table is
// snapshotted under watchMu and dispatch happens after watchMu is
// released; UpdateOpHeads calls this while still holding mu, so
// notifications are delivered in version order.
func (s *Store) notifyWatchers(next types.HeadsState) {
	s.watchMu.Lock()
	targets := make([]*watcherEntry, 0, len(s.watchers))
	for _, w := range s.watchers {
		targets = append(targets, w)
	}
	s.watchMu.Unlock()

	for _, w := range targets {
		w.notify(Notification{Version: next.Version, Heads: next.Heads})
	}
}
