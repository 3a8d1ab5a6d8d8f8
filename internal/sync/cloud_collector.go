package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmaps/marksync/internal/cloudstore"
)

// DefaultPollInterval is how often the cloud store is listed for changes.
const DefaultPollInterval = 5 * time.Second

// CloudCollector observes one cloud-backed directory by periodically listing
// the store, emitting one full listing after Start and incremental updates
// thereafter. Items that vanish from the listing are surfaced once as
// removed (trashed) items and purged from the view on the following update.
//
// On loss of availability the collector stops itself; it does not
// auto-restart, the caller must Start it again.
type CloudCollector struct {
	store    cloudstore.Store
	interval time.Duration
	ignore   *IgnoreList

	events chan Event
	errs   chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	paused      bool
	emittedFull bool
	prev        CloudSnapshot
	// pendingPurge holds keys reported as removed on the previous update;
	// they leave the view entirely on the next one.
	pendingPurge []string
}

func NewCloudCollector(store cloudstore.Store, interval time.Duration, ignore *IgnoreList) *CloudCollector {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &CloudCollector{
		store:    store,
		interval: interval,
		ignore:   ignore,
		events:   make(chan Event, eventBufferSize),
		errs:     make(chan error, 1),
	}
}

func (c *CloudCollector) Events() <-chan Event {
	return c.events
}

// Errors delivers fatal collector errors (availability loss, missing root).
func (c *CloudCollector) Errors() <-chan error {
	return c.errs
}

// IsCloudAvailable reports whether the store can currently be reached.
func (c *CloudCollector) IsCloudAvailable(ctx context.Context) bool {
	return c.store.Available(ctx)
}

// FetchRootDirectory resolves the store root; cached by the store after the
// first success and lazily retried on failure.
func (c *CloudCollector) FetchRootDirectory(ctx context.Context) (string, error) {
	return c.store.Root(ctx)
}

func (c *CloudCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrCollectorRunning
	}
	if !c.store.Available(ctx) {
		return cloudstore.ErrUnavailable
	}
	root, err := c.store.Root(ctx)
	if err != nil {
		return fmt.Errorf("resolve cloud root: %w", err)
	}

	c.done = make(chan struct{})
	c.started = true
	c.paused = false

	slog.Info("cloud collector start", "root", root, "interval", c.interval)

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *CloudCollector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.emittedFull = false
	c.prev = nil
	c.pendingPurge = nil
	c.mu.Unlock()

	slog.Info("cloud collector stopped")
}

func (c *CloudCollector) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	slog.Debug("cloud collector paused")
}

func (c *CloudCollector) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	// re-baseline the consumer with a full listing on the next poll
	c.emittedFull = false
	slog.Debug("cloud collector resumed")
}

// NotifyAvailabilityChanged re-checks availability after an external signal.
// On loss the collector stops itself and reports a fatal error.
func (c *CloudCollector) NotifyAvailabilityChanged(ctx context.Context) {
	if c.store.Available(ctx) {
		return
	}
	slog.Warn("cloud store became unavailable")
	c.reportFatal(cloudstore.ErrUnavailable)
	go c.Stop()
}

func (c *CloudCollector) run(ctx context.Context) {
	defer c.wg.Done()

	// immediate first poll, then settle into the interval. A timer rather
	// than a ticker, so slow polls don't queue up.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-timer.C:
			if !c.isPaused() {
				if stop := c.poll(ctx); stop {
					go c.Stop()
					return
				}
			}
			timer.Reset(c.interval)
		}
	}
}

func (c *CloudCollector) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// poll lists the store and emits a full or incremental snapshot. Returns
// true when the collector must stop itself.
func (c *CloudCollector) poll(ctx context.Context) bool {
	entries, err := c.store.List(ctx)
	if err != nil {
		if !c.store.Available(ctx) {
			slog.Error("cloud collector lost availability", "error", err)
			c.reportFatal(cloudstore.ErrUnavailable)
			return true
		}
		// transient listing failure; the next poll retries
		slog.Warn("cloud listing failed", "error", err)
		return false
	}

	live := make(CloudSnapshot, len(entries))
	for _, entry := range entries {
		if c.ignore != nil && c.ignore.ShouldIgnore(entry.Name) {
			continue
		}
		live[entry.Name] = cloudItemFromEntry(entry)
	}

	c.mu.Lock()
	full := !c.emittedFull
	prev := c.prev
	purge := c.pendingPurge
	c.mu.Unlock()

	var ev Event
	var nextPurge []string

	if full {
		// the authoritative listing carries live items only; old trash
		// residents are not newly removed
		ev = Event{Kind: CloudFull, Cloud: live}
	} else {
		changed := make(CloudSnapshot)
		for name, item := range live {
			if old, ok := prev[name]; !ok || cloudItemChanged(old, item) {
				changed[name] = item
			}
		}

		// items that vanished since the previous update surface once as
		// removed, then leave the view on the next update
		removedNow := c.newlyRemoved(ctx, prev, live)
		for _, item := range removedNow {
			changed[item.Name] = item
			nextPurge = append(nextPurge, item.Name)
		}

		if len(changed) == 0 && len(purge) == 0 {
			c.storeView(live, nextPurge)
			return false
		}
		ev = Event{Kind: CloudDelta, Cloud: changed, Removed: purge}
	}

	select {
	case c.events <- ev:
		slog.Debug("cloud collector emit", "kind", ev.Kind, "items", len(ev.Cloud), "removed", len(ev.Removed))
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	}

	c.storeView(live, nextPurge)
	c.mu.Lock()
	c.emittedFull = true
	c.mu.Unlock()
	return false
}

func (c *CloudCollector) storeView(live CloudSnapshot, pendingPurge []string) {
	c.mu.Lock()
	c.prev = live
	c.pendingPurge = pendingPurge
	c.mu.Unlock()
}

// newlyRemoved returns removal-flagged items for keys that disappeared from
// the live listing since the previous update. When the store can enumerate
// its trash, the trashed copy's metadata is used; disappearance alone still
// counts on stores that cannot.
func (c *CloudCollector) newlyRemoved(ctx context.Context, prev, live CloudSnapshot) []*CloudItem {
	var removed []*CloudItem

	var trashed map[string]*cloudstore.Entry
	if c.store.Capabilities().CanEnumerateTrash {
		entries, err := c.store.TrashEntries(ctx)
		if err != nil {
			slog.Warn("trash listing failed", "error", err)
		} else {
			trashed = make(map[string]*cloudstore.Entry, len(entries))
			for _, e := range entries {
				trashed[e.Name] = e
			}
		}
	}

	for name, old := range prev {
		if _, ok := live[name]; ok {
			continue
		}
		if old.Removed {
			continue
		}

		item := *old
		item.Removed = true
		if t, ok := trashed[name]; ok {
			item.Size = t.Size
			item.ETag = t.ETag
		}
		removed = append(removed, &item)
	}
	return removed
}

func (c *CloudCollector) reportFatal(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func cloudItemChanged(a, b *CloudItem) bool {
	return a.ETag != b.ETag ||
		a.Size != b.Size ||
		a.ModUnix() != b.ModUnix() ||
		a.Removed != b.Removed ||
		a.Download != b.Download ||
		a.HasConflicts != b.HasConflicts
}
