package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rjeczalik/notify"

	"github.com/openmaps/marksync/internal/utils"
)

const (
	// DefaultDebounce is how long filesystem activity must settle before
	// the collector re-reads the directory and emits.
	DefaultDebounce = 200 * time.Millisecond

	rawEventBufferSize = 64
	eventBufferSize    = 16
	digestCacheSize    = 1024
)

var (
	ErrCollectorRunning    = errors.New("collector already running")
	ErrCollectorNotRunning = errors.New("collector not running")
)

// debouncePhase is the collector's settle state machine.
type debouncePhase int

const (
	debounceIdle debouncePhase = iota
	debounceDebouncing
	debounceSettled
)

type digestEntry struct {
	size    int64
	modUnix int64
	digest  string
}

// LocalCollector watches one flat local directory and emits debounced,
// deduplicated snapshots of its contents: one full listing after Start, then
// an incremental update for every settle of filesystem activity.
type LocalCollector struct {
	dir      string
	debounce time.Duration
	ignore   *IgnoreList

	events chan Event
	raw    chan notify.EventInfo
	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	paused      bool
	emittedFull bool
	phase       debouncePhase
	last        LocalSnapshot

	digests *lru.Cache[string, digestEntry]
}

func NewLocalCollector(dir string, debounce time.Duration, ignore *IgnoreList) *LocalCollector {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	digests, _ := lru.New[string, digestEntry](digestCacheSize)
	return &LocalCollector{
		dir:      dir,
		debounce: debounce,
		ignore:   ignore,
		events:   make(chan Event, eventBufferSize),
		kick:     make(chan struct{}, 1),
		digests:  digests,
	}
}

// Events is the collector's snapshot channel; it stays open across
// start/stop cycles.
func (c *LocalCollector) Events() <-chan Event {
	return c.events
}

func (c *LocalCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrCollectorRunning
	}
	if !utils.DirExists(c.dir) {
		return fmt.Errorf("local directory does not exist: %s", c.dir)
	}

	c.raw = make(chan notify.EventInfo, rawEventBufferSize)
	if err := notify.Watch(c.dir, c.raw, notify.All); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	c.done = make(chan struct{})
	c.started = true
	c.paused = false
	c.phase = debounceIdle

	slog.Info("local collector start", "dir", c.dir, "debounce", c.debounce)

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop halts watching and clears the full-listing flag, so the next Start
// re-emits a full listing.
func (c *LocalCollector) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.done)
	notify.Stop(c.raw)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.emittedFull = false
	c.last = nil
	c.phase = debounceIdle
	c.mu.Unlock()

	slog.Info("local collector stopped", "dir", c.dir)
}

// Pause suspends the underlying watch without losing the full-listing flag.
func (c *LocalCollector) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.paused {
		return
	}
	c.paused = true
	notify.Stop(c.raw)
	slog.Debug("local collector paused", "dir", c.dir)
}

// Resume re-establishes the watch and schedules a catch-up scan for changes
// made while paused.
func (c *LocalCollector) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || !c.paused {
		return nil
	}
	if err := notify.Watch(c.dir, c.raw, notify.All); err != nil {
		return fmt.Errorf("rewatch %s: %w", c.dir, err)
	}
	c.paused = false
	// the consumer may have discarded state while we were paused; a full
	// listing re-baselines it
	c.emittedFull = false

	select {
	case c.kick <- struct{}{}:
	default:
	}
	slog.Debug("local collector resumed", "dir", c.dir)
	return nil
}

func (c *LocalCollector) run(ctx context.Context) {
	defer c.wg.Done()

	// first read after start is the authoritative full listing
	c.scanAndEmit(ctx)

	timer := time.NewTimer(c.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case ev, ok := <-c.raw:
			if !ok {
				return
			}
			if c.shouldSkipRaw(ev.Path()) {
				continue
			}
			// any raw signal refreshes the single pending timer; bursts
			// coalesce into one emission
			c.setPhase(debounceDebouncing)
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.debounce)
			timerC = timer.C

		case <-c.kick:
			c.setPhase(debounceDebouncing)
			if timerC != nil && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.debounce)
			timerC = timer.C

		case <-timerC:
			// timer fired uninterrupted: the directory settled
			c.setPhase(debounceSettled)
			timerC = nil
			c.scanAndEmit(ctx)
			c.setPhase(debounceIdle)
		}
	}
}

func (c *LocalCollector) shouldSkipRaw(path string) bool {
	return c.ignore != nil && c.ignore.ShouldIgnore(filepath.Base(path))
}

func (c *LocalCollector) scanAndEmit(ctx context.Context) {
	snap, itemErrs, err := c.scan()
	if err != nil {
		slog.Error("local collector scan failed", "dir", c.dir, "error", err)
		return
	}

	c.mu.Lock()
	full := !c.emittedFull
	prev := c.last
	c.last = snap
	c.emittedFull = true
	c.mu.Unlock()

	var ev Event
	if full {
		ev = Event{Kind: LocalFull, Local: snap, Errors: itemErrs}
	} else {
		changed, removed := diffLocal(prev, snap)
		if len(changed) == 0 && len(removed) == 0 && len(itemErrs) == 0 {
			return
		}
		ev = Event{Kind: LocalDelta, Local: changed, Removed: removed, Errors: itemErrs}
	}

	select {
	case c.events <- ev:
		slog.Debug("local collector emit", "kind", ev.Kind, "items", len(ev.Local), "removed", len(ev.Removed))
	case <-c.done:
	case <-ctx.Done():
	}
}

// scan reads the flat directory; unreadable items are skipped and reported
// per-item, never failing the snapshot.
func (c *LocalCollector) scan() (LocalSnapshot, []ItemError, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read dir: %w", err)
	}

	snap := make(LocalSnapshot, len(entries))
	var itemErrs []ItemError

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if c.ignore != nil && c.ignore.ShouldIgnore(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("local collector skipping item", "name", name, "error", err)
			itemErrs = append(itemErrs, ItemError{Name: name, Err: err})
			continue
		}

		path := filepath.Join(c.dir, name)
		digest, err := c.digestFor(name, path, info.Size(), info.ModTime().Unix())
		if err != nil {
			slog.Warn("local collector skipping item", "name", name, "error", err)
			itemErrs = append(itemErrs, ItemError{Name: name, Err: err})
			continue
		}

		snap[name] = &LocalItem{
			Name:       name,
			Path:       path,
			Size:       info.Size(),
			Digest:     digest,
			ModifiedAt: info.ModTime(),
		}
	}

	return snap, itemErrs, nil
}

func (c *LocalCollector) digestFor(name, path string, size, modUnix int64) (string, error) {
	if cached, ok := c.digests.Get(name); ok &&
		cached.size == size && cached.modUnix == modUnix {
		return cached.digest, nil
	}

	digest, err := utils.FileDigest(path)
	if err != nil {
		return "", err
	}
	c.digests.Add(name, digestEntry{size: size, modUnix: modUnix, digest: digest})
	return digest, nil
}

func (c *LocalCollector) setPhase(p debouncePhase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// diffLocal computes an incremental update of next relative to prev.
func diffLocal(prev, next LocalSnapshot) (LocalSnapshot, []string) {
	changed := make(LocalSnapshot)
	for name, item := range next {
		old, ok := prev[name]
		if !ok || old.Digest != item.Digest || old.Size != item.Size ||
			old.ModifiedAt.Unix() != item.ModifiedAt.Unix() {
			changed[name] = item
		}
	}

	var removed []string
	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	return changed, removed
}
