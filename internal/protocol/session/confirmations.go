package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/linkctl/internal/clock"
)

// PendingConfirmation tracks one event awaiting its confirmation.
type PendingConfirmation struct {
	EventID    string
	QueuedAt   time.Time
	DeadlineAt time.Time
}

type pendingEntry struct {
	info   PendingConfirmation
	result chan bool
	timer  clock.Timer
}

// Confirmations resolves each expected event exactly once: by Resolve or
// by its timeout, whichever comes first.
type Confirmations struct {
	clock clock.Clock
	mu    sync.Mutex
	items map[string]*pendingEntry
}

func NewConfirmations(clk clock.Clock) *Confirmations {
	if clk == nil {
		clk = clock.Real()
	}
	return &Confirmations{
		clock: clk,
		items: make(map[string]*pendingEntry),
	}
}

// Expect registers eventID and returns a channel that receives exactly one
// result. A timeout delivers false. Registering an id twice replaces the
// first registration, which resolves false.
func (c *Confirmations) Expect(eventID string, timeout time.Duration) <-chan bool {
	key := strings.TrimSpace(eventID)
	result := make(chan bool, 1)
	now := c.clock.Now()
	entry := &pendingEntry{
		info: PendingConfirmation{
			EventID:    key,
			QueuedAt:   now,
			DeadlineAt: now.Add(timeout),
		},
		result: result,
	}

	c.mu.Lock()
	prev := c.items[key]
	c.items[key] = entry
	c.mu.Unlock()
	if prev != nil {
		c.finish(prev, false)
	}

	timer := c.clock.AfterFunc(timeout, func() {
		c.resolveEntry(key, entry, false)
	})
	c.mu.Lock()
	entry.timer = timer
	pending := c.items[key] == entry
	c.mu.Unlock()
	if !pending {
		timer.Stop()
	}
	return result
}

// Resolve delivers ok to the waiter for eventID. It reports false when no
// confirmation is pending for that id.
func (c *Confirmations) Resolve(eventID string, ok bool) bool {
	key := strings.TrimSpace(eventID)
	c.mu.Lock()
	entry, found := c.items[key]
	c.mu.Unlock()
	if !found {
		return false
	}
	return c.resolveEntry(key, entry, ok)
}

func (c *Confirmations) resolveEntry(key string, entry *pendingEntry, ok bool) bool {
	c.mu.Lock()
	if c.items[key] != entry {
		c.mu.Unlock()
		return false
	}
	delete(c.items, key)
	c.mu.Unlock()
	c.finish(entry, ok)
	return true
}

func (c *Confirmations) finish(entry *pendingEntry, ok bool) {
	c.mu.Lock()
	timer := entry.timer
	c.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	entry.result <- ok
}

func (c *Confirmations) Get(eventID string) (PendingConfirmation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[strings.TrimSpace(eventID)]
	if !ok {
		return PendingConfirmation{}, false
	}
	return entry.info, true
}

func (c *Confirmations) List() []PendingConfirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingConfirmation, 0, len(c.items))
	for _, entry := range c.items {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EventID < out[j].EventID
	})
	return out
}
