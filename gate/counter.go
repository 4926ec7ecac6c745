package gate

import (
	"context"
	"sync"
	"time"
)

// Counter counts hits per key within a window. Implementations must be safe
// for concurrent use.
type Counter interface {
	// IncrementAndGet adds one hit to key and returns the new count and the
	// time left until the key's window expires.
	IncrementAndGet(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter. Expired windows are evicted by a
// janitor goroutine so the map stays bounded by the number of active callers.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Counter = (*MemoryCounter)(nil)

// NewMemoryCounter starts a counter whose janitor runs every sweep interval.
func NewMemoryCounter(sweep time.Duration) *MemoryCounter {
	if sweep <= 0 {
		sweep = time.Minute
	}
	c := &MemoryCounter{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.janitor(sweep)
	return c
}

func (c *MemoryCounter) IncrementAndGet(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &memoryEntry{expiresAt: now.Add(window)}
		c.entries[key] = e
	}
	e.count++
	return e.count, e.expiresAt.Sub(now), nil
}

// Len reports the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the janitor. Counting keeps working afterwards.
func (c *MemoryCounter) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MemoryCounter) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *MemoryCounter) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
