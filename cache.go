package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// FetchFunc loads the value for id from the key server.
type FetchFunc[T any] func(ctx context.Context, id string) (T, error)

type entryState int

const (
	stateIdle entryState = iota
	stateFetching
	stateReady
	stateFailed
)

func (s entryState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFetching:
		return "fetching"
	case stateReady:
		return "ready"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// flight is a single in-flight fetch. value and err are written before done
// is closed and never after.
type flight[T any] struct {
	done  chan struct{}
	value T
	err   error
}

type entry[T any] struct {
	mu     sync.RWMutex
	state  entryState
	value  T
	flight *flight[T]
}

// KeyCache is an in-memory, process-lifetime cache mapping entity IDs to
// shared values. Concurrent lookups of the same missing ID trigger exactly one
// fetch; every caller waiting on that fetch observes the same value or the
// same error. Failures are not cached, so a later lookup retries.
//
// KeyCache is safe for concurrent use.
type KeyCache[T any] struct {
	name     string
	fetch    FetchFunc[T]
	logger   logrus.FieldLogger
	tel      *telemetry
	negative *expirable.LRU[string, error]

	mu      sync.Mutex
	entries map[string]*entry[T]
}

// NewKeyCache creates a KeyCache that loads missing IDs with fetch.
// The name labels logs and metrics.
func NewKeyCache[T any](name string, fetch FetchFunc[T], opts ...Option) (*KeyCache[T], error) {
	if fetch == nil {
		return nil, fmt.Errorf("%w: fetch func is nil", ErrInvalidConfig)
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(o)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to set up telemetry: %w", err)
	}
	return newKeyCache(name, fetch, o, tel), nil
}

func newKeyCache[T any](name string, fetch FetchFunc[T], o *options, tel *telemetry) *KeyCache[T] {
	c := &KeyCache[T]{
		name:    name,
		fetch:   fetch,
		logger:  o.logger.WithField("cache", name),
		tel:     tel,
		entries: make(map[string]*entry[T]),
	}
	if o.negativeTTL > 0 {
		c.negative = expirable.NewLRU[string, error](o.negativeSize, nil, o.negativeTTL)
	}
	return c
}

// getEntry returns the entry for id, creating an idle one if needed.
func (c *KeyCache[T]) getEntry(id string) *entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry[T]{}
		c.entries[id] = e
	}
	return e
}

// GetOrFetch returns the value for id, fetching it if it is not cached.
// A ready value is returned without waiting. If a fetch for id is already in
// flight, GetOrFetch waits for it or for ctx to be done, whichever is first.
func (c *KeyCache[T]) GetOrFetch(ctx context.Context, id string) (T, error) {
	var zero T
	if id == "" {
		return zero, fmt.Errorf("%w: empty ID in %s cache", ErrInvalidKeyID, c.name)
	}
	e := c.getEntry(id)

	e.mu.RLock()
	if e.state == stateReady {
		v := e.value
		e.mu.RUnlock()
		c.tel.cacheHit(ctx, c.name)
		return v, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	switch e.state {
	case stateReady:
		v := e.value
		e.mu.Unlock()
		c.tel.cacheHit(ctx, c.name)
		return v, nil
	case stateFetching:
		f := e.flight
		e.mu.Unlock()
		return c.wait(ctx, f)
	}

	// Idle or Failed: this caller runs the fetch.
	if c.negative != nil {
		if err, ok := c.negative.Get(id); ok {
			e.mu.Unlock()
			return zero, err
		}
	}
	f := &flight[T]{done: make(chan struct{})}
	e.state = stateFetching
	e.flight = f
	e.mu.Unlock()

	c.run(ctx, id, e, f)
	return f.value, f.err
}

func (c *KeyCache[T]) wait(ctx context.Context, f *flight[T]) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// run performs the fetch for f and publishes its outcome to e and all waiters.
func (c *KeyCache[T]) run(ctx context.Context, id string, e *entry[T], f *flight[T]) {
	ctx, span := c.tel.startFetch(ctx, c.name, id)
	log := c.logger.WithField("id", id)
	log.Debug("fetching")

	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("crypto: %s fetch for %q panicked: %v", c.name, id, r)
		}
		c.tel.endFetch(ctx, span, c.name, f.err)

		e.mu.Lock()
		defer e.mu.Unlock()
		if f.err != nil {
			var zero T
			f.value = zero
			e.value = zero
			e.state = stateFailed
			if errors.Is(f.err, ErrNotFound) {
				if c.negative != nil {
					c.negative.Add(id, f.err)
				}
				log.WithError(f.err).Debug("not found")
			} else {
				log.WithError(f.err).Warn("fetch failed")
			}
		} else {
			e.value = f.value
			e.state = stateReady
			log.Debug("fetched")
		}
		e.flight = nil
		close(f.done)
	}()

	f.value, f.err = c.fetch(ctx, id)
}

// Peek returns the value for id if it is ready, without fetching.
func (c *KeyCache[T]) Peek(id string) (T, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	var zero T
	if !ok {
		return zero, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != stateReady {
		return zero, false
	}
	return e.value, true
}

// Set stores v as the ready value for id. A fetch for id that is still in
// flight completes for its own waiters but no longer affects the cache.
func (c *KeyCache[T]) Set(id string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = &entry[T]{state: stateReady, value: v}
	if c.negative != nil {
		c.negative.Remove(id)
	}
}

// Invalidate drops id from the cache. The next lookup fetches it again.
func (c *KeyCache[T]) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
	if c.negative != nil {
		c.negative.Remove(id)
	}
}

// Clear drops every entry.
func (c *KeyCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry[T])
	if c.negative != nil {
		c.negative.Purge()
	}
}

// Len returns the number of ready entries.
func (c *KeyCache[T]) Len() int {
	n := 0
	c.Range(func(string, T) bool {
		n++
		return true
	})
	return n
}

// Range calls fn for every ready entry until fn returns false.
func (c *KeyCache[T]) Range(fn func(id string, v T) bool) {
	c.mu.Lock()
	snapshot := make(map[string]*entry[T], len(c.entries))
	for id, e := range c.entries {
		snapshot[id] = e
	}
	c.mu.Unlock()

	for id, e := range snapshot {
		e.mu.RLock()
		ready, v := e.state == stateReady, e.value
		e.mu.RUnlock()
		if ready && !fn(id, v) {
			return
		}
	}
}
