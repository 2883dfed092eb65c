// Package cache memoizes query results for the lifetime of a run.
//
// Identical queries are computed at most once: the first caller for a key
// creates a pending entry and starts the computation, later callers wait on
// the same entry. Completed entries answer without any plugin traffic.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/machinefabric/plughub-go/wire"
)

// Key identifies a query. Key.Key is canonical JSON, so logically equal keys
// compare equal.
type Key struct {
	Publisher string
	Plugin    string
	Query     string
	Key       string
}

func (k Key) String() string {
	return k.Publisher + "/" + k.Plugin + "/" + k.Query + " " + k.Key
}

// NewKey builds a Key with the JSON key canonicalized: object members are
// sorted, insignificant whitespace is removed and numbers keep their text.
func NewKey(publisher, plugin, query string, key json.RawMessage) (Key, error) {
	canonical, err := Canonicalize(key)
	if err != nil {
		return Key{}, err
	}
	return Key{Publisher: publisher, Plugin: plugin, Query: query, Key: string(canonical)}, nil
}

// Canonicalize returns the canonical form of a JSON value. An empty input
// canonicalizes to null.
func Canonicalize(data json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON key: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON key: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to canonicalize key: %w", err)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Policy controls what the cache keeps.
type Policy struct {
	// CacheFailures keeps failed computations for the rest of the run, so
	// repeat callers get the same error without re-querying the plugin.
	// When false a failure is evicted and the next caller recomputes.
	CacheFailures bool
}

// DefaultPolicy caches failures.
func DefaultPolicy() Policy {
	return Policy{CacheFailures: true}
}

// Compute produces the result for a key. It runs on a context detached
// from the caller's cancellation.
type Compute func(ctx context.Context) (wire.Result, error)

// Outcome says how Resolve was answered.
type Outcome int

const (
	// Miss: this call started the computation.
	Miss Outcome = iota
	// Hit: the entry was already complete.
	Hit
	// Shared: this call waited on another caller's computation.
	Shared
)

func (o Outcome) String() string {
	switch o {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Stats counts Resolve outcomes.
type Stats struct {
	Hits   int64
	Misses int64
	Shared int64
}

type entry struct {
	done   chan struct{}
	result wire.Result
	err    error
}

// Cache is a memo table. The zero value is not usable; use New.
type Cache struct {
	policy Policy

	mu      sync.Mutex
	entries map[Key]*entry
	stats   Stats
}

// New creates an empty cache.
func New(policy Policy) *Cache {
	return &Cache{
		policy:  policy,
		entries: make(map[Key]*entry),
	}
}

// Policy returns the cache's policy.
func (c *Cache) Policy() Policy {
	return c.policy
}

// Resolve returns the result for key, calling compute at most once per key
// while an entry exists. Every concurrent caller observes the same result.
// A caller whose ctx ends stops waiting; the computation continues for the
// others.
func (c *Cache) Resolve(ctx context.Context, key Key, compute Compute) (wire.Result, Outcome, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	outcome := Miss
	if ok {
		select {
		case <-e.done:
			outcome = Hit
			c.stats.Hits++
		default:
			outcome = Shared
			c.stats.Shared++
		}
	} else {
		e = &entry{done: make(chan struct{})}
		c.entries[key] = e
		c.stats.Misses++
	}
	c.mu.Unlock()

	if outcome == Miss {
		go c.run(context.WithoutCancel(ctx), key, e, compute)
	}

	select {
	case <-e.done:
		return e.result, outcome, e.err
	case <-ctx.Done():
		return wire.Result{}, outcome, ctx.Err()
	}
}

func (c *Cache) run(ctx context.Context, key Key, e *entry, compute Compute) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.err = fmt.Errorf("query computation panicked: %v", r)
			c.evictFailure(key, e)
		}
	}()

	e.result, e.err = compute(ctx)
	if e.err != nil {
		c.evictFailure(key, e)
	}
}

func (c *Cache) evictFailure(key Key, e *entry) {
	if c.policy.CacheFailures {
		return
	}
	c.mu.Lock()
	if c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Len returns the number of entries, pending ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
