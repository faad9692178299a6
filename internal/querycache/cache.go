// Package querycache tracks background streaming queries by (query id, run id)
// so they stay discoverable across reconnects. Stopped queries remain
// reachable for a grace period before they are reclaimed, and sessions that
// own running queries receive periodic keep-alive signals.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/basket/querygate/internal/bus"
	"github.com/basket/querygate/internal/otel"
)

const (
	DefaultStoppedQueryInactivityTimeout = time.Hour
	DefaultPollInterval                  = 10 * time.Second
)

// ErrDuplicateRegistration is returned when a live run is registered twice.
var ErrDuplicateRegistration = errors.New("query run already registered")

// Query is the capability the cache needs from a streaming query handle.
type Query interface {
	QueryID() string
	RunID() string
	IsActive() bool
	Stop(ctx context.Context) error
}

// Key identifies one run of a streaming query.
type Key struct {
	QueryID string
	RunID   string
}

func (k Key) String() string { return k.QueryID + "/" + k.RunID }

// Owner identifies the client session that started a query.
type Owner struct {
	UserID    string
	SessionID string
}

// Entry is a snapshot of a cached query. ExpiresAt is nil while the query is
// active.
type Entry struct {
	Key       Key
	Query     Query
	Owner     Owner
	ExpiresAt *time.Time
}

// KeepAliveFunc signals that a session still owns running queries.
type KeepAliveFunc func(ctx context.Context, userID, sessionID string) error

// Config configures a Cache.
type Config struct {
	KeepAlive                     KeepAliveFunc
	Clock                         clockwork.Clock
	StoppedQueryInactivityTimeout time.Duration
	PollInterval                  time.Duration
	Logger                        *slog.Logger
	Metrics                       *otel.Metrics
	Bus                           *bus.Bus
}

type entry struct {
	query     Query
	owner     Owner
	expiresAt time.Time // zero while active
}

func (e *entry) snapshot(key Key) Entry {
	out := Entry{Key: key, Query: e.query, Owner: e.owner}
	if !e.expiresAt.IsZero() {
		t := e.expiresAt
		out.ExpiresAt = &t
	}
	return out
}

// Cache is the streaming query cache. It is safe for concurrent use.
type Cache struct {
	keepAlive    KeepAliveFunc
	clock        clockwork.Clock
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *otel.Metrics
	bus          *bus.Bus

	mu      sync.Mutex
	timeout time.Duration
	entries map[Key]*entry

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Cache and starts its reconciliation loop.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.StoppedQueryInactivityTimeout <= 0 {
		cfg.StoppedQueryInactivityTimeout = DefaultStoppedQueryInactivityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Cache{
		keepAlive:    cfg.KeepAlive,
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "querycache"),
		metrics:      cfg.Metrics,
		bus:          cfg.Bus,
		timeout:      cfg.StoppedQueryInactivityTimeout,
		entries:      make(map[Key]*entry),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ticker := c.clock.NewTicker(c.pollInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.reconcile(ctx)
			}
		}
	}()
	return c
}

// Register inserts a newly started query with no expiry. A stopped run under
// the same key is replaced.
func (c *Cache) Register(owner Owner, q Query) error {
	key := Key{QueryID: q.QueryID(), RunID: q.RunID()}

	c.mu.Lock()
	existing, ok := c.entries[key]
	if ok && existing.expiresAt.IsZero() {
		c.mu.Unlock()
		return fmt.Errorf("register %s: %w", key, ErrDuplicateRegistration)
	}
	c.entries[key] = &entry{query: q, owner: owner}
	c.mu.Unlock()

	if !ok {
		c.metrics.AddCachedQueries(context.Background(), 1)
	}
	c.publish(bus.TopicQueryRegistered, key, owner)
	c.logger.Debug("query registered", "query_id", key.QueryID, "run_id", key.RunID, "session_id", owner.SessionID)
	return nil
}

// Entry returns a snapshot of the entry for the key without touching it.
func (c *Cache) Entry(queryID, runID string) (Entry, bool) {
	key := Key{QueryID: queryID, RunID: runID}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(key), true
}

// Query returns the query when it exists and is owned by owner. Looking up a
// stopped query pushes its expiry to now plus the grace period. An entry whose
// expiry already elapsed is treated as gone.
func (c *Cache) Query(queryID, runID string, owner Owner) (Query, bool) {
	key := Key{QueryID: queryID, RunID: runID}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.owner != owner {
		return nil, false
	}
	if !e.expiresAt.IsZero() {
		now := c.clock.Now()
		if !now.Before(e.expiresAt) {
			return nil, false
		}
		if next := now.Add(c.timeout); next.After(e.expiresAt) {
			e.expiresAt = next
		}
	}
	return e.query, true
}

// List returns snapshots of every entry owned by owner, sorted by key.
func (c *Cache) List(owner Owner) []Entry {
	c.mu.Lock()
	out := make([]Entry, 0)
	for key, e := range c.entries {
		if e.owner == owner {
			out = append(out, e.snapshot(key))
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.QueryID != out[j].Key.QueryID {
			return out[i].Key.QueryID < out[j].Key.QueryID
		}
		return out[i].Key.RunID < out[j].Key.RunID
	})
	return out
}

// Len returns the number of tracked entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SetInactivityTimeout changes the grace period used by later expiry
// computations. Expiries already set are left alone.
func (c *Cache) SetInactivityTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	old := c.timeout
	c.timeout = d
	c.mu.Unlock()
	if old != d {
		c.logger.Info("query inactivity timeout updated", "old", old, "new", d)
	}
}

// CleanupRunningQueries stops every active query owned by owner and starts the
// grace period on each of the owner's entries. Stop failures are logged. It
// returns the number of queries stopped.
func (c *Cache) CleanupRunningQueries(ctx context.Context, owner Owner) int {
	c.mu.Lock()
	var owned []Entry
	for key, e := range c.entries {
		if e.owner == owner {
			owned = append(owned, e.snapshot(key))
		}
	}
	c.mu.Unlock()

	stopped := 0
	for _, snap := range owned {
		if !c.isActive(snap.Key, snap.Query) {
			continue
		}
		if c.stop(ctx, snap.Key, snap.Query) {
			stopped++
			c.publish(bus.TopicQueryStopped, snap.Key, owner)
		}
	}

	c.mu.Lock()
	deadline := c.clock.Now().Add(c.timeout)
	for _, snap := range owned {
		if e, ok := c.entries[snap.Key]; ok && e.query == snap.Query && e.expiresAt.IsZero() {
			e.expiresAt = deadline
		}
	}
	c.mu.Unlock()

	if len(owned) > 0 {
		c.logger.Info("session queries cleaned up",
			"user_id", owner.UserID, "session_id", owner.SessionID,
			"entries", len(owned), "stopped", stopped)
	}
	return stopped
}

// Shutdown stops the reconciliation loop and waits for an in-flight pass.
// Entries are left in place.
func (c *Cache) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// reconcile runs one pass: heartbeat sessions with active queries, start the
// grace period for newly stopped queries, and evict expired entries.
func (c *Cache) reconcile(ctx context.Context) {
	c.mu.Lock()
	snaps := make([]Entry, 0, len(c.entries))
	for key, e := range c.entries {
		snaps = append(snaps, e.snapshot(key))
	}
	c.mu.Unlock()

	active := make(map[Key]bool, len(snaps))
	liveOwners := make(map[Owner]struct{})
	for _, snap := range snaps {
		if c.isActive(snap.Key, snap.Query) {
			active[snap.Key] = true
			liveOwners[snap.Owner] = struct{}{}
		}
	}

	owners := make([]Owner, 0, len(liveOwners))
	for o := range liveOwners {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool {
		if owners[i].UserID != owners[j].UserID {
			return owners[i].UserID < owners[j].UserID
		}
		return owners[i].SessionID < owners[j].SessionID
	})
	for _, o := range owners {
		c.sendKeepAlive(ctx, o)
	}

	var expired []Entry
	var newlyStopped []Entry
	c.mu.Lock()
	now := c.clock.Now()
	for _, snap := range snaps {
		e, ok := c.entries[snap.Key]
		if !ok || e.query != snap.Query {
			continue
		}
		switch {
		case e.expiresAt.IsZero() && active[snap.Key]:
			// still running
		case e.expiresAt.IsZero():
			e.expiresAt = now.Add(c.timeout)
			newlyStopped = append(newlyStopped, e.snapshot(snap.Key))
		case !now.Before(e.expiresAt):
			delete(c.entries, snap.Key)
			expired = append(expired, e.snapshot(snap.Key))
		}
	}
	c.mu.Unlock()

	for _, snap := range newlyStopped {
		c.logger.Debug("query observed inactive",
			"query_id", snap.Key.QueryID, "run_id", snap.Key.RunID, "expires_at", *snap.ExpiresAt)
	}
	for _, snap := range expired {
		if active[snap.Key] {
			c.stop(ctx, snap.Key, snap.Query)
		}
		c.publish(bus.TopicQueryExpired, snap.Key, snap.Owner)
		c.logger.Info("query evicted", "query_id", snap.Key.QueryID, "run_id", snap.Key.RunID)
	}
	if n := int64(len(expired)); n > 0 {
		c.metrics.RecordEvictions(ctx, n)
		c.metrics.AddCachedQueries(ctx, -n)
	}
}

func (c *Cache) sendKeepAlive(ctx context.Context, o Owner) {
	if c.keepAlive == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordKeepAliveFailure(ctx)
			c.logger.Error("keep-alive panicked", "user_id", o.UserID, "session_id", o.SessionID, "panic", fmt.Sprint(r))
		}
	}()
	if err := c.keepAlive(ctx, o.UserID, o.SessionID); err != nil {
		c.metrics.RecordKeepAliveFailure(ctx)
		c.logger.Warn("keep-alive failed", "user_id", o.UserID, "session_id", o.SessionID, "error", err)
	}
}

// isActive reports whether the handle is running. A panicking handle counts
// as inactive.
func (c *Cache) isActive(key Key, q Query) (active bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("query liveness check panicked",
				"query_id", key.QueryID, "run_id", key.RunID, "panic", fmt.Sprint(r))
			active = false
		}
	}()
	return q.IsActive()
}

// stop issues a best-effort stop and reports whether it succeeded.
func (c *Cache) stop(ctx context.Context, key Key, q Query) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordStopFailure(ctx)
			c.logger.Error("query stop panicked",
				"query_id", key.QueryID, "run_id", key.RunID, "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	if err := q.Stop(ctx); err != nil {
		c.metrics.RecordStopFailure(ctx)
		c.logger.Warn("query stop failed", "query_id", key.QueryID, "run_id", key.RunID, "error", err)
		return false
	}
	return true
}

func (c *Cache) publish(topic string, key Key, owner Owner) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.QueryEvent{
		QueryID:   key.QueryID,
		RunID:     key.RunID,
		UserID:    owner.UserID,
		SessionID: owner.SessionID,
	})
}
