package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// defaultHealthTTL is how long a health verdict stays fresh. Five minutes
// keeps a burst of mutations against one connection down to a single check.
const defaultHealthTTL = 5 * time.Minute

// healthCheckTimeout bounds one upstream health call.
const healthCheckTimeout = 10 * time.Second

type healthEntry struct {
	err       error
	checkedAt time.Time
}

// Checker caches per-connection health verdicts with a TTL. Concurrent
// checks for the same connection after expiry are deduplicated via
// singleflight so only one upstream call is made.
type Checker struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]healthEntry
	group   singleflight.Group
}

// NewChecker creates a health checker. ttl <= 0 selects the default.
func NewChecker(ttl time.Duration, logger *slog.Logger) *Checker {
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	return &Checker{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[uuid.UUID]healthEntry),
	}
}

// Check returns the cached verdict for the connection when fresh, otherwise
// performs one health check through the client and caches the result.
// Failures are cached too: an unhealthy connection should not be re-probed
// by every action in the batch.
func (c *Checker) Check(ctx context.Context, client Client, conn model.Connection) error {
	c.mu.Lock()
	entry, ok := c.entries[conn.ID]
	c.mu.Unlock()
	if ok && time.Since(entry.checkedAt) < c.ttl {
		return entry.err
	}

	// Singleflight reuses the first caller's context, so the check runs on
	// a detached context with its own timeout; a cancelled first caller must
	// not poison the shared result.
	result, _, _ := c.group.Do(conn.ID.String(), func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()

		err := client.HealthCheck(checkCtx, conn)
		if err != nil {
			c.logger.Warn("connection health check failed",
				"connection_id", conn.ID, "provider", conn.Provider, "error", err)
		}
		c.mu.Lock()
		c.entries[conn.ID] = healthEntry{err: err, checkedAt: time.Now()}
		c.mu.Unlock()
		return err, nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// Invalidate drops the cached verdict for a connection, forcing the next
// Check to hit the platform.
func (c *Checker) Invalidate(connID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, connID)
	c.mu.Unlock()
}
