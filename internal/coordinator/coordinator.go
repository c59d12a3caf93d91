// Package coordinator implements the process-wide registry of document
// rooms and WebSocket admission control: the SessionCoordinator.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mdcollab/core/internal/authn"
	"github.com/mdcollab/core/internal/logging"
	"github.com/mdcollab/core/internal/room"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/telemetry"
	"github.com/mdcollab/core/internal/wire"
)

// AdmitError is returned by Resolve, CheckCapacity and Attach for every
// rejection path; CloseCode is the WebSocket close code the transport
// layer must use.
type AdmitError struct {
	CloseCode int
	Reason    string
}

func (e *AdmitError) Error() string { return e.Reason }

func admitErr(code int, reason string) error { return &AdmitError{CloseCode: code, Reason: reason} }

// Limits bundles the coordinator's configurable capacity knobs.
type Limits struct {
	MaxConnectionsPerDocument int
	MaxTotalConnections       int
	MaxCachedRooms            int
	MaxMessageBytes           int
	MaxPersistedBytes         int
	SnapshotCompressThreshold int
	SaveDelay                 time.Duration
	CompactionAge             time.Duration
}

// Coordinator is the single process-wide instance passed into the HTTP
// upgrade handler; there is no hidden module-level state.
type Coordinator struct {
	store    store.DocumentStore
	auth     authn.AuthResolver
	limits   Limits
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	codec    *wire.Codec

	mu               sync.Mutex
	rooms            map[string]*room.Room
	connsPerDocument map[string]int
	recency          *lru.Cache[string, struct{}]

	totalConnections int32
}

// New builds a Coordinator. limits.SaveDelay supplies each room
// persister's debounce window; a non-positive MaxCachedRooms falls
// back to 20.
func New(s store.DocumentStore, auth authn.AuthResolver, limits Limits, codec *wire.Codec, metrics *telemetry.Metrics, logger *zap.Logger) (*Coordinator, error) {
	if limits.MaxCachedRooms <= 0 {
		limits.MaxCachedRooms = 20
	}
	cache, err := lru.New[string, struct{}](limits.MaxCachedRooms)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: build lru cache")
	}
	return &Coordinator{
		store:            s,
		auth:             auth,
		limits:           limits,
		metrics:          metrics,
		logger:           logging.OrNop(logger),
		codec:            codec,
		rooms:            make(map[string]*room.Room),
		connsPerDocument: make(map[string]int),
		recency:          cache,
	}, nil
}

// Resolve runs steps 1-3 of the admission sequence (identity, document
// metadata, access control) without attaching a connection; the
// transport layer calls this before accepting the WebSocket upgrade so
// it can reject those cases before a socket exists. Capacity (step 4)
// is intentionally not checked here: §8 scenario 5 expects a capacity
// rejection to arrive as a WebSocket close (4008/4009), which requires
// the handshake to have already completed, so the transport layer
// checks it separately via CheckCapacity after accepting.
func (c *Coordinator) Resolve(ctx context.Context, documentId, token string) (authn.Identity, store.Metadata, error) {
	identity := c.auth.Resolve(token)

	meta, err := c.store.Metadata(ctx, documentId)
	if errors.Is(err, store.ErrNotFound) {
		return identity, store.Metadata{}, admitErr(4004, "document not found")
	}
	if err != nil {
		return identity, store.Metadata{}, admitErr(4000, "metadata lookup failed")
	}

	if !meta.IsPublic {
		if identity.Outcome == authn.Guest {
			return identity, meta, admitErr(4003, "authentication required")
		}
		if identity.Outcome == authn.InvalidToken {
			return identity, meta, admitErr(4003, "access denied")
		}
		allowed := identity.User.Id == meta.OwnerId
		if !allowed {
			for _, collab := range meta.CollaboratorIds {
				if collab == identity.User.Id {
					allowed = true
					break
				}
			}
		}
		if !allowed {
			return identity, meta, admitErr(4003, "access denied")
		}
	}

	return identity, meta, nil
}

// CheckCapacity runs step 4 of the admission sequence on its own, so a
// caller that has already accepted the WebSocket upgrade can reject
// with the matching close code (4008/4009) instead of an HTTP status.
func (c *Coordinator) CheckCapacity(documentId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(atomic.LoadInt32(&c.totalConnections)) >= c.limits.MaxTotalConnections {
		return admitErr(4008, "server at capacity")
	}
	if c.connsPerDocument[documentId] >= c.limits.MaxConnectionsPerDocument {
		return admitErr(4009, "document full")
	}
	return nil
}

// Attach returns the live room for documentId, creating and hydrating
// it (evicting an idle room if the cache is full) when necessary, and
// registers one connection slot against the document.
func (c *Coordinator) Attach(ctx context.Context, documentId string) (*room.Room, error) {
	c.mu.Lock()
	r, ok := c.rooms[documentId]
	if !ok {
		if c.recency.Len() >= c.limits.MaxCachedRooms {
			if !c.evictOneLocked() {
				c.mu.Unlock()
				return nil, admitErr(4008, "server at capacity")
			}
		}
		r = room.New(documentId, c.store, c.codec, c, c.limits.SaveDelay, c.limits.MaxPersistedBytes, c.limits.CompactionAge, c.metrics, c.logger)
		c.rooms[documentId] = r
		if c.metrics != nil {
			c.metrics.ActiveRooms.Inc()
		}
	}
	c.recency.Add(documentId, struct{}{})
	c.connsPerDocument[documentId]++
	atomic.AddInt32(&c.totalConnections, 1)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveConnections.Inc()
	}

	return r, nil
}

// evictOneLocked drops the least-recently-active room that is
// currently Empty or Draining, per §4.3. Caller holds c.mu.
func (c *Coordinator) evictOneLocked() bool {
	for _, documentId := range c.recency.Keys() {
		candidate, ok := c.rooms[documentId]
		if !ok {
			c.recency.Remove(documentId)
			continue
		}
		st := candidate.State()
		if st == room.Empty || st == room.Draining {
			delete(c.rooms, documentId)
			c.recency.Remove(documentId)
			if c.metrics != nil {
				c.metrics.RoomEvictions.Inc()
				c.metrics.ActiveRooms.Dec()
			}
			return true
		}
	}
	return false
}

// Detach releases one connection slot for documentId, called when a
// connection leaves regardless of room lifecycle.
func (c *Coordinator) Detach(documentId string) {
	c.mu.Lock()
	if c.connsPerDocument[documentId] > 0 {
		c.connsPerDocument[documentId]--
	}
	atomic.AddInt32(&c.totalConnections, -1)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveConnections.Dec()
	}
}

// RetireRoom implements room.Owner: it removes documentId from the
// registry once its room has fully drained.
func (c *Coordinator) RetireRoom(documentId string) {
	c.mu.Lock()
	_, existed := c.rooms[documentId]
	delete(c.rooms, documentId)
	c.recency.Remove(documentId)
	c.mu.Unlock()

	if existed && c.metrics != nil {
		c.metrics.ActiveRooms.Dec()
	}
}

// RoomCount returns the number of rooms currently tracked, live for
// health/metrics reporting.
func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}

// CompactAll runs tombstone compaction across every tracked room; each
// room internally rate-limits itself to once per minute, so this is
// safe to call on a short ticker.
func (c *Coordinator) CompactAll(now time.Time) {
	c.mu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		r.Compact(now)
	}
}

// Shutdown flushes every dirty room synchronously, bounded by ctx's
// deadline; rooms still dirty after the deadline are logged with
// their documentId so an operator can investigate.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	rooms := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if !r.IsDirty() {
			continue
		}
		if err := r.Flush(ctx); err != nil {
			c.logger.Error("shutdown flush failed", zap.String("documentId", r.DocumentId()), zap.Error(err))
			continue
		}
		select {
		case <-ctx.Done():
			if r.IsDirty() {
				c.logger.Error("shutdown deadline exceeded with dirty room", zap.String("documentId", r.DocumentId()))
			}
		default:
		}
	}
}
