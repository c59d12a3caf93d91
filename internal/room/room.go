// Package room implements the per-document actor that owns the
// authoritative CRDT and subscriber set: the DocumentRoom.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mdcollab/core/internal/crdt"
	"github.com/mdcollab/core/internal/logging"
	"github.com/mdcollab/core/internal/persist"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/telemetry"
	"github.com/mdcollab/core/internal/wire"
)

// State is a room's position in the Empty -> Hydrating -> Live ->
// Draining -> Retired state machine.
type State int

const (
	Empty State = iota
	Hydrating
	Live
	Draining
	Retired
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Hydrating:
		return "hydrating"
	case Live:
		return "live"
	case Draining:
		return "draining"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// ErrUnavailable is returned by Subscribe when hydration from the
// DocumentStore fails; the room has already transitioned to Retired.
var ErrUnavailable = errors.New("room: document unavailable")

// SubmitResult is the outcome of Submit.
type SubmitResult int

const (
	Ack SubmitResult = iota
	Reject
)

// Subscriber is a connection attached to a room. Send must not block
// the room actor for long; an implementation backed by a bounded
// outbound queue should return an error immediately if the queue is
// full rather than waiting.
type Subscriber interface {
	Send(msg wire.ServerMessage) error
	SiteId() string
	UserId() *string
	Username() string
}

// Owner is the room's handle back to its coordinator, borrowed by
// identifier only so room and coordinator never hold pointers to each
// other.
type Owner interface {
	RetireRoom(documentId string)
}

// Room is the single-writer actor owning one document's CRDT and
// subscriber set. All exported methods serialize through mu, matching
// the "no lock-free concurrent mutation" invariant.
type Room struct {
	documentId string
	store      store.DocumentStore
	codec      *wire.Codec
	owner      Owner
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	mu           sync.Mutex
	state        State
	seq          *crdt.SequenceCRDT
	subscribers  map[Subscriber]struct{}
	lastActivity time.Time
	persister     *persist.Persister
	saveDelay     time.Duration
	maxPersisted  int
	compactionAge time.Duration
}

// New builds a room in the Empty state; it does no I/O until the
// first Subscribe. A zero compactionAge keeps the CRDT's own default.
func New(documentId string, s store.DocumentStore, codec *wire.Codec, owner Owner, saveDelay time.Duration, maxPersistedBytes int, compactionAge time.Duration, metrics *telemetry.Metrics, logger *zap.Logger) *Room {
	return &Room{
		documentId:    documentId,
		store:         s,
		codec:         codec,
		owner:         owner,
		metrics:       metrics,
		logger:        logging.OrNop(logger),
		state:         Empty,
		subscribers:   make(map[Subscriber]struct{}),
		saveDelay:     saveDelay,
		maxPersisted:  maxPersistedBytes,
		compactionAge: compactionAge,
		lastActivity:  time.Now(),
	}
}

// State returns the room's current state under lock.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastActivity reports when the room last saw a subscribe, submit or
// presence event. The coordinator's LRU eviction does not use it; it
// keeps its own recency order.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// DocumentId returns the room's document identifier.
func (r *Room) DocumentId() string { return r.documentId }

// Subscribe attaches sub to the room, hydrating from the DocumentStore
// on first use, and returns the initial_state frame to send to it.
func (r *Room) Subscribe(ctx context.Context, sub Subscriber) (wire.ServerMessage, error) {
	r.mu.Lock()
	r.lastActivity = time.Now()

	switch r.state {
	case Empty:
		r.state = Hydrating
		r.mu.Unlock()
		if err := r.hydrate(ctx); err != nil {
			r.mu.Lock()
			r.state = Retired
			r.mu.Unlock()
			return wire.ServerMessage{}, ErrUnavailable
		}
		r.mu.Lock()
		r.state = Live
	case Draining:
		r.state = Live
	case Retired:
		r.mu.Unlock()
		return wire.ServerMessage{}, ErrUnavailable
	case Hydrating:
		// Coordinator.Attach releases its lock before Subscribe runs, so
		// a second caller can arrive while the first is still hydrating;
		// that caller is rejected with ErrUnavailable.
		r.mu.Unlock()
		return wire.ServerMessage{}, ErrUnavailable
	}

	r.subscribers[sub] = struct{}{}
	text := r.seq.Text()
	snap, err := r.seq.Snapshot()
	r.mu.Unlock()
	if err != nil {
		return wire.ServerMessage{}, errors.Wrap(err, "room: snapshot for subscribe")
	}

	frame, err := r.codec.InitialStateFrame(r.documentId, snap, text)
	if err != nil {
		return wire.ServerMessage{}, errors.Wrap(err, "room: build initial_state")
	}

	r.broadcastExcept(sub, wire.ServerMessage{
		Type:     "user_joined",
		Username: sub.Username(),
		SiteId:   sub.SiteId(),
		UserId:   sub.UserId(),
	})

	return frame, nil
}

func (r *Room) hydrate(ctx context.Context) error {
	data, err := r.store.LoadState(ctx, r.documentId)
	if err != nil {
		return err
	}
	seq := crdt.NewSequenceCRDT("server")
	if r.compactionAge > 0 {
		seq.SetCompactionAge(r.compactionAge)
	}
	if data != nil {
		dropped, err := seq.RestoreWithWarnings(data)
		if err != nil {
			return err
		}
		for _, field := range dropped {
			r.logger.Warn("dropping unknown persisted field", zap.String("documentId", r.documentId), zap.String("field", field))
		}
	}
	r.mu.Lock()
	r.seq = seq
	r.persister = persist.New(r.store, r.documentId, r.saveDelay, r.maxPersisted, r.metrics, r.logger)
	r.mu.Unlock()
	return nil
}

// Unsubscribe detaches sub. If it was the last subscriber, the room
// drains: a final flush is attempted, then the room retires and
// notifies its owner.
func (r *Room) Unsubscribe(sub Subscriber) {
	r.mu.Lock()
	delete(r.subscribers, sub)
	empty := len(r.subscribers) == 0
	wasLive := r.state == Live
	if empty && wasLive {
		r.state = Draining
	}
	remaining := make([]Subscriber, 0, len(r.subscribers))
	for s := range r.subscribers {
		remaining = append(remaining, s)
	}
	persister := r.persister
	r.mu.Unlock()

	for _, s := range remaining {
		_ = s.Send(wire.ServerMessage{Type: "user_left", Username: sub.Username(), SiteId: sub.SiteId(), UserId: sub.UserId()})
	}

	if !empty || !wasLive {
		return
	}

	if persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := persister.Flush(ctx); err != nil {
			r.logger.Error("final flush on drain failed", zap.String("documentId", r.documentId), zap.Error(err))
		}
		cancel()
	}

	r.mu.Lock()
	if r.state != Draining {
		// A Subscribe during the flush moved the room back to Live.
		r.mu.Unlock()
		return
	}
	r.state = Retired
	r.mu.Unlock()
	if r.owner != nil {
		r.owner.RetireRoom(r.documentId)
	}
}

// Submit validates and applies op on behalf of sub.
func (r *Room) Submit(sub Subscriber, op crdt.Operation) SubmitResult {
	r.mu.Lock()
	if r.state != Live || r.seq == nil {
		r.mu.Unlock()
		return Reject
	}
	r.lastActivity = time.Now()
	result := r.seq.ApplyRemote(op)
	persister := r.persister
	seq := r.seq
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.OperationsTotal.WithLabelValues(result.String()).Inc()
	}

	switch result {
	case crdt.Applied:
		_, span := telemetry.StartSpan(context.Background(), "room.submit")
		persister.Touch(seq.Snapshot)
		r.broadcastExcept(sub, wire.EncodeOperation(op))
		span.End()
		return Ack
	case crdt.Duplicate, crdt.Deferred:
		return Ack
	default:
		return Reject
	}
}

// BroadcastPresence fans out a cursor/presence update without touching
// the CRDT or marking the room dirty.
func (r *Room) BroadcastPresence(sub Subscriber, msg wire.ServerMessage) {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
	r.broadcastExcept(sub, msg)
}

// broadcastExcept sends msg to every subscriber but the originator.
// Subscribers whose Send fails are dropped from the set; the room
// otherwise continues without blocking on a slow consumer.
func (r *Room) broadcastExcept(origin Subscriber, msg wire.ServerMessage) {
	r.mu.Lock()
	targets := make([]Subscriber, 0, len(r.subscribers))
	for s := range r.subscribers {
		if s != origin {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			r.logger.Warn("dropping unresponsive subscriber", zap.String("siteId", s.SiteId()), zap.Error(err))
			r.Unsubscribe(s)
		}
	}
}

// CurrentSnapshot returns the room's current text and serialized
// snapshot, for a request_state resend.
func (r *Room) CurrentSnapshot() (string, []byte, error) {
	r.mu.Lock()
	seq := r.seq
	r.mu.Unlock()
	if seq == nil {
		return "", nil, errors.New("room: not live")
	}
	snap, err := seq.Snapshot()
	if err != nil {
		return "", nil, err
	}
	return seq.Text(), snap, nil
}

// Compact runs tombstone compaction on the room's CRDT and, if any
// tombstone was dropped, broadcasts refresh_required so connected
// clients know the serialized id space may have changed.
func (r *Room) Compact(now time.Time) {
	r.mu.Lock()
	seq := r.seq
	live := r.state == Live
	r.mu.Unlock()
	if seq == nil || !live {
		return
	}
	if dropped := seq.Compact(now); dropped > 0 {
		r.broadcastExcept(nil, wire.ServerMessage{Type: "refresh_required"})
	}
}

// Flush forces a synchronous persist of the room's current state, if
// dirty, bounded by ctx. Used on process shutdown.
func (r *Room) Flush(ctx context.Context) error {
	r.mu.Lock()
	p := r.persister
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Flush(ctx)
}

// IsDirty reports whether the room has unsaved edits.
func (r *Room) IsDirty() bool {
	r.mu.Lock()
	p := r.persister
	r.mu.Unlock()
	return p != nil && p.IsDirty()
}

// SubscriberCount returns the number of currently attached connections.
func (r *Room) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}
