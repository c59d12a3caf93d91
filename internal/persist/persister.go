// Package persist implements the debounced, coalesced writer that
// flushes a document room's CRDT snapshot to its DocumentStore.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mdcollab/core/internal/logging"
	"github.com/mdcollab/core/internal/store"
	"github.com/mdcollab/core/internal/telemetry"
)

// ErrSnapshotTooLarge is returned by Flush when the serialized
// snapshot exceeds the configured maxPersistedBytes gate.
var ErrSnapshotTooLarge = errors.New("persist: snapshot exceeds maxPersistedBytes")

// SnapshotFunc produces the current serializable state on demand;
// the room supplies it so the persister never touches the CRDT
// directly.
type SnapshotFunc func() ([]byte, error)

// Persister debounces writes for one document: a dirty mark (re)starts
// a saveDelay timer; only the last mark within the window results in a
// write.
type Persister struct {
	store             store.DocumentStore
	documentId        string
	saveDelay         time.Duration
	maxPersistedBytes int
	metrics           *telemetry.Metrics
	logger            *zap.Logger
	breaker           *gobreaker.CircuitBreaker

	mu         sync.Mutex
	timer      *time.Timer
	dirtySince time.Time
	snapshot   SnapshotFunc
}

// New builds a Persister for documentId backed by s.
func New(s store.DocumentStore, documentId string, saveDelay time.Duration, maxPersistedBytes int, metrics *telemetry.Metrics, logger *zap.Logger) *Persister {
	logger = logging.OrNop(logger)
	p := &Persister{
		store:             s,
		documentId:        documentId,
		saveDelay:         saveDelay,
		maxPersistedBytes: maxPersistedBytes,
		metrics:           metrics,
		logger:            logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persist:" + documentId,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 3 },
	})
	return p
}

// Touch marks the room dirty and (re)starts the debounce timer. snap
// is stashed and used when the timer fires; calling Touch again before
// the timer fires cancels the previous wait and restarts it, so no
// per-op write is issued.
func (p *Persister) Touch(snap SnapshotFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dirtySince.IsZero() {
		p.dirtySince = time.Now()
	}
	p.snapshot = snap

	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.saveDelay, p.fire)
}

func (p *Persister) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("debounced persist failed", zap.String("documentId", p.documentId), zap.Error(err))
	}
}

// IsDirty reports whether a snapshot is pending a write.
func (p *Persister) IsDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dirtySince.IsZero()
}

// Flush synchronously serializes and writes the current snapshot, if
// dirty. It clears dirtySince only on a successful write, so a failed
// flush is retried by the next debounce window (or the next forced
// flush).
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.dirtySince.IsZero() || p.snapshot == nil {
		p.mu.Unlock()
		return nil
	}
	snap := p.snapshot
	p.mu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "persist.flush")
	defer span.End()

	data, err := snap()
	if err != nil {
		return errors.Wrap(err, "persist: serialize snapshot")
	}
	if p.maxPersistedBytes > 0 && len(data) > p.maxPersistedBytes {
		p.logger.Error("snapshot exceeds maxPersistedBytes, skipping write",
			zap.String("documentId", p.documentId), zap.Int("bytes", len(data)))
		if p.metrics != nil {
			p.metrics.PersistFailures.Inc()
		}
		return ErrSnapshotTooLarge
	}

	start := time.Now()
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.saveWithRetry(ctx, data)
	})
	if p.metrics != nil {
		p.metrics.PersistLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.PersistFailures.Inc()
		}
		return errors.Wrap(err, "persist: save state")
	}

	p.mu.Lock()
	p.dirtySince = time.Time{}
	p.mu.Unlock()
	return nil
}

func (p *Persister) saveWithRetry(ctx context.Context, data []byte) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return p.store.SaveState(ctx, p.documentId, data)
	}, bo)
}

// Stop cancels any pending debounce timer without flushing.
func (p *Persister) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}
