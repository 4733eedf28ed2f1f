package fallback

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/types"
)

// EngineResolver looks up the Engine responsible for a collection, since
// a single fallback queue can span every logical collection in a
// database.
type EngineResolver func(collection string) (*engine.Engine, error)

// Worker replays due FallbackOperations on a fixed tick, following the
// same stop-channel run-loop shape as pkg/lock.Reaper.
type Worker struct {
	store    *Store
	resolve  EngineResolver
	cfg      config.Fallback
	interval time.Duration
	events   *events.Broker

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// SetEventBroker attaches an event broker the worker publishes
// fallback.replayed/fallback.dead_lettered events to. Optional; a nil
// broker (the default) makes event emission a no-op.
func (w *Worker) SetEventBroker(b *events.Broker) {
	w.events = b
}

// NewWorker builds a Worker. interval is the poll tick; cfg supplies the
// backoff/dead-letter policy (§4.11).
func NewWorker(store *Store, resolve EngineResolver, cfg config.Fallback, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseDelayMs <= 0 {
		cfg.BaseDelayMs = 2000
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = 60000
	}
	return &Worker{store: store, resolve: resolve, cfg: cfg, interval: interval}
}

// Start begins the replay loop in a background goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run()
}

// Stop signals the replay loop to exit and blocks until any in-flight
// handler finishes (§5: the worker honors a cooperative stop signal and
// flushes in-flight handlers before returning).
func (w *Worker) Stop() {
	w.mu.Lock()
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	logger := chronolog.WithComponent("fallback-worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info().Msg("fallback worker started")
	for {
		select {
		case <-ticker.C:
			if err := w.ProcessDue(context.Background()); err != nil {
				logger.Error().Err(err).Msg("fallback processing pass failed")
			}
		case <-w.stopCh:
			logger.Info().Msg("fallback worker stopped")
			return
		}
	}
}

// ProcessDue replays every FO whose NextAttemptAt has passed, applying
// the backoff/dead-letter policy to each failure.
func (w *Worker) ProcessDue(ctx context.Context) error {
	due, err := w.store.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		return err
	}
	for _, fo := range due {
		w.replayOne(ctx, fo)
	}
	return nil
}

func (w *Worker) replayOne(ctx context.Context, fo types.FallbackOperation) {
	logger := chronolog.WithItem(fo.Collection, fo.ItemID.Hex())

	eng, err := w.resolve(fo.Collection)
	if err != nil {
		logger.Error().Err(err).Msg("fallback: cannot resolve engine for collection")
		return
	}

	var payload bson.M
	if len(fo.Payload) > 0 {
		if err := bson.Unmarshal(fo.Payload, &payload); err != nil {
			w.deadLetterWithReason(ctx, fo, err)
			return
		}
	}

	applyErr := w.apply(ctx, eng, fo, payload)
	if applyErr == nil {
		if err := w.store.Delete(ctx, fo.ID); err != nil {
			logger.Error().Err(err).Msg("fallback: failed to remove completed operation")
		}
		w.emit(events.EventFallbackReplayed, fo, "")
		return
	}

	if fo.Attempts+1 >= w.cfg.MaxAttempts {
		w.deadLetterWithReason(ctx, fo, applyErr)
		return
	}

	next := time.Now().UTC().Add(backoff(fo.Attempts+1, w.cfg))
	if err := w.store.RecordFailure(ctx, fo, applyErr, next); err != nil {
		logger.Error().Err(err).Msg("fallback: failed to record attempt")
	}
}

func (w *Worker) apply(ctx context.Context, eng *engine.Engine, fo types.FallbackOperation, payload bson.M) error {
	switch fo.Kind {
	case "create":
		_, err := eng.CreateIdempotent(ctx, engine.CreateInput{ItemID: fo.ItemID, Payload: payload})
		return err
	case "update":
		_, err := eng.Update(ctx, engine.UpdateInput{ItemID: fo.ItemID, Payload: payload, ExpectedOv: fo.ExpectedOv})
		return err
	case "delete":
		_, err := eng.Delete(ctx, engine.DeleteInput{ItemID: fo.ItemID, ExpectedOv: fo.ExpectedOv})
		return err
	case "enrich":
		_, err := eng.Enrich(ctx, engine.EnrichInput{ItemID: fo.ItemID, Patch: payload})
		return err
	default:
		return chronoserr.New(chronoserr.KindValidation, "fallback.apply", nil)
	}
}

func (w *Worker) deadLetterWithReason(ctx context.Context, fo types.FallbackOperation, cause error) {
	fo.Attempts++
	fo.LastError = cause.Error()
	fo.History = append(fo.History, types.HistoryEntry{At: time.Now().UTC(), Error: cause.Error()})
	if err := w.store.MoveToDeadLetter(ctx, fo); err != nil {
		chronolog.WithItem(fo.Collection, fo.ItemID.Hex()).Error().Err(err).Msg("fallback: failed to dead-letter operation")
	}
	w.emit(events.EventFallbackDeadLettered, fo, cause.Error())
}

// emit publishes a fallback outcome event. No-op when no broker is set.
func (w *Worker) emit(eventType events.EventType, fo types.FallbackOperation, message string) {
	if w.events == nil {
		return
	}
	w.events.Publish(&events.Event{
		Type:    eventType,
		Message: message,
		Metadata: map[string]string{
			"collection": fo.Collection,
			"itemId":     fo.ItemID.Hex(),
			"kind":       fo.Kind,
		},
	})
}

// backoff computes the exponential-with-jitter delay for the given
// attempt count (§4.11): min(maxDelay, baseDelay*2^(attempts-1)) plus
// uniform jitter in [0, delay/2].
func backoff(attempts int, cfg config.Fallback) time.Duration {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	maxDelay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	delay := base << uint(attempts-1)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
	return delay + jitter
}

// EnqueueFromReapedLock implements lock.RetryEnqueuer. A lock reaped
// before its mutation completed has no durably captured payload (the
// caller's in-flight Create call never reached a point where it could
// persist one), so the original mutation can't be safely replayed here.
// This instead records an audit trail entry straight into the
// dead-letter collection, preserving visibility into abandoned CREATE
// attempts without inventing a payload that was never written down.
func (w *Worker) EnqueueFromReapedLock(ctx context.Context, lk types.TransactionLock) error {
	now := time.Now().UTC()
	fo := types.FallbackOperation{
		ID:             lk.ItemID.Hex() + ":create:reaped:" + now.Format(time.RFC3339Nano),
		Kind:           "create",
		ItemID:         lk.ItemID,
		Attempts:       1,
		FirstAttemptAt: lk.LockedAt,
		LastError:      "lock reaped before mutation completed; payload not recoverable",
		History: []types.HistoryEntry{
			{At: now, Error: "lock reaped before mutation completed; payload not recoverable"},
		},
	}
	return w.store.MoveToDeadLetter(ctx, fo)
}

// Enqueue implements engine.FallbackEnqueuer.
func (w *Worker) Enqueue(ctx context.Context, fo types.FallbackOperation) error {
	return w.store.Enqueue(ctx, fo)
}
