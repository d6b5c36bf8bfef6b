// Package queue implements the engine's asynchronous write-staging
// pipeline: a multi-producer, single-consumer channel
// that decouples the caller's Put/Delete from the WAL's disk I/O.
//
// A call returning success guarantees memtable presence but only
// *eventual* WAL durability, bounded by the configured sync policy and
// the adaptive batcher below — this gap is the engine's documented
// durability contract, not a bug.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/wal"
)

// DefaultBatchSize is B in "the worker collects up to B records per
// batch."
const DefaultBatchSize = 128

// adaptiveSchedule is the checkpoint sequence of the adaptive batcher:
// {2, 4, 8, 16, 32, 64, 128, then every 128}. The pending counter is
// checked against the schedule's current step, and reaching it advances
// the step; every flush, whatever triggered it, resets both the pending
// counter and the step to the start of the schedule. In effect only the
// first step is ever reached: with batching enabled, the worker flushes
// as soon as two records have been appended since the last flush.
var adaptiveSchedule = []int{2, 4, 8, 16, 32, 64, 128}

// Writer is the subset of *wal.WAL the queue needs. Declared as an
// interface so tests can substitute a fake.
type Writer interface {
	Append(wal.Record) error
	Flush() error
}

// item is what actually travels down the queue's channel: either a
// record to append, or a barrier requesting a synchronous flush. Both go
// through the same channel so a barrier enqueued after a run of records
// is guaranteed to be processed after them — the channel's FIFO order is
// the only synchronization Drain needs.
type item struct {
	rec     wal.Record
	barrier chan error
}

// Queue is the engine's write-staging pipeline. Every Put/Delete enqueues
// a record after its synchronous memtable/bloom/cache update; a single
// background goroutine is the sole writer to the underlying WAL.
type Queue struct {
	items chan item
	wg    sync.WaitGroup

	w     Writer
	sync  wal.SyncMode
	batch bool
	log   zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onError func(error)
}

// New starts the background worker and returns the queue. w is the WAL
// (or a fake in tests); sync is the configured sync policy; batchWALWrites
// adds the adaptive schedule above as a second flush trigger on top of
// sync's own schedule — when false, only sync.ShouldFlush decides when to
// flush; onError is invoked (never with a nil error)
// whenever a background append or flush fails — per the engine's error
// model, a background failure is logged, not fatal, and becomes visible
// only via wal_integrity_report.
func New(w Writer, syncMode wal.SyncMode, batchWALWrites bool, log zerolog.Logger, onError func(error)) *Queue {
	if onError == nil {
		onError = func(error) {}
	}
	q := &Queue{
		items:   make(chan item),
		w:       w,
		sync:    syncMode,
		batch:   batchWALWrites,
		log:     log,
		onError: onError,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue hands rec to the background worker. It fails with
// InvalidOperation only if the queue has already been closed.
func (q *Queue) Enqueue(rec wal.Record) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errs.Invalid("queue closed")
	}
	q.items <- item{rec: rec}
	return nil
}

// Drain blocks until every record enqueued before this call has been
// appended and the WAL has been flushed — used by the engine's flush()
// so it can safely clear the WAL immediately afterward without racing
// the background worker.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil
	}

	done := make(chan error, 1)
	select {
	case q.items <- item{barrier: done}:
	case <-ctx.Done():
		return errs.IO(ctx.Err(), "queue: drain request timed out")
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errs.IO(ctx.Err(), "queue: drain timed out waiting for worker")
	}
}

// Close closes the channel, waits for the worker to drain and perform
// its final flush, and returns. Idempotent.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.items)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errs.IO(ctx.Err(), "queue: close timed out waiting for worker drain")
	}
}

func (q *Queue) run() {
	defer q.wg.Done()

	var pending int
	scheduleIdx := 0
	lastFlush := time.Now()
	var lastErr error

	flush := func() {
		if err := q.w.Flush(); err != nil {
			q.log.Error().Err(err).Msg("write queue: flush failed")
			q.onError(err)
			lastErr = err
		}
		pending = 0
		scheduleIdx = 0
		lastFlush = time.Now()
	}

	appendOne := func(rec wal.Record) {
		if err := q.w.Append(rec); err != nil {
			q.log.Error().Err(err).Msg("write queue: append failed")
			q.onError(err)
			lastErr = err
			return
		}
		pending++

		shouldFlush := q.sync.ShouldFlush(pending, time.Since(lastFlush))
		if q.batch {
			adaptiveHit := scheduleIdx < len(adaptiveSchedule) && pending >= adaptiveSchedule[scheduleIdx]
			if adaptiveHit {
				scheduleIdx++
			} else if scheduleIdx >= len(adaptiveSchedule) && pending%DefaultBatchSize == 0 {
				adaptiveHit = true
			}
			shouldFlush = shouldFlush || adaptiveHit
		}

		if shouldFlush {
			flush()
		}
	}

	for it, ok := <-q.items; ok; it, ok = <-q.items {
		batch := []item{it}
	drain:
		for len(batch) < DefaultBatchSize {
			select {
			case next, ok := <-q.items:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		for _, b := range batch {
			if b.barrier != nil {
				if pending > 0 {
					flush()
				}
				b.barrier <- lastErr
				lastErr = nil
				continue
			}
			appendOne(b.rec)
		}
	}

	if pending > 0 {
		flush()
	}
}
