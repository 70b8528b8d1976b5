package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcoot/masquerade-go/internal/model"
)

const (
	// DefaultWriterQueueSize bounds the number of pending snapshot writes
	DefaultWriterQueueSize = 1024

	writeTimeout = 5 * time.Second
)

type opKind int

const (
	opSave opKind = iota
	opDelete
	opFlush
)

type writeOp struct {
	kind    opKind
	session *model.Session
	id      model.SessionID
	done    chan struct{}
}

// Writer applies snapshot writes on a single background goroutine so callers
// holding a session lock never wait on storage I/O. Writes are applied in the
// order they were queued.
type Writer struct {
	store  Storage
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	wg     sync.WaitGroup
}

// NewWriter starts a Writer in front of store
func NewWriter(store Storage, queueSize int, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultWriterQueueSize
	}
	w := &Writer{
		store:  store,
		logger: logger.With(slog.String("component", "snapshot_writer")),
		queue:  make(chan writeOp, queueSize),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Save queues a snapshot. The caller must not modify the session afterwards.
func (w *Writer) Save(session *model.Session) {
	w.enqueue(writeOp{kind: opSave, session: session, id: session.ID})
}

// Delete queues removal of a snapshot
func (w *Writer) Delete(id model.SessionID) {
	w.enqueue(writeOp{kind: opDelete, id: id})
}

// Flush blocks until every write queued before the call has been applied
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- writeOp{kind: opFlush, done: done}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the background goroutine
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- op:
	default:
		// The store is a read model; the next write for this session supersedes the lost one.
		w.logger.Warn("snapshot write dropped - queue full",
			slog.String("session_id", string(op.id)))
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for op := range w.queue {
		w.apply(op)
	}
}

func (w *Writer) apply(op writeOp) {
	if op.kind == opFlush {
		close(op.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case opSave:
		err = w.store.SaveSession(ctx, op.session)
	case opDelete:
		err = w.store.DeleteSession(ctx, op.id)
	}
	if err != nil {
		w.logger.Error("snapshot write failed",
			slog.String("session_id", string(op.id)),
			slog.Any("error", err),
		)
	}
}
