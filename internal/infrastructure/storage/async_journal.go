package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
)

const defaultJournalBuffer = 256

type journalOp func(ctx context.Context, j domain.Journal) error

// AsyncJournal decouples the engine's tick path from journal I/O. Records are
// queued on a buffered channel and written by one background goroutine; a full
// buffer drops the record with a log line rather than blocking the caller.
type AsyncJournal struct {
	inner domain.Journal
	log   *zap.Logger

	mu     sync.Mutex
	closed bool
	ops    chan journalOp
	done   chan struct{}
}

func NewAsyncJournal(inner domain.Journal, log *zap.Logger) *AsyncJournal {
	j := &AsyncJournal{
		inner: inner,
		log:   log,
		ops:   make(chan journalOp, defaultJournalBuffer),
		done:  make(chan struct{}),
	}
	go j.writer()
	return j
}

func (j *AsyncJournal) writer() {
	defer close(j.done)
	for op := range j.ops {
		if err := op(context.Background(), j.inner); err != nil {
			j.log.Error("journal write failed", zap.Error(err))
		}
	}
}

func (j *AsyncJournal) enqueue(op journalOp) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.log.Warn("journal closed, dropping record")
		return
	}
	select {
	case j.ops <- op:
	default:
		j.log.Warn("journal buffer full, dropping record")
	}
}

// RecordEntry queues an entry record. Never blocks.
func (j *AsyncJournal) RecordEntry(_ context.Context, pos domain.Position, ts time.Time) error {
	j.enqueue(func(ctx context.Context, inner domain.Journal) error {
		return inner.RecordEntry(ctx, pos, ts)
	})
	return nil
}

// RecordExit queues an exit record. Never blocks.
func (j *AsyncJournal) RecordExit(_ context.Context, pos domain.Position, price float64, ts time.Time, reason domain.CloseReason, pnl float64) error {
	j.enqueue(func(ctx context.Context, inner domain.Journal) error {
		return inner.RecordExit(ctx, pos, price, ts, reason, pnl)
	})
	return nil
}

// Close stops accepting records and waits for the queue to drain.
func (j *AsyncJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()
	<-j.done
}
