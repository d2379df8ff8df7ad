package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeFunc applies one deferred write
type writeFunc func(ctx context.Context, ex execer) error

type pendingWrite struct {
	key   string
	apply writeFunc
}

// WriteBuffer batches deferred writes to reduce SQLite contention. Writes
// are keyed by the row they touch; a newer write for the same key replaces
// the pending one.
type WriteBuffer struct {
	db        *sql.DB
	batchSize int
	flushTime time.Duration
	maxTries  uint

	mu      sync.Mutex
	writes  []pendingWrite
	byKey   map[string]int
	flushMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWriteBuffer creates a buffer. Call Start to enable the periodic flush.
func NewWriteBuffer(db *sql.DB, batchSize int, flushTime time.Duration) *WriteBuffer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTime <= 0 {
		flushTime = 5 * time.Second
	}
	return &WriteBuffer{
		db:        db,
		batchSize: batchSize,
		flushTime: flushTime,
		maxTries:  3,
		writes:    make([]pendingWrite, 0, batchSize*2),
		byKey:     make(map[string]int),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background flushing routine
func (b *WriteBuffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.flushTime)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.Flush(context.Background())
			case <-b.stopCh:
				// Final flush before stopping
				b.Flush(context.Background())
				return
			}
		}
	}()
	log.Infof("Write buffer started with batch_size=%d, flush_time=%v", b.batchSize, b.flushTime)
}

// Stop flushes what is pending and stops the background routine
func (b *WriteBuffer) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.Flush(context.Background())
}

// Enqueue defers a write for key
func (b *WriteBuffer) Enqueue(key string, apply writeFunc) {
	b.mu.Lock()
	if i, ok := b.byKey[key]; ok {
		b.writes[i].apply = apply
	} else {
		b.byKey[key] = len(b.writes)
		b.writes = append(b.writes, pendingWrite{key: key, apply: apply})
	}
	shouldFlush := len(b.writes) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		go b.Flush(context.Background())
	}
}

// Write applies a write now, or defers it when flushNow is false. Deferred
// writes are drained first so an immediate write is never overtaken.
func (b *WriteBuffer) Write(ctx context.Context, key string, flushNow bool, apply writeFunc) error {
	if !flushNow {
		b.Enqueue(key, apply)
		return nil
	}
	if err := b.Flush(ctx); err != nil {
		log.Warnf("Buffered writes lost before %s: %v", key, err)
	}
	return b.apply(ctx, []pendingWrite{{key: key, apply: apply}})
}

// Pending returns the number of deferred writes
func (b *WriteBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byKey)
}

// Flush writes all deferred writes in one transaction
func (b *WriteBuffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.writes) == 0 {
		b.mu.Unlock()
		return nil
	}
	writes := append([]pendingWrite(nil), b.writes...)
	b.writes = b.writes[:0]
	b.byKey = make(map[string]int)
	b.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := b.apply(ctx, writes)
		if err != nil {
			log.Warnf("Failed to flush %d buffered writes: %v", len(writes), err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(b.maxTries))
	if err != nil {
		log.Errorf("Dropping %d buffered writes after %d attempts: %v", len(writes), b.maxTries, err)
		return err
	}
	log.Debugf("Flushed %d buffered writes", len(writes))
	return nil
}

func (b *WriteBuffer) apply(ctx context.Context, writes []pendingWrite) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range writes {
		if err := w.apply(ctx, tx); err != nil {
			return fmt.Errorf("write %s: %w", w.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
