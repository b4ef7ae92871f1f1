package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycrewmanager/realtime/internal/connection"
)

// Config holds batch writer settings.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int           // Queue limit; oldest rows are dropped beyond it
	InsertTimeout time.Duration // Per-batch insert deadline
}

// DefaultConfig returns default writer settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    1000,
		InsertTimeout: 10 * time.Second,
	}
}

// Stats contains writer statistics.
type Stats struct {
	Enqueued  int64
	Dropped   int64 // Evicted from a full queue
	Inserted  int64
	Conflicts int64
	Flushes   int64
	Errors    int64 // Failed batches
	Lost      int64 // Rows in failed batches
	Pending   int
}

// Writer batches rows from the channel into a Store.
type Writer struct {
	cfg    Config
	store  Store
	buf    *Buffer[Row]
	logger *slog.Logger

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inserted  atomic.Int64
	conflicts atomic.Int64
	flushes   atomic.Int64
	errors    atomic.Int64
	lost      atomic.Int64
}

// NewWriter creates a Writer.
func NewWriter(cfg Config, store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 10 * time.Second
	}
	return &Writer{
		cfg:    cfg,
		store:  store,
		buf:    NewBuffer[Row](cfg.BatchSize, cfg.BufferSize),
		logger: logger,
	}
}

// Handle enqueues one message. It never blocks, so it is safe to subscribe
// directly to the channel.
func (w *Writer) Handle(msg connection.Message) {
	if !w.buf.Send(NewRow(msg)) {
		w.logger.Debug("journal closed, event not recorded", "type", msg.Type)
	}
}

// Start begins the flush loop.
func (w *Writer) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop(ctx)

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop stops the loop and flushes what is queued, bounded by ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.buf.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for w.buf.Len() > 0 && ctx.Err() == nil {
		w.flush(ctx)
	}

	w.logger.Info("journal writer stopped", "pending", w.buf.Len())
	return nil
}

// Stats returns current statistics.
func (w *Writer) Stats() Stats {
	bs := w.buf.Stats()
	return Stats{
		Enqueued:  bs.TotalReceived,
		Dropped:   bs.Dropped,
		Inserted:  w.inserted.Load(),
		Conflicts: w.conflicts.Load(),
		Flushes:   w.flushes.Load(),
		Errors:    w.errors.Load(),
		Lost:      w.lost.Load(),
		Pending:   bs.Count,
	}
}

// flushLoop flushes on a full batch or on the interval.
func (w *Writer) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.buf.Ready():
			for w.buf.Len() >= w.cfg.BatchSize && ctx.Err() == nil {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush writes up to one batch.
func (w *Writer) flush(ctx context.Context) {
	rows := w.buf.DrainTo(w.cfg.BatchSize)
	if len(rows) == 0 {
		return
	}

	start := time.Now()
	insertCtx, cancel := context.WithTimeout(ctx, w.cfg.InsertTimeout)
	defer cancel()

	conflicts, err := w.store.Insert(insertCtx, rows)
	if err != nil {
		w.errors.Add(1)
		w.lost.Add(int64(len(rows)))
		w.logger.Error("journal batch insert failed", "error", err, "count", len(rows))
		return
	}

	w.inserted.Add(int64(len(rows) - conflicts))
	w.conflicts.Add(int64(conflicts))
	w.flushes.Add(1)

	w.logger.Debug("flushed events",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}
