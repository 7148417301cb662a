package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dinedex/enricher/internal/extract"
)

// DefaultMaxBatchSize bounds how many staged mutations a batch accumulates
// before committing.
const DefaultMaxBatchSize = 50

// Writer accumulates validated mutations and commits them in atomic
// batches. On a non-structural commit rejection it bisects the batch and
// retries each half independently, isolating a poison item without
// discarding the rest or aborting the run. Structural rejections propagate
// to the caller, which must abort the run.
type Writer struct {
	store  Store
	max    int
	dryRun bool
	log    *zap.Logger

	// onCommitted/onDropped report per-item outcomes after a commit
	// resolves, so checkpoint status only advances once data is durable.
	onCommitted func(ids []string)
	onDropped   func(id string, err error)

	mu        sync.Mutex
	pending   []Mutation
	committed int
	dropped   int
}

type WriterOptions struct {
	MaxBatchSize int
	DryRun       bool
	OnCommitted  func(ids []string)
	OnDropped    func(id string, err error)
}

func NewWriter(s Store, opts WriterOptions, log *zap.Logger) *Writer {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		store:       s,
		max:         opts.MaxBatchSize,
		dryRun:      opts.DryRun,
		log:         log,
		onCommitted: opts.OnCommitted,
		onDropped:   opts.OnDropped,
	}
}

// Add stages one mutation, committing the batch when it reaches the size
// threshold. Accumulation order is preserved within each commit.
func (w *Writer) Add(ctx context.Context, m Mutation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, m)
	if len(w.pending) < w.max {
		return nil
	}
	return w.flushLocked(ctx)
}

// Flush commits whatever is staged. Called at end of run.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Committed returns the number of mutations applied (or, in dry-run mode,
// that would have been applied).
func (w *Writer) Committed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// Dropped returns the number of poison mutations isolated by bisection.
func (w *Writer) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil

	if w.dryRun {
		w.committed += len(batch)
		w.log.Info("dry-run: skipping store commit", zap.Int("mutations", len(batch)))
		w.notifyCommitted(batch)
		return nil
	}
	return w.commit(ctx, batch)
}

// commit applies the batch, bisecting on non-structural rejection.
func (w *Writer) commit(ctx context.Context, batch []Mutation) error {
	err := w.store.Apply(ctx, batch)
	if err == nil {
		w.committed += len(batch)
		w.notifyCommitted(batch)
		return nil
	}
	if extract.IsStructural(err) {
		return err
	}
	if len(batch) == 1 {
		w.dropped++
		w.log.Warn("poison mutation isolated",
			zap.String("id", batch[0].ID),
			zap.Error(err),
		)
		if w.onDropped != nil {
			w.onDropped(batch[0].ID, err)
		}
		return nil
	}
	w.log.Warn("batch commit rejected, bisecting",
		zap.Int("size", len(batch)),
		zap.Error(err),
	)
	mid := len(batch) / 2
	if err := w.commit(ctx, batch[:mid]); err != nil {
		return err
	}
	return w.commit(ctx, batch[mid:])
}

func (w *Writer) notifyCommitted(batch []Mutation) {
	if w.onCommitted == nil {
		return
	}
	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	w.onCommitted(ids)
}
