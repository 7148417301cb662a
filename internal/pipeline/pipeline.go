// Package pipeline wires the extraction components into a resumable,
// rate-limited run: enumerate candidates, filter against the checkpoint,
// fan out to workers gated by the governor, validate and stage results,
// and commit them in atomic batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dinedex/enricher/internal/checkpoint"
	"github.com/dinedex/enricher/internal/contract"
	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/governor"
	"github.com/dinedex/enricher/internal/jsonrepair"
	"github.com/dinedex/enricher/internal/progress"
	"github.com/dinedex/enricher/internal/source"
	"github.com/dinedex/enricher/internal/store"
)

type Options struct {
	Workers        int
	MaxRetries     int
	RequestTimeout time.Duration

	PageSize int
	// Limit caps how many items one run processes. <=0 means no cap.
	Limit int

	MaxBatchSize int
	DryRun       bool
	Force        bool

	// EstimatedCost is the per-call token estimate fed to the governor's
	// quota pacing.
	EstimatedCost int

	// BackoffInitial is the initial sleep before retrying a transient failure.
	BackoffInitial time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// ConsecutiveFailureWarn logs a warning once this many items fail in a
	// row, the usual smell of an expired key or a provider incident.
	ConsecutiveFailureWarn int

	ReportInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 90 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = source.DefaultPageSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = store.DefaultMaxBatchSize
	}
	if o.EstimatedCost <= 0 {
		o.EstimatedCost = 2000
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 10 * time.Second
	}
	if o.BackoffJitterFrac <= 0 {
		o.BackoffJitterFrac = 0.2
	}
	if o.ConsecutiveFailureWarn <= 0 {
		o.ConsecutiveFailureWarn = 10
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = 30 * time.Second
	}
	return o
}

// Deps are the pipeline's collaborators. The governor is injected rather
// than ambient so independent pipelines (one per provider) can coexist,
// each with its own throttling state.
type Deps struct {
	Source     source.Source
	Provider   extract.Provider
	Governor   *governor.Governor
	Validator  *contract.Validator
	Checkpoint *checkpoint.Store
	Store      store.Store
	Log        *zap.Logger

	// Prompt builds the per-item prompt. Nil selects the review-summary
	// default.
	Prompt func(extract.WorkItem) string
}

// Summary is the final per-category accounting for a run.
type Summary struct {
	Candidates int
	Dispatched int
	Done       int64
	Skipped    int64
	Failed     int64
	Dropped    int
	Retries    int64
	QuotaHits  int64
	Usage      extract.TokenUsage
	Elapsed    time.Duration
}

type Pipeline struct {
	deps  Deps
	opts  Options
	stats *progress.Stats
	log   *zap.Logger

	writer *store.Writer

	// summaries holds checkpoint summary text for items staged but not yet
	// committed; consumed by the writer's commit callback.
	mu        sync.Mutex
	summaries map[string]string
}

func New(deps Deps, opts Options) *Pipeline {
	opts = opts.withDefaults()
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		deps:      deps,
		opts:      opts,
		stats:     &progress.Stats{},
		log:       log,
		summaries: make(map[string]string),
	}
	p.writer = store.NewWriter(deps.Store, store.WriterOptions{
		MaxBatchSize: opts.MaxBatchSize,
		DryRun:       opts.DryRun,
		OnCommitted:  p.onCommitted,
		OnDropped:    p.onDropped,
	}, log)
	return p
}

// Run executes the pipeline to completion and returns the summary. The
// returned error is non-nil only for run-fatal conditions: context
// cancellation, source failure, or a store-structural commit rejection.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()[:8]
	log := p.log.With(zap.String("run", runID))

	items, err := source.ReadAll(ctx, p.deps.Source, p.opts.PageSize, p.opts.Limit)
	if err != nil {
		return Summary{}, fmt.Errorf("enumerate source: %w", err)
	}
	pending := p.deps.Checkpoint.FilterPending(items, p.opts.Force)
	log.Info("run start",
		zap.Int("candidates", len(items)),
		zap.Int("dispatched", len(pending)),
		zap.Int("workers", p.opts.Workers),
		zap.Int("maxBatchSize", p.opts.MaxBatchSize),
		zap.Bool("dryRun", p.opts.DryRun),
		zap.Bool("force", p.opts.Force),
	)

	reporter := progress.NewReporter(p.stats, len(pending), p.opts.ReportInterval, log)
	repCtx, stopReporter := context.WithCancel(context.Background())
	defer stopReporter()
	go reporter.Run(repCtx)

	grp, gctx := errgroup.WithContext(ctx)
	jobs := make(chan extract.WorkItem)

	grp.Go(func() error {
		defer close(jobs)
		for _, it := range pending {
			select {
			case jobs <- it:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < p.opts.Workers; i++ {
		grp.Go(func() error {
			for it := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				if fatal := p.handleItem(gctx, log, it); fatal != nil {
					return fatal
				}
			}
			return nil
		})
	}

	runErr := grp.Wait()
	if runErr == nil {
		runErr = p.writer.Flush(ctx)
	}
	stopReporter()

	if err := p.deps.Checkpoint.Flush(); err != nil {
		log.Warn("final checkpoint flush failed", zap.Error(err))
	}
	reporter.LogSummary()

	summary := Summary{
		Candidates: len(items),
		Dispatched: len(pending),
		Done:       p.stats.Done(),
		Skipped:    p.stats.Skipped(),
		Failed:     p.stats.Failed(),
		Dropped:    p.writer.Dropped(),
		Retries:    p.stats.Retries(),
		QuotaHits:  p.stats.Quota(),
		Usage:      p.stats.Usage(),
		Elapsed:    time.Since(start),
	}
	if runErr != nil {
		if extract.IsStructural(runErr) {
			log.Error("store schema mismatch, aborting run", zap.Error(runErr))
		}
		return summary, runErr
	}
	return summary, nil
}

// handleItem drives one item through the state machine and records the
// outcome. The returned error is non-nil only for run-fatal conditions.
func (p *Pipeline) handleItem(ctx context.Context, log *zap.Logger, item extract.WorkItem) error {
	out := p.processItem(ctx, item)
	if out.fatal != nil {
		return out.fatal
	}

	switch out.status {
	case extract.StatusDone:
		// Staged: checkpoint advances to done from the commit callback.
		log.Info("item staged", zap.String("item", item.ID))
	case extract.StatusSkipped:
		p.stats.IncSkipped()
		log.Info("item skipped", zap.String("item", item.ID), zap.String("reason", out.detail))
		if err := p.deps.Checkpoint.Mark(item.ID, extract.StatusSkipped, "", out.detail); err != nil {
			log.Warn("checkpoint write failed", zap.Error(err))
		}
	case extract.StatusFailed:
		streak := p.stats.IncFailed()
		log.Warn("item failed", zap.String("item", item.ID), zap.String("reason", out.detail))
		if streak == int64(p.opts.ConsecutiveFailureWarn) {
			log.Warn("consecutive failures crossed threshold; provider or credentials may be down",
				zap.Int64("streak", streak))
		}
		if err := p.deps.Checkpoint.Mark(item.ID, extract.StatusFailed, "", out.detail); err != nil {
			log.Warn("checkpoint write failed", zap.Error(err))
		}
	}
	return nil
}

type outcome struct {
	status extract.Status
	detail string
	fatal  error
}

// processItem is the per-item state machine:
// Pending -> Requesting -> Parsing -> Validating -> Writing, with side
// exits to Retrying, Failed, and Skipped.
func (p *Pipeline) processItem(ctx context.Context, item extract.WorkItem) outcome {
	req := extract.Request{ItemID: item.ID, Prompt: p.buildPrompt(item)}

	var comp extract.Completion
	for attempt := 0; ; attempt++ {
		// Requesting is gated on provider health and the paced quota
		// budget, not just a free worker slot.
		if err := p.deps.Governor.Acquire(ctx, p.opts.EstimatedCost); err != nil {
			return outcome{status: extract.StatusFailed, detail: "cancelled: " + err.Error()}
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		c, err := p.deps.Provider.Complete(reqCtx, req)
		cancel()
		if err == nil {
			comp = c
			break
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return outcome{status: extract.StatusFailed, detail: "cancelled: " + ctx.Err().Error()}
		}

		var qe *extract.QuotaError
		if errors.As(err, &qe) {
			p.stats.IncQuotaHit()
			cooldown := p.deps.Governor.Record429(qe.RetryAfter, attempt)
			if attempt < p.opts.MaxRetries {
				p.stats.IncRetry()
				if serr := p.deps.Governor.GlobalSleep(ctx, cooldown, "quota cooldown"); serr != nil {
					return outcome{status: extract.StatusFailed, detail: "cancelled: " + serr.Error()}
				}
				continue
			}
			return outcome{status: extract.StatusFailed, detail: "quota retries exhausted: " + err.Error()}
		}

		if extract.IsTransient(err) && attempt < p.opts.MaxRetries {
			p.stats.IncRetry()
			sleep := backoffSleep(p.opts.BackoffInitial, p.opts.BackoffMax, p.opts.BackoffJitterFrac, attempt)
			t := time.NewTimer(sleep)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return outcome{status: extract.StatusFailed, detail: "cancelled: " + ctx.Err().Error()}
			}
			continue
		}
		return outcome{status: extract.StatusFailed, detail: err.Error()}
	}

	p.deps.Governor.RecordResponseHeaders(comp.Quota)
	p.deps.Governor.RecordSuccess()
	p.stats.AddUsage(comp.Usage)

	fields, err := p.parseAndValidate(comp.Text)
	if err != nil {
		var se *extract.SchemaViolationError
		if errors.As(err, &se) {
			// Expected outcome rate; no re-prompt, bounding spend.
			return outcome{status: extract.StatusSkipped, detail: err.Error()}
		}
		return outcome{status: extract.StatusFailed, detail: err.Error()}
	}

	p.stageSummary(item.ID, checkpointSummary(fields))
	if err := p.writer.Add(ctx, store.Mutation{ID: item.ID, Fields: fields}); err != nil {
		if extract.IsStructural(err) {
			return outcome{fatal: err}
		}
		return outcome{status: extract.StatusFailed, detail: "commit: " + err.Error()}
	}
	return outcome{status: extract.StatusDone}
}

// parseAndValidate tries a direct parse, applies the repair heuristics
// once on failure, and re-parses. Still-unparsable output is terminal:
// retrying an unrecoverable generation would only burn quota.
func (p *Pipeline) parseAndValidate(text string) (map[string]any, error) {
	fields, err := p.deps.Validator.Validate([]byte(text))
	if err == nil {
		return fields, nil
	}
	var me *extract.MalformedOutputError
	if !errors.As(err, &me) {
		return nil, err
	}
	repaired := jsonrepair.Repair(text)
	fields, err = p.deps.Validator.Validate([]byte(repaired))
	if err == nil {
		return fields, nil
	}
	if errors.As(err, &me) {
		return nil, &extract.MalformedOutputError{Detail: "unparsable after repair", Err: me.Err}
	}
	return nil, err
}

func (p *Pipeline) buildPrompt(item extract.WorkItem) string {
	if p.deps.Prompt != nil {
		return p.deps.Prompt(item)
	}
	return reviewSummaryPrompt(item)
}

func (p *Pipeline) stageSummary(id, summary string) {
	p.mu.Lock()
	p.summaries[id] = summary
	p.mu.Unlock()
}

func (p *Pipeline) takeSummary(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.summaries[id]
	delete(p.summaries, id)
	return s
}

// onCommitted advances checkpoint entries to done only once their batch is
// durable, so a crash between staging and commit re-dispatches the items.
func (p *Pipeline) onCommitted(ids []string) {
	for _, id := range ids {
		p.stats.IncDone()
		if p.opts.DryRun {
			// Nothing was written; leave the checkpoint alone so a real
			// run still picks these items up.
			p.takeSummary(id)
			continue
		}
		if err := p.deps.Checkpoint.Mark(id, extract.StatusDone, p.takeSummary(id), ""); err != nil {
			p.log.Warn("checkpoint write failed", zap.String("item", id), zap.Error(err))
		}
	}
}

// onDropped records items isolated by batch bisection.
func (p *Pipeline) onDropped(id string, err error) {
	p.stats.IncFailed()
	p.takeSummary(id)
	if cerr := p.deps.Checkpoint.Mark(id, extract.StatusFailed, "", "commit rejected: "+err.Error()); cerr != nil {
		p.log.Warn("checkpoint write failed", zap.String("item", id), zap.Error(cerr))
	}
}

// checkpointSummary pulls a short human-readable hint into the checkpoint
// entry so the file is useful on its own.
func checkpointSummary(fields map[string]any) string {
	s, _ := fields["summary"].(string)
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
