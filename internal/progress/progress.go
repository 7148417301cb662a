// Package progress tracks run counters and reports throughput and ETA
// while the pipeline is running.
package progress

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dinedex/enricher/internal/extract"
)

// Stats holds run counters. Counter fields are atomics so workers update
// them without coordination.
type Stats struct {
	done    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	retries atomic.Int64
	quota   atomic.Int64

	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64

	consecutiveErrs atomic.Int64
}

func (s *Stats) Done() int64    { return s.done.Load() }
func (s *Stats) Skipped() int64 { return s.skipped.Load() }
func (s *Stats) Failed() int64  { return s.failed.Load() }
func (s *Stats) Retries() int64 { return s.retries.Load() }
func (s *Stats) Quota() int64   { return s.quota.Load() }

// Processed is the number of items that reached a terminal state.
func (s *Stats) Processed() int64 {
	return s.done.Load() + s.skipped.Load() + s.failed.Load()
}

func (s *Stats) Usage() extract.TokenUsage {
	return extract.TokenUsage{
		Prompt:     s.promptTokens.Load(),
		Completion: s.completionTokens.Load(),
		Total:      s.totalTokens.Load(),
	}
}

func (s *Stats) IncDone() {
	s.done.Add(1)
	s.consecutiveErrs.Store(0)
}

func (s *Stats) IncSkipped() {
	s.skipped.Add(1)
	s.consecutiveErrs.Store(0)
}

// IncFailed increments the failure counter and returns the current
// consecutive-failure streak, letting the caller surface a warning when a
// run starts failing wholesale.
func (s *Stats) IncFailed() int64 {
	s.failed.Add(1)
	return s.consecutiveErrs.Add(1)
}

func (s *Stats) IncRetry()    { s.retries.Add(1) }
func (s *Stats) IncQuotaHit() { s.quota.Add(1) }

func (s *Stats) AddUsage(u extract.TokenUsage) {
	s.promptTokens.Add(u.Prompt)
	s.completionTokens.Add(u.Completion)
	s.totalTokens.Add(u.Total)
}

// Reporter logs throughput and an ETA at a fixed interval.
type Reporter struct {
	stats    *Stats
	total    int
	interval time.Duration
	log      *zap.Logger
	start    time.Time
}

func NewReporter(stats *Stats, total int, interval time.Duration, log *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reporter{
		stats:    stats,
		total:    total,
		interval: interval,
		log:      log,
		start:    time.Now(),
	}
}

// Run emits progress lines until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	processed := r.stats.Processed()
	elapsed := time.Since(r.start)
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}
	fields := []zap.Field{
		zap.Int64("processed", processed),
		zap.Int("total", r.total),
		zap.Int64("done", r.stats.Done()),
		zap.Int64("skipped", r.stats.Skipped()),
		zap.Int64("failed", r.stats.Failed()),
		zap.Float64("itemsPerSec", rate),
		zap.Int64("tokens", r.stats.Usage().Total),
	}
	if rate > 0 && r.total > 0 && int64(r.total) > processed {
		remaining := time.Duration(float64(int64(r.total)-processed)/rate) * time.Second
		fields = append(fields, zap.Duration("eta", remaining.Round(time.Second)))
	}
	r.log.Info("progress", fields...)
}

// LogSummary emits the final per-category accounting for the run.
func (r *Reporter) LogSummary() {
	usage := r.stats.Usage()
	r.log.Info("run complete",
		zap.Int64("done", r.stats.Done()),
		zap.Int64("skipped", r.stats.Skipped()),
		zap.Int64("failed", r.stats.Failed()),
		zap.Int64("retries", r.stats.Retries()),
		zap.Int64("quotaHits", r.stats.Quota()),
		zap.Int64("promptTokens", usage.Prompt),
		zap.Int64("completionTokens", usage.Completion),
		zap.Int64("totalTokens", usage.Total),
		zap.Duration("elapsed", time.Since(r.start).Round(time.Millisecond)),
	)
}
