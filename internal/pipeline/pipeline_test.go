package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dinedex/enricher/internal/checkpoint"
	"github.com/dinedex/enricher/internal/contract"
	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/governor"
	"github.com/dinedex/enricher/internal/pipeline"
	"github.com/dinedex/enricher/internal/source"
	"github.com/dinedex/enricher/internal/store"
)

// validSummary clears the 40-word floor of the review-summary contract.
var validSummary = strings.TrimSpace(strings.Repeat(
	"regulars praise the crisp roast duck and the warm unhurried service on every visit ", 4))

func validOutput() string {
	return fmt.Sprintf(
		`{"summary": %q, "highlights": ["roast duck", "congee"], "rating": 5, "neighborhood": "Old Town"}`,
		validSummary)
}

type call struct {
	text string
	err  error
}

// fakeProvider serves scripted responses per item id. Items without a
// script get one valid completion; a script's last entry repeats.
type fakeProvider struct {
	mu      sync.Mutex
	scripts map[string][]call
	calls   map[string]int

	delay       time.Duration
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		scripts: make(map[string][]call),
		calls:   make(map[string]int),
	}
}

func (f *fakeProvider) script(id string, calls ...call) {
	f.scripts[id] = calls
}

func (f *fakeProvider) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeProvider) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProvider) Complete(ctx context.Context, req extract.Request) (extract.Completion, error) {
	cur := f.inflight.Add(1)
	for {
		max := f.maxInflight.Load()
		if cur <= max || f.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer f.inflight.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return extract.Completion{}, ctx.Err()
		}
	}

	f.mu.Lock()
	n := f.calls[req.ItemID]
	f.calls[req.ItemID] = n + 1
	script := f.scripts[req.ItemID]
	f.mu.Unlock()

	if len(script) == 0 {
		return extract.Completion{Text: validOutput(), Usage: extract.TokenUsage{Prompt: 100, Completion: 50, Total: 150}}, nil
	}
	c := script[len(script)-1]
	if n < len(script) {
		c = script[n]
	}
	if c.err != nil {
		return extract.Completion{}, c.err
	}
	return extract.Completion{Text: c.text, Usage: extract.TokenUsage{Prompt: 100, Completion: 50, Total: 150}}, nil
}

// fakeStore records applied mutations; ids in poison reject any batch
// containing them.
type fakeStore struct {
	mu         sync.Mutex
	applied    []store.Mutation
	poison     map[string]bool
	structural bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{poison: make(map[string]bool)}
}

func (f *fakeStore) Apply(_ context.Context, ms []store.Mutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.structural {
		return &extract.StructuralError{Op: "apply", Err: errors.New("no such column: rating")}
	}
	for _, m := range ms {
		if f.poison[m.ID] {
			return fmt.Errorf("constraint violation on %s", m.ID)
		}
	}
	f.applied = append(f.applied, ms...)
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.applied {
		if m.ID == id {
			return m.Fields, nil
		}
	}
	return nil, fmt.Errorf("not found: %s", id)
}

func (f *fakeStore) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func items(n int) []extract.WorkItem {
	out := make([]extract.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, extract.WorkItem{
			ID:      fmt.Sprintf("r%d", i+1),
			Payload: fmt.Sprintf(`{"name": "Place %d", "reviews": ["good"]}`, i+1),
		})
	}
	return out
}

type harness struct {
	provider *fakeProvider
	store    *fakeStore
	gov      *governor.Governor
	ckpt     *checkpoint.Store
	pipe     *pipeline.Pipeline
}

func newHarness(t *testing.T, work []extract.WorkItem, provider *fakeProvider, st *fakeStore, opts pipeline.Options) *harness {
	t.Helper()
	validator, err := contract.NewValidator(contract.DefaultReviewSummary())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	gov := governor.New(governor.Config{
		CooldownBase: 1 * time.Millisecond,
		CooldownCap:  10 * time.Millisecond,
	}, zap.NewNop())
	ckpt := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"), 1, zap.NewNop())

	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 1 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 2 * time.Millisecond
	}
	pipe := pipeline.New(pipeline.Deps{
		Source:     source.Slice(work),
		Provider:   provider,
		Governor:   gov,
		Validator:  validator,
		Checkpoint: ckpt,
		Store:      st,
		Log:        zap.NewNop(),
	}, opts)
	return &harness{provider: provider, store: st, gov: gov, ckpt: ckpt, pipe: pipe}
}

func TestRunProcessesAllItems(t *testing.T) {
	h := newHarness(t, items(12), newFakeProvider(), newFakeStore(), pipeline.Options{
		Workers:      3,
		MaxBatchSize: 5,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Done != 12 {
		t.Fatalf("expected 12 done, got %d", sum.Done)
	}
	if sum.Skipped != 0 || sum.Failed != 0 {
		t.Fatalf("expected no skips/failures, got %d/%d", sum.Skipped, sum.Failed)
	}
	if got := h.store.appliedCount(); got != 12 {
		t.Fatalf("expected 12 applied mutations, got %d", got)
	}
	if counts := h.ckpt.Counts(); counts[extract.StatusDone] != 12 {
		t.Fatalf("expected 12 done checkpoint entries, got %v", counts)
	}
	if sum.Usage.Total != 12*150 {
		t.Fatalf("expected total usage 1800, got %d", sum.Usage.Total)
	}
}

func TestQuotaCooldownThenSuccess(t *testing.T) {
	p := newFakeProvider()
	p.script("r1",
		call{err: &extract.QuotaError{Err: errors.New("429"), RetryAfter: 1 * time.Millisecond}},
		call{err: &extract.QuotaError{Err: errors.New("429"), RetryAfter: 1 * time.Millisecond}},
		call{text: validOutput()},
	)
	h := newHarness(t, items(1), p, newFakeStore(), pipeline.Options{
		Workers:    1,
		MaxRetries: 3,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Done != 1 {
		t.Fatalf("expected item done after quota retries, got done=%d failed=%d", sum.Done, sum.Failed)
	}
	if sum.QuotaHits != 2 {
		t.Fatalf("expected 2 quota hits, got %d", sum.QuotaHits)
	}
	if got := h.gov.Snapshot().Cooldowns; got != 2 {
		t.Fatalf("expected exactly 2 cooldown escalations, got %d", got)
	}
	if got := p.callCount("r1"); got != 3 {
		t.Fatalf("expected 3 provider calls, got %d", got)
	}
}

func TestTransientRetryExhaustionFails(t *testing.T) {
	p := newFakeProvider()
	p.script("r1", call{err: &extract.TransientError{Err: errors.New("503")}})
	h := newHarness(t, items(1), p, newFakeStore(), pipeline.Options{
		Workers:    1,
		MaxRetries: 2,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", sum.Failed)
	}
	if sum.Retries != 2 {
		t.Fatalf("expected 2 retries, got %d", sum.Retries)
	}
	if got := p.callCount("r1"); got != 3 {
		t.Fatalf("expected 3 provider calls (1 + 2 retries), got %d", got)
	}
	entry, ok := h.ckpt.Get("r1")
	if !ok || entry.Status != extract.StatusFailed {
		t.Fatalf("expected failed checkpoint entry, got %+v (ok=%v)", entry, ok)
	}
}

func TestRepairRecoversTrailingComma(t *testing.T) {
	p := newFakeProvider()
	broken := fmt.Sprintf(
		`{"summary": %q, "highlights": ["roast duck"], "rating": 4,}`, validSummary)
	p.script("r1", call{text: broken})
	h := newHarness(t, items(1), p, newFakeStore(), pipeline.Options{Workers: 1})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Done != 1 {
		t.Fatalf("expected repaired output to commit, got done=%d failed=%d", sum.Done, sum.Failed)
	}
	if got := p.callCount("r1"); got != 1 {
		t.Fatalf("repair must not re-prompt; got %d calls", got)
	}
}

func TestUnrepairableOutputFailsWithoutReprompt(t *testing.T) {
	p := newFakeProvider()
	p.script("r1", call{text: "I am sorry, I cannot help with that."})
	h := newHarness(t, items(1), p, newFakeStore(), pipeline.Options{
		Workers:    1,
		MaxRetries: 3,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", sum.Failed)
	}
	if got := p.callCount("r1"); got != 1 {
		t.Fatalf("malformed output is terminal; got %d calls", got)
	}
}

func TestSchemaViolationSkips(t *testing.T) {
	p := newFakeProvider()
	// Parses fine but the summary is far below the word floor.
	p.script("r1", call{text: `{"summary": "too short", "highlights": [], "rating": 3}`})
	h := newHarness(t, items(1), p, newFakeStore(), pipeline.Options{Workers: 1})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got skipped=%d failed=%d", sum.Skipped, sum.Failed)
	}
	if got := h.store.appliedCount(); got != 0 {
		t.Fatalf("skipped item must not reach the store, got %d mutations", got)
	}
	entry, _ := h.ckpt.Get("r1")
	if entry.Status != extract.StatusSkipped {
		t.Fatalf("expected skipped checkpoint entry, got %+v", entry)
	}
}

func TestResumeDispatchesOnlyPending(t *testing.T) {
	work := items(20)
	p := newFakeProvider()
	st := newFakeStore()
	h := newHarness(t, work, p, st, pipeline.Options{Workers: 2})
	for i := 0; i < 7; i++ {
		if err := h.ckpt.Mark(work[i].ID, extract.StatusDone, "", ""); err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}
	}

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Candidates != 20 || sum.Dispatched != 13 {
		t.Fatalf("expected 20 candidates / 13 dispatched, got %d/%d", sum.Candidates, sum.Dispatched)
	}
	if got := p.totalCalls(); got != 13 {
		t.Fatalf("completed items must not be re-sent; got %d provider calls", got)
	}
	if counts := h.ckpt.Counts(); counts[extract.StatusDone] != 20 {
		t.Fatalf("expected all 20 done after resume, got %v", counts)
	}
}

func TestForceReprocessesCompleted(t *testing.T) {
	work := items(5)
	p := newFakeProvider()
	h := newHarness(t, work, p, newFakeStore(), pipeline.Options{Workers: 1, Force: true})
	for _, it := range work {
		if err := h.ckpt.Mark(it.ID, extract.StatusDone, "", ""); err != nil {
			t.Fatalf("seed checkpoint: %v", err)
		}
	}

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Dispatched != 5 {
		t.Fatalf("force must dispatch completed items, got %d", sum.Dispatched)
	}
	if got := p.totalCalls(); got != 5 {
		t.Fatalf("expected 5 provider calls, got %d", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	p := newFakeProvider()
	p.delay = 5 * time.Millisecond
	h := newHarness(t, items(10), p, newFakeStore(), pipeline.Options{Workers: 2})

	if _, err := h.pipe.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.maxInflight.Load(); got > 2 {
		t.Fatalf("in-flight requests exceeded worker bound: %d", got)
	}
}

func TestStructuralStoreErrorAbortsRun(t *testing.T) {
	st := newFakeStore()
	st.structural = true
	h := newHarness(t, items(4), newFakeProvider(), st, pipeline.Options{
		Workers:      1,
		MaxBatchSize: 1,
	})

	_, err := h.pipe.Run(context.Background())
	if err == nil {
		t.Fatal("expected run-fatal error")
	}
	if !extract.IsStructural(err) {
		t.Fatalf("expected structural error, got %v", err)
	}
}

func TestPoisonItemIsIsolated(t *testing.T) {
	st := newFakeStore()
	st.poison["r2"] = true
	h := newHarness(t, items(4), newFakeProvider(), st, pipeline.Options{
		Workers:      1,
		MaxBatchSize: 4,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Done != 3 || sum.Dropped != 1 {
		t.Fatalf("expected 3 done / 1 dropped, got %d/%d", sum.Done, sum.Dropped)
	}
	if got := st.appliedCount(); got != 3 {
		t.Fatalf("expected 3 applied mutations, got %d", got)
	}
	entry, _ := h.ckpt.Get("r2")
	if entry.Status != extract.StatusFailed {
		t.Fatalf("dropped item should checkpoint as failed, got %+v", entry)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	st := newFakeStore()
	h := newHarness(t, items(6), newFakeProvider(), st, pipeline.Options{
		Workers: 2,
		DryRun:  true,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Done != 6 {
		t.Fatalf("dry run should count staged items as done, got %d", sum.Done)
	}
	if got := st.appliedCount(); got != 0 {
		t.Fatalf("dry run must not write to the store, got %d mutations", got)
	}
	if counts := h.ckpt.Counts(); counts[extract.StatusDone] != 0 {
		t.Fatalf("dry run must not advance the checkpoint, got %v", counts)
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	p := newFakeProvider()
	p.delay = 20 * time.Millisecond
	h := newHarness(t, items(50), p, newFakeStore(), pipeline.Options{Workers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.pipe.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if got := p.totalCalls(); got >= 50 {
		t.Fatalf("cancellation should stop dispatch early, got %d calls", got)
	}
}

func TestLimitCapsRun(t *testing.T) {
	p := newFakeProvider()
	h := newHarness(t, items(9), p, newFakeStore(), pipeline.Options{
		Workers: 1,
		Limit:   4,
	})

	sum, err := h.pipe.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Dispatched != 4 || sum.Done != 4 {
		t.Fatalf("expected 4 dispatched/done, got %d/%d", sum.Dispatched, sum.Done)
	}
}
