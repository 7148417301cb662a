package progress_test

import (
	"testing"

	"github.com/dinedex/enricher/internal/extract"
	"github.com/dinedex/enricher/internal/progress"
)

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	var s progress.Stats
	s.IncDone()
	s.IncDone()
	s.IncSkipped()
	s.IncFailed()
	s.IncRetry()
	s.IncQuotaHit()

	if s.Done() != 2 || s.Skipped() != 1 || s.Failed() != 1 {
		t.Fatalf("unexpected counts: done=%d skipped=%d failed=%d", s.Done(), s.Skipped(), s.Failed())
	}
	if s.Processed() != 4 {
		t.Fatalf("processed = %d, want 4", s.Processed())
	}
	if s.Retries() != 1 || s.Quota() != 1 {
		t.Fatalf("retries=%d quota=%d", s.Retries(), s.Quota())
	}
}

func TestConsecutiveFailureStreak(t *testing.T) {
	t.Parallel()

	var s progress.Stats
	if got := s.IncFailed(); got != 1 {
		t.Fatalf("streak = %d, want 1", got)
	}
	if got := s.IncFailed(); got != 2 {
		t.Fatalf("streak = %d, want 2", got)
	}
	s.IncDone()
	if got := s.IncFailed(); got != 1 {
		t.Fatalf("streak after success = %d, want 1", got)
	}
}

func TestUsageAccumulates(t *testing.T) {
	t.Parallel()

	var s progress.Stats
	s.AddUsage(extract.TokenUsage{Prompt: 100, Completion: 50, Total: 150})
	s.AddUsage(extract.TokenUsage{Prompt: 10, Completion: 5, Total: 15})
	u := s.Usage()
	if u.Prompt != 110 || u.Completion != 55 || u.Total != 165 {
		t.Fatalf("unexpected usage: %+v", u)
	}
}
