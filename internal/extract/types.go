package extract

import (
	"context"
	"time"
)

// Status is the lifecycle state of a WorkItem.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// WorkItem is one unit of data processed end-to-end by the pipeline.
// It is mutated only by the worker that claimed it.
type WorkItem struct {
	ID        string
	Payload   string
	Status    Status
	LastError string
}

// TokenUsage is the billing metadata reported by the completion provider.
type TokenUsage struct {
	Prompt     int64
	Completion int64
	Total      int64
}

// Add returns the element-wise sum of two usage records.
func (u TokenUsage) Add(v TokenUsage) TokenUsage {
	return TokenUsage{
		Prompt:     u.Prompt + v.Prompt,
		Completion: u.Completion + v.Completion,
		Total:      u.Total + v.Total,
	}
}

// QuotaInfo carries the provider's quota headers from the last response.
// HasRemaining distinguishes "0 remaining" from "header absent".
type QuotaInfo struct {
	Remaining    int
	ResetAt      time.Time
	HasRemaining bool
}

// Request is one completion call to the extraction provider.
type Request struct {
	ItemID string
	Prompt string
}

// Completion is the raw provider response: the text payload plus usage and
// quota metadata extracted from the response envelope.
type Completion struct {
	Text  string
	Usage TokenUsage
	Quota QuotaInfo
}

// Provider issues completion calls to an external extraction API.
type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Result is a validated structured extraction. Immutable once produced.
type Result struct {
	ItemID string
	Fields map[string]any
	Usage  TokenUsage
}
