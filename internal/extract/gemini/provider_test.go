package gemini

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/dinedex/enricher/internal/contract"
	"github.com/dinedex/enricher/internal/extract"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name      string
		in        error
		wantQuota bool
		wantRetry bool
	}{
		{name: "api_429", in: genai.APIError{Code: 429}, wantQuota: true},
		{name: "api_500", in: genai.APIError{Code: 500}, wantRetry: true},
		{name: "api_503", in: genai.APIError{Code: 503}, wantRetry: true},
		{name: "api_401", in: genai.APIError{Code: 401}},
		{name: "net_timeout", in: timeoutNetErr{}, wantRetry: true},
		{name: "plain", in: errors.New("nope")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			var qe *extract.QuotaError
			if isQuota := errors.As(got, &qe); isQuota != tt.wantQuota {
				t.Fatalf("quota=%v want=%v (err=%T %v)", isQuota, tt.wantQuota, got, got)
			}
			if isTransient := extract.IsTransient(got); isTransient != tt.wantRetry {
				t.Fatalf("transient=%v want=%v (err=%T %v)", isTransient, tt.wantRetry, got, got)
			}
		})
	}
}

func TestRetryAfterFrom(t *testing.T) {
	apiErr := genai.APIError{
		Code: 429,
		Details: []map[string]any{
			{"@type": "type.googleapis.com/google.rpc.ErrorInfo", "reason": "RATE_LIMIT_EXCEEDED"},
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "7s"},
		},
	}
	if got := retryAfterFrom(apiErr); got != 7*time.Second {
		t.Fatalf("retryAfter = %v, want 7s", got)
	}

	if got := retryAfterFrom(genai.APIError{Code: 429}); got != 0 {
		t.Fatalf("retryAfter = %v, want 0 without RetryInfo", got)
	}
}

func TestResponseSchemaFromContract(t *testing.T) {
	s := ResponseSchema(contract.DefaultReviewSummary())
	if s.Type != genai.TypeObject {
		t.Fatalf("schema type = %v", s.Type)
	}
	if s.Properties["summary"] == nil || s.Properties["summary"].Type != genai.TypeString {
		t.Fatalf("summary schema missing or wrong: %#v", s.Properties["summary"])
	}
	if s.Properties["highlights"] == nil || s.Properties["highlights"].Type != genai.TypeArray {
		t.Fatalf("highlights schema missing or wrong: %#v", s.Properties["highlights"])
	}
	want := map[string]bool{"summary": true, "highlights": true}
	if len(s.Required) != len(want) {
		t.Fatalf("required = %v", s.Required)
	}
	for _, name := range s.Required {
		if !want[name] {
			t.Fatalf("unexpected required field %q", name)
		}
	}
}
