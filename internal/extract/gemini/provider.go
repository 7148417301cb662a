// Package gemini implements the extraction provider on the Gemini API with
// schema-constrained JSON output.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/dinedex/enricher/internal/contract"
	"github.com/dinedex/enricher/internal/extract"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// MaxOutputTokens caps the generation budget per call. <=0 leaves the
	// model default.
	MaxOutputTokens int32
}

// Provider issues completion calls to Gemini. The output contract is
// compiled into a response schema once, so the model is structurally
// constrained before the validator ever sees its output.
type Provider struct {
	client    *genai.Client
	model     string
	maxTokens int32
	schema    *genai.Schema
}

func New(ctx context.Context, cfg Config, c *contract.Contract) (*Provider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:    client,
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: cfg.MaxOutputTokens,
		schema:    ResponseSchema(c),
	}, nil
}

func (p *Provider) Complete(ctx context.Context, req extract.Request) (extract.Completion, error) {
	gc := &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
		ResponseSchema:   p.schema,
	}
	if p.maxTokens > 0 {
		gc.MaxOutputTokens = p.maxTokens
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), gc)
	if err != nil {
		return extract.Completion{}, classifyErr(err)
	}

	return extract.Completion{
		Text:  resp.Text(),
		Usage: usageFrom(resp),
	}, nil
}

// ResponseSchema renders the output contract as a Gemini response schema.
func ResponseSchema(c *contract.Contract) *genai.Schema {
	props := make(map[string]*genai.Schema, len(c.Fields))
	for _, f := range c.Fields {
		switch f.Type {
		case "array":
			props[f.Name] = &genai.Schema{
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			}
		case "number":
			props[f.Name] = &genai.Schema{Type: genai.TypeNumber}
		case "integer":
			props[f.Name] = &genai.Schema{Type: genai.TypeInteger}
		case "boolean":
			props[f.Name] = &genai.Schema{Type: genai.TypeBoolean}
		default:
			props[f.Name] = &genai.Schema{Type: genai.TypeString}
		}
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   c.Required(),
	}
}

// classifyErr maps provider failures onto the pipeline's error taxonomy:
// 429 escalates the governor cooldown, 5xx and network timeouts retry with
// backoff, anything else is terminal.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return &extract.QuotaError{Err: err, RetryAfter: retryAfterFrom(apiErr)}
		}
		if apiErr.Code/100 == 5 {
			return &extract.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &extract.TransientError{Err: err}
	}
	return err
}

// retryAfterFrom digs the RetryInfo detail out of a quota rejection.
// Gemini reports it as a duration string ("7s"); absence yields zero and
// the governor falls back to its own exponential cooldown.
func retryAfterFrom(apiErr genai.APIError) time.Duration {
	for _, detail := range apiErr.Details {
		typ, _ := detail["@type"].(string)
		if !strings.Contains(typ, "RetryInfo") {
			continue
		}
		raw, _ := detail["retryDelay"].(string)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err == nil && d > 0 {
			return d
		}
	}
	return 0
}

func usageFrom(resp *genai.GenerateContentResponse) extract.TokenUsage {
	if resp == nil || resp.UsageMetadata == nil {
		return extract.TokenUsage{}
	}
	m := resp.UsageMetadata
	return extract.TokenUsage{
		Prompt:     int64(m.PromptTokenCount),
		Completion: int64(m.CandidatesTokenCount),
		Total:      int64(m.TotalTokenCount),
	}
}
