package pipeline

import (
	"strings"

	"github.com/dinedex/enricher/internal/extract"
)

// reviewSummaryPrompt is the default prompt for the review-summary
// contract. The item payload carries the restaurant record as JSON.
func reviewSummaryPrompt(item extract.WorkItem) string {
	// Keep this prompt public-safe: the payload is scraped public review
	// text, never anything private.
	header := strings.TrimSpace(`
You are a restaurant data extraction tool. Given a restaurant record with
customer reviews, produce a structured summary.

Return ONLY a single JSON object with these keys:
- summary (string; 40-120 words synthesizing the reviews)
- highlights (array of strings; dishes or qualities reviewers praise)
- rating (integer 1-5; overall sentiment of the reviews)
- neighborhood (string; empty string if the reviews do not mention one)

Rules:
- Base every field on the reviews alone. Never invent dishes or places.
- Do not include markdown, code fences, or any text outside the JSON object.

Restaurant record:
`)
	return header + "\n" + item.Payload
}
