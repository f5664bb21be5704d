package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"report-verify-pipeline/models"
)

// extractJSON pulls a JSON object out of a response that may wrap it in a
// markdown code block or surrounding prose.
func extractJSON(response string) string {
	const fence = "```"

	start := strings.Index(response, fence)
	if start == -1 {
		open := strings.Index(response, "{")
		end := strings.LastIndex(response, "}")
		if open == -1 || end < open {
			return response
		}
		return strings.TrimSpace(response[open : end+1])
	}

	end := strings.Index(response[start+len(fence):], fence)
	if end == -1 {
		return response
	}
	content := response[start+len(fence) : start+len(fence)+end]

	// Drop the language tag, e.g. "json".
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 {
		first := strings.TrimSpace(lines[0])
		if first == "json" || first == "" {
			content = strings.Join(lines[1:], "\n")
		}
	}
	return strings.TrimSpace(content)
}

type rawResult struct {
	IsValid   *bool   `json:"is_valid"`
	Category  string  `json:"category"`
	Severity  float64 `json:"severity"`
	Rationale string  `json:"rationale"`
}

// ParseResult parses and validates a classifier response.
func ParseResult(response string) (*Result, error) {
	var raw rawResult
	if err := json.Unmarshal([]byte(extractJSON(strings.TrimSpace(response))), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse classifier response: %w", err)
	}
	if raw.IsValid == nil {
		return nil, errors.New("is_valid is required")
	}

	category, err := models.ParseCategory(raw.Category)
	if err != nil {
		category = models.CategoryOther
	}

	severity := int(raw.Severity + 0.5)
	if *raw.IsValid && (severity < 1 || severity > 10) {
		return nil, fmt.Errorf("severity must be between 1 and 10, got %v", raw.Severity)
	}
	if !*raw.IsValid {
		severity = 0
	}

	rationale := strings.TrimSpace(raw.Rationale)
	if rationale == "" {
		return nil, errors.New("rationale is required")
	}

	return &Result{
		IsValid:   *raw.IsValid,
		Category:  category,
		Severity:  severity,
		Rationale: rationale,
	}, nil
}
