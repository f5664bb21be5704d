package classifier

import (
	"context"

	"report-verify-pipeline/models"
)

// Client abstracts the external classification service.
// Implementations must be concurrency-safe.
type Client interface {
	// Classify judges whether the image shows a genuine civic issue.
	Classify(ctx context.Context, image []byte, hint Context) (*Result, error)
	// SourceName returns a short provider label recorded on the timeline.
	SourceName() string
}

// Context is the textual information sent along with the image.
type Context struct {
	Title       string
	Description string
	Category    models.Category
}

// Result is the classifier verdict.
type Result struct {
	IsValid   bool            `json:"is_valid"`
	Category  models.Category `json:"category"`
	Severity  int             `json:"severity"`
	Rationale string          `json:"rationale"`
}
