// Package notifybox delivers notifications about analysis results through a
// transactional outbox, and exposes an idempotent claim-based task queue for
// bot workers.
package notifybox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AggregateTypeResult tags outbox entries that reference a Result.
const AggregateTypeResult = "result"

// Result is an immutable analysis result (a code review of one pull request).
type Result struct {
	// ID is assigned by the store on insert.
	ID int64 `json:"id"`
	// PRNumber is the pull request the analysis ran against.
	PRNumber int `json:"pr_number"`
	// Repo is the "owner/name" repository slug.
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	Author string `json:"author,omitempty"`
	// SecurityResult is owned by the security audit; stored and passed through as-is.
	SecurityResult json.RawMessage `json:"security_result,omitempty"`
	// SummaryResult is owned by the summarizer; stored and passed through as-is.
	SummaryResult json.RawMessage `json:"summary_result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate ensures the minimal contract for inserting a result row.
func (r Result) Validate() error {
	if strings.TrimSpace(r.Repo) == "" {
		return fmt.Errorf("%w: repo is required", ErrInvalidArgument)
	}
	if r.PRNumber <= 0 {
		return fmt.Errorf("%w: pr_number must be positive", ErrInvalidArgument)
	}
	if len(r.SecurityResult) > 0 && !json.Valid(r.SecurityResult) {
		return fmt.Errorf("%w: security_result must be valid JSON", ErrInvalidArgument)
	}
	if len(r.SummaryResult) > 0 && !json.Valid(r.SummaryResult) {
		return fmt.Errorf("%w: summary_result must be valid JSON", ErrInvalidArgument)
	}
	return nil
}

// ReportURL links to the pull request on GitHub, or returns "" when the
// repository slug is not usable.
func (r Result) ReportURL() string {
	if r.PRNumber <= 0 || !strings.Contains(r.Repo, "/") {
		return ""
	}
	return fmt.Sprintf("https://github.com/%s/pull/%d", r.Repo, r.PRNumber)
}

// Notification is what the poller hands to a Sender: the outbox entry being
// delivered and the result it references.
type Notification struct {
	Entry  Entry  `json:"entry"`
	Result Result `json:"result"`
}
