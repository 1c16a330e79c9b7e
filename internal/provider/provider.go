// Package provider is the boundary to the source-control host. It defines
// the Client interface the engine consumes, the error kinds every call maps
// to, and a GitHub REST implementation.
//
// All calls are fallible, possibly slow remote operations; callers must not
// assume atomicity across two calls.
package provider

import (
	"context"
	"time"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// Client is the collaborator consumed by the engine.
type Client interface {
	ListPRsForUser(ctx context.Context, login string) ([]PullRequest, error)
	GetPR(ctx context.Context, repo string, number int) (*PullRequest, error)
	GetChecks(ctx context.Context, repo string, number int) (*CheckSummary, error)
	GetReviews(ctx context.Context, repo string, number int) ([]Review, error)
	RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error
	MergePR(ctx context.Context, repo string, number int, method string) (*MergeResult, error)
	RerunChecks(ctx context.Context, repo string, number int) (int, error)
	DelegateToAgent(ctx context.Context, req DelegateRequest) (*DelegateAck, error)
	AgentStatus(ctx context.Context, repo string, number int) (*AgentState, error)
}

// PullRequest is the subset of PR metadata the engine reads.
type PullRequest struct {
	Repo      string    `json:"repo"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	Author    string    `json:"author"`
	HeadSHA   string    `json:"head_sha,omitempty"`
	Mergeable *bool     `json:"mergeable,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Check is one CI check run.
type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// CheckSummary aggregates the check runs on a PR head commit.
type CheckSummary struct {
	Total   int     `json:"total"`
	Passed  int     `json:"passed"`
	Failed  int     `json:"failed"`
	Pending int     `json:"pending"`
	Checks  []Check `json:"checks,omitempty"`
}

// AllGreen reports whether at least one check exists and none failed or
// is still running.
func (s CheckSummary) AllGreen() bool {
	return s.Total > 0 && s.Failed == 0 && s.Pending == 0
}

// Summarize tallies checks into a CheckSummary.
func Summarize(checks []Check) CheckSummary {
	s := CheckSummary{Total: len(checks), Checks: checks}
	for _, c := range checks {
		switch {
		case c.Status != "completed":
			s.Pending++
		case c.Conclusion == "success" || c.Conclusion == "neutral" || c.Conclusion == "skipped":
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s
}

// Review states as reported by GitHub.
const (
	ReviewApproved         = "APPROVED"
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
)

// Review is one submitted PR review.
type Review struct {
	Reviewer    string    `json:"reviewer"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// CountApprovals counts reviewers whose latest review is an approval.
func CountApprovals(reviews []Review) int {
	latest := make(map[string]Review, len(reviews))
	for _, r := range reviews {
		if prev, ok := latest[r.Reviewer]; ok && prev.SubmittedAt.After(r.SubmittedAt) {
			continue
		}
		latest[r.Reviewer] = r
	}
	n := 0
	for _, r := range latest {
		if r.State == ReviewApproved {
			n++
		}
	}
	return n
}

// MergeResult is returned by a successful merge.
type MergeResult struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message,omitempty"`
}

// DelegateRequest hands an issue or PR to an external agent.
type DelegateRequest struct {
	Provider    string
	Repo        string
	IssueNumber int
	PRNumber    int
	Instruction string
}

// Number returns the issue number, falling back to the PR number.
func (r DelegateRequest) Number() int {
	if r.IssueNumber > 0 {
		return r.IssueNumber
	}
	return r.PRNumber
}

// DelegateAck is the provider acknowledgment of a delegation.
type DelegateAck struct {
	ExternalID string `json:"external_id"`
	URL        string `json:"url,omitempty"`
}

// AgentState is the provider's current view of delegated work. Seq grows
// monotonically with every provider-side change.
type AgentState struct {
	Status domain.AgentTaskStatus `json:"status"`
	Seq    int64                  `json:"seq"`
	Detail string                 `json:"detail,omitempty"`
}
