package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Client used by tests and local development. Errors
// can be injected per operation and side-effecting calls are counted.
type Fake struct {
	mu sync.Mutex

	PRs     map[string]*PullRequest // key "owner/repo#n"
	Checks  map[string]*CheckSummary
	Reviews map[string][]Review
	Agent   map[string]*AgentState

	// Errs maps an operation name (e.g. "merge_pr") to the error it returns.
	Errs map[string]error
	// Hold, when set, is received from before each side-effecting call returns.
	Hold chan struct{}

	Calls map[string]int
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{
		PRs:     map[string]*PullRequest{},
		Checks:  map[string]*CheckSummary{},
		Reviews: map[string][]Review{},
		Agent:   map[string]*AgentState{},
		Errs:    map[string]error{},
		Calls:   map[string]int{},
	}
}

var _ Client = (*Fake)(nil)

func fkey(repo string, n int) string { return fmt.Sprintf("%s#%d", strings.ToLower(repo), n) }

// AddPR registers a PR with green checks and the given number of approvals.
func (f *Fake) AddPR(repo string, n int, title string, approvals int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := fkey(repo, n)
	f.PRs[k] = &PullRequest{Repo: strings.ToLower(repo), Number: n, Title: title, State: "open", Author: "octo", HeadSHA: "sha", UpdatedAt: time.Now().UTC()}
	s := Summarize([]Check{{Name: "ci", Status: "completed", Conclusion: "success"}})
	f.Checks[k] = &s
	rs := make([]Review, 0, approvals)
	for i := 0; i < approvals; i++ {
		rs = append(rs, Review{Reviewer: fmt.Sprintf("rev%d", i), State: ReviewApproved, SubmittedAt: time.Now().UTC()})
	}
	f.Reviews[k] = rs
}

// SetChecks replaces the check summary of a PR.
func (f *Fake) SetChecks(repo string, n int, s CheckSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Checks[fkey(repo, n)] = &s
}

// SetLabels replaces the labels of a PR.
func (f *Fake) SetLabels(repo string, n int, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[fkey(repo, n)]; ok {
		pr.Labels = labels
	}
}

// SetAgent sets the agent status reported for repo#n.
func (f *Fake) SetAgent(repo string, n int, st *AgentState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Agent[fkey(repo, n)] = st
}

// Count returns how many times op was invoked.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[op]
}

func (f *Fake) enter(op string) error {
	f.mu.Lock()
	f.Calls[op]++
	err := f.Errs[op]
	f.mu.Unlock()
	return err
}

func (f *Fake) hold(ctx context.Context, op string) error {
	if f.Hold == nil {
		return nil
	}
	select {
	case <-f.Hold:
		return nil
	case <-ctx.Done():
		return Timeout(op, ctx.Err())
	}
}

func (f *Fake) pr(op, repo string, n int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.PRs[fkey(repo, n)]
	if !ok {
		return nil, Rejected(op, 404, "Not Found")
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) ListPRsForUser(_ context.Context, _ string) ([]PullRequest, error) {
	if err := f.enter("list_prs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PullRequest, 0, len(f.PRs))
	for _, pr := range f.PRs {
		out = append(out, *pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repo != out[j].Repo {
			return out[i].Repo < out[j].Repo
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (f *Fake) GetPR(_ context.Context, repo string, n int) (*PullRequest, error) {
	if err := f.enter("get_pr"); err != nil {
		return nil, err
	}
	return f.pr("get_pr", repo, n)
}

func (f *Fake) GetChecks(_ context.Context, repo string, n int) (*CheckSummary, error) {
	if err := f.enter("get_checks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Checks[fkey(repo, n)]
	if !ok {
		return nil, Rejected("get_checks", 404, "Not Found")
	}
	cp := *s
	return &cp, nil
}

func (f *Fake) GetReviews(_ context.Context, repo string, n int) ([]Review, error) {
	if err := f.enter("get_reviews"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Review(nil), f.Reviews[fkey(repo, n)]...), nil
}

func (f *Fake) RequestReviewers(ctx context.Context, repo string, n int, reviewers []string) error {
	if err := f.enter("request_reviewers"); err != nil {
		return err
	}
	if err := f.hold(ctx, "request_reviewers"); err != nil {
		return err
	}
	_, err := f.pr("request_reviewers", repo, n)
	return err
}

func (f *Fake) MergePR(ctx context.Context, repo string, n int, method string) (*MergeResult, error) {
	if err := f.enter("merge_pr"); err != nil {
		return nil, err
	}
	if err := f.hold(ctx, "merge_pr"); err != nil {
		return nil, err
	}
	if _, err := f.pr("merge_pr", repo, n); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.PRs[fkey(repo, n)].State = "closed"
	f.mu.Unlock()
	return &MergeResult{SHA: "merged-" + method, Merged: true, Message: "Pull Request successfully merged"}, nil
}

func (f *Fake) RerunChecks(ctx context.Context, repo string, n int) (int, error) {
	if err := f.enter("rerun_checks"); err != nil {
		return 0, err
	}
	if err := f.hold(ctx, "rerun_checks"); err != nil {
		return 0, err
	}
	if _, err := f.pr("rerun_checks", repo, n); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *Fake) DelegateToAgent(ctx context.Context, req DelegateRequest) (*DelegateAck, error) {
	if err := f.enter("delegate"); err != nil {
		return nil, err
	}
	if err := f.hold(ctx, "delegate"); err != nil {
		return nil, err
	}
	return &DelegateAck{ExternalID: "fake:" + fkey(req.Repo, req.Number())}, nil
}

func (f *Fake) AgentStatus(_ context.Context, repo string, n int) (*AgentState, error) {
	if err := f.enter("agent_status"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.Agent[fkey(repo, n)]
	if !ok || st == nil {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}
