package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIURL = "https://api.github.com"

// GitHub is a Client backed by the GitHub REST API.
type GitHub struct {
	token      string
	baseURL    string
	agentLabel string
	httpClient *http.Client
	retry      RetryOptions
}

// Option customizes a GitHub client.
type Option func(*GitHub)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option { return func(g *GitHub) { g.httpClient = c } }

// WithRetry overrides retry behavior for read-only calls.
func WithRetry(o RetryOptions) Option { return func(g *GitHub) { g.retry = o } }

// NewGitHub creates a client. An empty baseURL selects the public API.
func NewGitHub(token, baseURL, agentLabel string, opts ...Option) *GitHub {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if agentLabel == "" {
		agentLabel = "agent"
	}
	g := &GitHub{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		agentLabel: agentLabel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryOptions(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

var _ Client = (*GitHub)(nil)

// wire types

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghPull struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	User      ghUser    `json:"user"`
	Mergeable *bool     `json:"mergeable"`
	Labels    []ghLabel `json:"labels"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type ghIssue struct {
	Number        int       `json:"number"`
	Title         string    `json:"title"`
	State         string    `json:"state"`
	Draft         bool      `json:"draft"`
	User          ghUser    `json:"user"`
	Labels        []ghLabel `json:"labels"`
	HTMLURL       string    `json:"html_url"`
	RepositoryURL string    `json:"repository_url"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func labelNames(ls []ghLabel) []string {
	if len(ls) == 0 {
		return nil
	}
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Name
	}
	return out
}

func (p ghPull) toPR(repo string) *PullRequest {
	return &PullRequest{
		Repo:      repo,
		Number:    p.Number,
		Title:     p.Title,
		State:     p.State,
		Draft:     p.Draft,
		Author:    p.User.Login,
		HeadSHA:   p.Head.SHA,
		Mergeable: p.Mergeable,
		Labels:    labelNames(p.Labels),
		URL:       p.HTMLURL,
		UpdatedAt: p.UpdatedAt,
	}
}

// repoPath validates "owner/name" and returns the escaped /repos/ prefix.
func repoPath(op, repo string) (string, error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", Rejected(op, 0, fmt.Sprintf("invalid repository %q", repo))
	}
	return "/repos/" + url.PathEscape(parts[0]) + "/" + url.PathEscape(parts[1]), nil
}

// doRequest performs a call and maps failures onto *Error: 4xx answers are
// rejections, everything that leaves the outcome unknown is a timeout.
func (g *GitHub) doRequest(ctx context.Context, op, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Rejected(op, 0, "encode request: "+err.Error())
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return Rejected(op, 0, "build request: "+err.Error())
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Classify(op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &Error{Op: op, Kind: KindTimeout, Status: resp.StatusCode, Message: apiMessage(respBody)}
	default:
		return Rejected(op, resp.StatusCode, apiMessage(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &Error{Op: op, Kind: KindTimeout, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
		}
	}
	return nil
}

func apiMessage(body []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &m) == nil && m.Message != "" {
		return m.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ListPRsForUser returns open pull requests that involve login.
func (g *GitHub) ListPRsForUser(ctx context.Context, login string) ([]PullRequest, error) {
	const op = "list_prs"
	q := url.Values{}
	q.Set("q", "is:pr is:open involves:"+login)
	q.Set("per_page", "50")
	path := "/search/issues?" + q.Encode()

	return withRetry(ctx, g.retry, func() ([]PullRequest, error) {
		var res struct {
			Items []ghIssue `json:"items"`
		}
		if err := g.doRequest(ctx, op, http.MethodGet, path, nil, &res); err != nil {
			return nil, err
		}
		out := make([]PullRequest, 0, len(res.Items))
		for _, it := range res.Items {
			out = append(out, PullRequest{
				Repo:      repoFromURL(it.RepositoryURL),
				Number:    it.Number,
				Title:     it.Title,
				State:     it.State,
				Draft:     it.Draft,
				Author:    it.User.Login,
				Labels:    labelNames(it.Labels),
				URL:       it.HTMLURL,
				UpdatedAt: it.UpdatedAt,
			})
		}
		return out, nil
	})
}

// repoFromURL extracts "owner/name" from an API repository URL.
func repoFromURL(u string) string {
	i := strings.Index(u, "/repos/")
	if i < 0 {
		return ""
	}
	return strings.ToLower(u[i+len("/repos/"):])
}

// GetPR fetches a single pull request.
func (g *GitHub) GetPR(ctx context.Context, repo string, number int) (*PullRequest, error) {
	const op = "get_pr"
	base, err := repoPath(op, repo)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, g.retry, func() (*PullRequest, error) {
		var p ghPull
		if err := g.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("%s/pulls/%d", base, number), nil, &p); err != nil {
			return nil, err
		}
		return p.toPR(strings.ToLower(repo)), nil
	})
}

// GetChecks summarizes the check runs on the PR head commit.
func (g *GitHub) GetChecks(ctx context.Context, repo string, number int) (*CheckSummary, error) {
	const op = "get_checks"
	pr, err := g.GetPR(ctx, repo, number)
	if err != nil {
		return nil, err
	}
	base, _ := repoPath(op, repo)
	return withRetry(ctx, g.retry, func() (*CheckSummary, error) {
		var res struct {
			CheckRuns []Check `json:"check_runs"`
		}
		if err := g.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("%s/commits/%s/check-runs?per_page=100", base, url.PathEscape(pr.HeadSHA)), nil, &res); err != nil {
			return nil, err
		}
		s := Summarize(res.CheckRuns)
		return &s, nil
	})
}

// GetReviews lists submitted reviews on a PR.
func (g *GitHub) GetReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	const op = "get_reviews"
	base, err := repoPath(op, repo)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, g.retry, func() ([]Review, error) {
		var res []struct {
			User        ghUser    `json:"user"`
			State       string    `json:"state"`
			SubmittedAt time.Time `json:"submitted_at"`
		}
		if err := g.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("%s/pulls/%d/reviews?per_page=100", base, number), nil, &res); err != nil {
			return nil, err
		}
		out := make([]Review, len(res))
		for i, r := range res {
			out[i] = Review{Reviewer: r.User.Login, State: r.State, SubmittedAt: r.SubmittedAt}
		}
		return out, nil
	})
}

// RequestReviewers asks the given users to review a PR.
func (g *GitHub) RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error {
	const op = "request_reviewers"
	base, err := repoPath(op, repo)
	if err != nil {
		return err
	}
	if len(reviewers) == 0 {
		return Rejected(op, 0, "no reviewers given")
	}
	body := map[string][]string{"reviewers": reviewers}
	return g.doRequest(ctx, op, http.MethodPost, fmt.Sprintf("%s/pulls/%d/requested_reviewers", base, number), body, nil)
}

// MergePR merges a PR with method "merge", "squash" or "rebase".
func (g *GitHub) MergePR(ctx context.Context, repo string, number int, method string) (*MergeResult, error) {
	const op = "merge_pr"
	base, err := repoPath(op, repo)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "merge"
	}
	var res MergeResult
	body := map[string]string{"merge_method": method}
	if err := g.doRequest(ctx, op, http.MethodPut, fmt.Sprintf("%s/pulls/%d/merge", base, number), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RerunChecks re-requests every failed check suite on the PR head commit and
// returns how many were re-requested.
func (g *GitHub) RerunChecks(ctx context.Context, repo string, number int) (int, error) {
	const op = "rerun_checks"
	pr, err := g.GetPR(ctx, repo, number)
	if err != nil {
		return 0, err
	}
	base, _ := repoPath(op, repo)

	var suites struct {
		CheckSuites []struct {
			ID         int64  `json:"id"`
			Conclusion string `json:"conclusion"`
		} `json:"check_suites"`
	}
	if err := g.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("%s/commits/%s/check-suites", base, url.PathEscape(pr.HeadSHA)), nil, &suites); err != nil {
		return 0, err
	}
	n := 0
	for _, s := range suites.CheckSuites {
		switch s.Conclusion {
		case "failure", "timed_out", "cancelled", "action_required":
		default:
			continue
		}
		if err := g.doRequest(ctx, op, http.MethodPost, fmt.Sprintf("%s/check-suites/%d/rerequest", base, s.ID), nil, nil); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, Rejected(op, 0, "no failed checks to re-run")
	}
	return n, nil
}

// DelegateToAgent labels the issue (or PR) with the agent label and posts the
// instruction as a comment. The comment id is the external reference.
func (g *GitHub) DelegateToAgent(ctx context.Context, req DelegateRequest) (*DelegateAck, error) {
	const op = "delegate"
	base, err := repoPath(op, req.Repo)
	if err != nil {
		return nil, err
	}
	n := req.Number()
	if n <= 0 {
		return nil, Rejected(op, 0, "issue or pull request number required")
	}
	labels := map[string][]string{"labels": {g.agentLabel}}
	if err := g.doRequest(ctx, op, http.MethodPost, fmt.Sprintf("%s/issues/%d/labels", base, n), labels, nil); err != nil {
		return nil, err
	}
	var c struct {
		ID      int64  `json:"id"`
		HTMLURL string `json:"html_url"`
	}
	body := map[string]string{"body": req.Instruction}
	if err := g.doRequest(ctx, op, http.MethodPost, fmt.Sprintf("%s/issues/%d/comments", base, n), body, &c); err != nil {
		return nil, err
	}
	return &DelegateAck{ExternalID: fmt.Sprintf("comment:%d", c.ID), URL: c.HTMLURL}, nil
}

// AgentStatus reads the tracked issue and maps its labels to a task status.
// Seq is the issue's updated_at in milliseconds. A nil state means the
// issue carries no agent status yet.
func (g *GitHub) AgentStatus(ctx context.Context, repo string, number int) (*AgentState, error) {
	const op = "agent_status"
	base, err := repoPath(op, repo)
	if err != nil {
		return nil, err
	}
	return withRetry(ctx, g.retry, func() (*AgentState, error) {
		var is ghIssue
		if err := g.doRequest(ctx, op, http.MethodGet, fmt.Sprintf("%s/issues/%d", base, number), nil, &is); err != nil {
			return nil, err
		}
		st, ok := AgentStatusFromIssue(g.agentLabel, labelNames(is.Labels), is.State)
		if !ok {
			return nil, nil
		}
		return &AgentState{Status: st, Seq: is.UpdatedAt.UnixMilli(), Detail: is.Title}, nil
	})
}
