package services

import (
	"fmt"
	"strings"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
)

// Summarize renders the one-line description of a side effect that is read
// back before confirmation and stored on the pending action.
func Summarize(p domain.Payload) string {
	switch v := p.(type) {
	case *domain.RequestReviewPayload:
		return fmt.Sprintf("request review from %s on %s", joinAnd(v.Reviewers), v.Target())
	case *domain.MergePayload:
		if v.Method != "" && v.Method != "merge" {
			return fmt.Sprintf("merge %s (%s)", v.Target(), v.Method)
		}
		return "merge " + v.Target()
	case *domain.RerunChecksPayload:
		return "re-run failed checks on " + v.Target()
	case *domain.DelegatePayload:
		return fmt.Sprintf("ask the agent to %q on %s", v.Instruction, v.Target())
	}
	return string(p.Action()) + " " + p.Target()
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return "nobody"
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

func describePRList(prs []provider.PullRequest) string {
	if len(prs) == 0 {
		return "you have no open pull requests."
	}
	msg := "you have " + plural(len(prs), "open pull request", "open pull requests")
	const spoken = 3
	parts := make([]string, 0, spoken)
	for i, pr := range prs {
		if i == spoken {
			break
		}
		parts = append(parts, fmt.Sprintf("%s#%d %s", pr.Repo, pr.Number, pr.Title))
	}
	return msg + ": " + strings.Join(parts, "; ") + "."
}

func describePR(target string, s *PRSummary) string {
	var b strings.Builder
	b.WriteString(target)
	if s.PR != nil {
		fmt.Fprintf(&b, " %q by %s", s.PR.Title, s.PR.Author)
		if s.PR.Draft {
			b.WriteString(" (draft)")
		}
	}
	b.WriteString(": ")
	if s.Checks == nil || s.Checks.Total == 0 {
		b.WriteString("no checks reported")
	} else {
		switch {
		case s.Checks.AllGreen():
			fmt.Fprintf(&b, "all %s passing", plural(s.Checks.Total, "check", "checks"))
		case s.Checks.Failed > 0:
			fmt.Fprintf(&b, "%d of %d checks failing", s.Checks.Failed, s.Checks.Total)
		default:
			fmt.Fprintf(&b, "%d of %d checks pending", s.Checks.Pending, s.Checks.Total)
		}
	}
	fmt.Fprintf(&b, ", %s.", plural(s.Approvals, "approval", "approvals"))
	return b.String()
}

func describeTasks(tasks []domain.AgentTask) string {
	if len(tasks) == 0 {
		return "no agent tasks found."
	}
	parts := make([]string, 0, len(tasks))
	for _, t := range tasks {
		parts = append(parts, fmt.Sprintf("%s#%d is %s", t.RepoFullName, t.Number(), strings.ReplaceAll(string(t.Status), "_", " ")))
	}
	return strings.Join(parts, "; ") + "."
}
