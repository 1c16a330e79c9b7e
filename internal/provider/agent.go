package provider

import (
	"strings"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// Agent status label suffixes appended to the configured agent label.
const (
	SuffixInProgress = "-in-progress"
	SuffixNeedsInput = "-needs-input"
	SuffixDone       = "-done"
	SuffixFailed     = "-failed"
)

// AgentStatusFromIssue derives the task status from the labels and state of
// the tracked issue or PR. The boolean is false when nothing on the issue
// says anything about agent progress.
func AgentStatusFromIssue(agentLabel string, labels []string, state string) (domain.AgentTaskStatus, bool) {
	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[strings.ToLower(strings.TrimSpace(l))] = true
	}
	base := strings.ToLower(agentLabel)
	switch {
	case has[base+SuffixFailed]:
		return domain.TaskFailed, true
	case has[base+SuffixDone], strings.EqualFold(state, "closed"):
		return domain.TaskCompleted, true
	case has[base+SuffixNeedsInput]:
		return domain.TaskNeedsInput, true
	case has[base+SuffixInProgress]:
		return domain.TaskRunning, true
	}
	return "", false
}
