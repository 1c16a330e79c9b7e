package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// Intent is a normalized intent name supplied by the NLU collaborator.
type Intent string

const (
	IntentPRList        Intent = "pr.list"
	IntentPRSummarize   Intent = "pr.summarize"
	IntentPRStatus      Intent = "pr.status"
	IntentRequestReview Intent = "pr.request_review"
	IntentMerge         Intent = "pr.merge"
	IntentRerunChecks   Intent = "pr.rerun_checks"
	IntentAgentDelegate Intent = "agent.delegate"
	IntentAgentStatus   Intent = "agent.status"

	IntentConfirm Intent = "confirmation.confirm"
	IntentCancel  Intent = "confirmation.cancel"
	IntentSelect  Intent = "context.select"
)

// ActionType identifies a resolved request. Action types share their names
// with the intents that produce them.
type ActionType string

const (
	ActionPRList        ActionType = "pr.list"
	ActionPRSummarize   ActionType = "pr.summarize"
	ActionPRStatus      ActionType = "pr.status"
	ActionRequestReview ActionType = "pr.request_review"
	ActionMerge         ActionType = "pr.merge"
	ActionRerunChecks   ActionType = "pr.rerun_checks"
	ActionAgentDelegate ActionType = "agent.delegate"
	ActionAgentStatus   ActionType = "agent.status"
)

var actionIntents = map[Intent]ActionType{
	IntentPRList:        ActionPRList,
	IntentPRSummarize:   ActionPRSummarize,
	IntentPRStatus:      ActionPRStatus,
	IntentRequestReview: ActionRequestReview,
	IntentMerge:         ActionMerge,
	IntentRerunChecks:   ActionRerunChecks,
	IntentAgentDelegate: ActionAgentDelegate,
	IntentAgentStatus:   ActionAgentStatus,
}

// Known reports whether i belongs to the supported enumeration.
func (i Intent) Known() bool {
	if _, ok := actionIntents[i]; ok {
		return true
	}
	switch i {
	case IntentConfirm, IntentCancel, IntentSelect:
		return true
	}
	return false
}

// Action returns the action type an intent resolves to, if any.
func (i Intent) Action() (ActionType, bool) {
	a, ok := actionIntents[i]
	return a, ok
}

// SideEffecting reports whether executing a changes remote state.
func (a ActionType) SideEffecting() bool {
	switch a {
	case ActionRequestReview, ActionMerge, ActionRerunChecks, ActionAgentDelegate:
		return true
	}
	return false
}

// Irreversible reports whether a cannot be undone once executed.
func (a ActionType) Irreversible() bool { return a == ActionMerge }

// NeedsRepo reports whether a requires the repo slot.
func (a ActionType) NeedsRepo() bool { return a != ActionPRList && a != ActionAgentStatus }

// NeedsNumber reports whether a requires an issue/PR number slot.
func (a ActionType) NeedsNumber() bool { return a.NeedsRepo() }

// Payload is the fully-resolved request for one action type.
type Payload interface {
	Action() ActionType
	// Target is a stable "owner/repo#n" (or "owner/repo") identifier.
	Target() string
	normalize()
}

// ReadPayload carries the slots of the non-side-effecting actions.
type ReadPayload struct {
	Type   ActionType `json:"type"`
	Repo   string     `json:"repo,omitempty"`
	Number int        `json:"number,omitempty"`
	Login  string     `json:"login,omitempty"`
}

// RequestReviewPayload asks reviewers to review a pull request.
type RequestReviewPayload struct {
	Repo      string   `json:"repo"`
	PRNumber  int      `json:"pr_number"`
	Reviewers []string `json:"reviewers"`
}

// MergePayload merges a pull request using Method (merge|squash|rebase).
type MergePayload struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	Method   string `json:"method"`
}

// RerunChecksPayload re-runs failed checks on a pull request.
type RerunChecksPayload struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
}

// DelegatePayload hands an issue or PR to an external agent.
type DelegatePayload struct {
	Provider    string `json:"provider"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	Instruction string `json:"instruction"`
}

func (p *ReadPayload) Action() ActionType          { return p.Type }
func (p *RequestReviewPayload) Action() ActionType { return ActionRequestReview }
func (p *MergePayload) Action() ActionType         { return ActionMerge }
func (p *RerunChecksPayload) Action() ActionType   { return ActionRerunChecks }
func (p *DelegatePayload) Action() ActionType      { return ActionAgentDelegate }

func (p *ReadPayload) Target() string {
	if p.Repo == "" {
		return p.Login
	}
	return target(p.Repo, p.Number)
}
func (p *RequestReviewPayload) Target() string { return target(p.Repo, p.PRNumber) }
func (p *MergePayload) Target() string         { return target(p.Repo, p.PRNumber) }
func (p *RerunChecksPayload) Target() string   { return target(p.Repo, p.PRNumber) }
func (p *DelegatePayload) Target() string {
	if p.IssueNumber > 0 {
		return target(p.Repo, p.IssueNumber)
	}
	return target(p.Repo, p.PRNumber)
}

func (p *ReadPayload) normalize() {
	p.Repo = NormalizeRepo(p.Repo)
	p.Login = strings.TrimSpace(p.Login)
}

func (p *RequestReviewPayload) normalize() {
	p.Repo = NormalizeRepo(p.Repo)
	seen := make(map[string]struct{}, len(p.Reviewers))
	out := make([]string, 0, len(p.Reviewers))
	for _, r := range p.Reviewers {
		r = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r), "@"))
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	p.Reviewers = out
}

func (p *MergePayload) normalize() {
	p.Repo = NormalizeRepo(p.Repo)
	p.Method = strings.ToLower(strings.TrimSpace(p.Method))
	switch p.Method {
	case "squash", "rebase":
	default:
		p.Method = "merge"
	}
}

func (p *RerunChecksPayload) normalize() { p.Repo = NormalizeRepo(p.Repo) }

func (p *DelegatePayload) normalize() {
	p.Repo = NormalizeRepo(p.Repo)
	p.Provider = strings.ToLower(strings.TrimSpace(p.Provider))
	if p.Provider == "" {
		p.Provider = "github"
	}
	p.Instruction = strings.Join(strings.Fields(p.Instruction), " ")
}

// Normalize canonicalizes p in place (lower-cased repo, sorted unique
// reviewers, defaulted merge method) so equal intents encode equally.
func Normalize(p Payload) Payload {
	p.normalize()
	return p
}

// NormalizeRepo lower-cases and trims an "owner/repo" name.
func NormalizeRepo(repo string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(repo), "/"))
}

// EncodePayload normalizes p and serializes it for storage.
func EncodePayload(p Payload) (datatypes.JSON, error) {
	p.normalize()
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// DecodePayload restores the typed payload for action type a.
func DecodePayload(a ActionType, raw []byte) (Payload, error) {
	var p Payload
	switch a {
	case ActionRequestReview:
		p = &RequestReviewPayload{}
	case ActionMerge:
		p = &MergePayload{}
	case ActionRerunChecks:
		p = &RerunChecksPayload{}
	case ActionAgentDelegate:
		p = &DelegatePayload{}
	case ActionPRList, ActionPRSummarize, ActionPRStatus, ActionAgentStatus:
		p = &ReadPayload{Type: a}
	default:
		return nil, fmt.Errorf("unknown action type %q", a)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", a, err)
	}
	p.normalize()
	return p, nil
}

func target(repo string, n int) string {
	if n <= 0 {
		return repo
	}
	return fmt.Sprintf("%s#%d", repo, n)
}
