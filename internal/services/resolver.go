package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/utterance"
)

// Slot names understood by the resolver.
const (
	SlotRepo        = "repo"
	SlotNumber      = "number"
	SlotReviewers   = "reviewers"
	SlotMethod      = "method"
	SlotInstruction = "instruction"
	SlotChoice      = "choice"
)

// ResolveInput is one parsed utterance.
type ResolveInput struct {
	UserID     string
	Login      string
	Intent     string
	Confidence float64
	Entities   map[string]string
	Transcript string
}

// Clarification is a single follow-up question plus the candidate answers.
type Clarification struct {
	Question   string        `json:"question"`
	Slot       string        `json:"slot"`
	Candidates []string      `json:"candidates"`
	Intent     domain.Intent `json:"intent"`
}

// Resolution is either a resolved payload or a clarification.
type Resolution struct {
	Intent        domain.Intent
	Payload       domain.Payload
	Clarification *Clarification
	Entities      map[string]string
}

type pendingClarification struct {
	clar     Clarification
	values   []string
	entities map[string]string
	expires  time.Time
}

// IntentResolver turns (intent, confidence, entities) into a fully resolved
// action payload, asking one question when a slot is ambiguous. Open
// questions live in memory per user and survive at most one follow-up turn.
type IntentResolver struct {
	DB       *gorm.DB
	Provider provider.Client

	Threshold    float64
	TTL          time.Duration
	ActiveWindow time.Duration
	Now          func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingClarification
}

func (r *IntentResolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Resolve resolves in. It returns ErrLowConfidence below the threshold and
// ErrUnknownIntent for names outside the enumeration. A context.select
// answers the open question; any other utterance discards it.
func (r *IntentResolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	tr := otel.Tracer("services/IntentResolver")
	ctx, span := tr.Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("intent", in.Intent),
		),
	)
	defer span.End()

	if in.Confidence < r.Threshold {
		return nil, ErrLowConfidence
	}
	intent := domain.Intent(strings.TrimSpace(in.Intent))
	if !intent.Known() {
		return nil, ErrUnknownIntent
	}

	pc := r.take(in.UserID)
	if intent == domain.IntentSelect {
		if pc == nil {
			return nil, ErrNoPendingClarification
		}
		value, ok := pick(pc, in)
		if !ok {
			return nil, fmt.Errorf("%w: could not tell which one you meant", ErrAmbiguousInput)
		}
		ents := cloneEntities(pc.entities)
		ents[pc.clar.Slot] = value
		return r.resolve(ctx, in, pc.clar.Intent, ents)
	}
	if intent == domain.IntentConfirm || intent == domain.IntentCancel {
		return &Resolution{Intent: intent, Entities: in.Entities}, nil
	}
	return r.resolve(ctx, in, intent, cloneEntities(in.Entities))
}

func (r *IntentResolver) resolve(ctx context.Context, in ResolveInput, intent domain.Intent, ents map[string]string) (*Resolution, error) {
	action, _ := intent.Action()
	repoName := domain.NormalizeRepo(ents[SlotRepo])
	number, err := parseNumber(ents)
	if err != nil {
		return nil, err
	}

	if action.NeedsRepo() && repoName == "" {
		cands, err := r.repoCandidates(ctx, in, number)
		if err != nil {
			return nil, err
		}
		if len(cands) == 1 {
			repoName = cands[0]
			ents[SlotRepo] = repoName
		} else {
			q := "Which repository?"
			if len(cands) > 1 {
				q = "Which repository did you mean: " + joinOr(cands) + "?"
			}
			return r.ask(in.UserID, intent, ents, SlotRepo, q, cands, cands), nil
		}
	}

	if action.NeedsNumber() && number == 0 {
		labels, values := r.prCandidates(ctx, in, repoName)
		if len(values) == 1 {
			number, _ = strconv.Atoi(values[0])
			ents[SlotNumber] = values[0]
		} else {
			q := fmt.Sprintf("Which pull request in %s?", repoName)
			if len(values) > 1 {
				q = fmt.Sprintf("Which pull request in %s: %s?", repoName, joinOr(labels))
			}
			return r.ask(in.UserID, intent, ents, SlotNumber, q, labels, values), nil
		}
	}

	p, err := buildPayload(action, repoName, number, ents, in)
	if err != nil {
		return nil, err
	}
	return &Resolution{Intent: intent, Payload: domain.Normalize(p), Entities: ents}, nil
}

func buildPayload(action domain.ActionType, repoName string, number int, ents map[string]string, in ResolveInput) (domain.Payload, error) {
	switch action {
	case domain.ActionRequestReview:
		reviewers := splitList(ents[SlotReviewers])
		if len(reviewers) == 0 {
			return nil, fmt.Errorf("%w: who should review?", ErrInvalidInput)
		}
		return &domain.RequestReviewPayload{Repo: repoName, PRNumber: number, Reviewers: reviewers}, nil
	case domain.ActionMerge:
		return &domain.MergePayload{Repo: repoName, PRNumber: number, Method: ents[SlotMethod]}, nil
	case domain.ActionRerunChecks:
		return &domain.RerunChecksPayload{Repo: repoName, PRNumber: number}, nil
	case domain.ActionAgentDelegate:
		instr := strings.TrimSpace(ents[SlotInstruction])
		if instr == "" {
			instr = strings.TrimSpace(in.Transcript)
		}
		if instr == "" {
			return nil, fmt.Errorf("%w: what should the agent do?", ErrInvalidInput)
		}
		p := &domain.DelegatePayload{Provider: ents["provider"], Repo: repoName, Instruction: instr}
		if strings.TrimSpace(ents["pr_number"]) != "" {
			p.PRNumber = number
		} else {
			p.IssueNumber = number
		}
		return p, nil
	default:
		return &domain.ReadPayload{Type: action, Repo: repoName, Number: number, Login: in.Login}, nil
	}
}

// repoCandidates lists the repositories a missing repo slot may refer to:
// recently active repositories, narrowed to those with PR #number when a
// number was given.
func (r *IntentResolver) repoCandidates(ctx context.Context, in ResolveInput, number int) ([]string, error) {
	recent, err := repo.RecentRepos(ctx, r.DB, in.UserID, r.now().Add(-r.ActiveWindow))
	if err != nil {
		return nil, err
	}
	if number <= 0 || r.Provider == nil || len(recent) == 1 {
		return recent, nil
	}

	prs, err := r.Provider.ListPRsForUser(ctx, in.Login)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("pull request lookup for repo disambiguation failed")
		return recent, nil
	}
	withNumber := make(map[string]bool)
	var owners []string
	for _, pr := range prs {
		if pr.Number == number {
			name := domain.NormalizeRepo(pr.Repo)
			if !withNumber[name] {
				withNumber[name] = true
				owners = append(owners, name)
			}
		}
	}
	if len(recent) == 0 {
		return owners, nil
	}
	var narrowed []string
	for _, name := range recent {
		if withNumber[name] {
			narrowed = append(narrowed, name)
		}
	}
	if len(narrowed) == 0 {
		return recent, nil
	}
	return narrowed, nil
}

// prCandidates lists the caller's open pull requests in repoName.
func (r *IntentResolver) prCandidates(ctx context.Context, in ResolveInput, repoName string) (labels, values []string) {
	if r.Provider == nil {
		return nil, nil
	}
	prs, err := r.Provider.ListPRsForUser(ctx, in.Login)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("pull request lookup for number disambiguation failed")
		return nil, nil
	}
	for _, pr := range prs {
		if domain.NormalizeRepo(pr.Repo) != repoName {
			continue
		}
		labels = append(labels, fmt.Sprintf("#%d %s", pr.Number, pr.Title))
		values = append(values, strconv.Itoa(pr.Number))
	}
	return labels, values
}

func (r *IntentResolver) ask(userID string, intent domain.Intent, ents map[string]string, slot, question string, labels, values []string) *Resolution {
	c := Clarification{
		Question:   question,
		Slot:       slot,
		Candidates: append([]string{}, labels...),
		Intent:     intent,
	}
	r.mu.Lock()
	if r.pending == nil {
		r.pending = make(map[string]*pendingClarification)
	}
	r.pending[userID] = &pendingClarification{
		clar:     c,
		values:   append([]string{}, values...),
		entities: ents,
		expires:  r.now().Add(r.TTL),
	}
	r.mu.Unlock()
	return &Resolution{Intent: intent, Clarification: &c, Entities: ents}
}

// take removes and returns userID's open question, if still live.
func (r *IntentResolver) take(userID string) *pendingClarification {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pending[userID]
	if !ok {
		return nil
	}
	delete(r.pending, userID)
	if !r.now().Before(pc.expires) {
		return nil
	}
	return pc
}

// Discard drops userID's open question.
func (r *IntentResolver) Discard(userID string) {
	r.mu.Lock()
	delete(r.pending, userID)
	r.mu.Unlock()
}

// HasPending reports whether userID has a live open question.
func (r *IntentResolver) HasPending(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.pending[userID]
	return ok && r.now().Before(pc.expires)
}

// Prune drops expired questions and returns how many were removed.
func (r *IntentResolver) Prune() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, pc := range r.pending {
		if !now.Before(pc.expires) {
			delete(r.pending, id)
			n++
		}
	}
	return n
}

// pick maps a context.select answer onto one of the candidate values: an
// explicit 1-based choice, an exact value for the slot, or the transcript
// matched against the candidate labels.
func pick(pc *pendingClarification, in ResolveInput) (string, bool) {
	if c := strings.TrimSpace(in.Entities[SlotChoice]); c != "" {
		if i, err := strconv.Atoi(c); err == nil && i >= 1 && i <= len(pc.values) {
			return pc.values[i-1], true
		}
	}
	if v := strings.TrimSpace(in.Entities[pc.clar.Slot]); v != "" {
		if pc.clar.Slot == SlotRepo {
			v = domain.NormalizeRepo(v)
		} else {
			v = strings.TrimPrefix(v, "#")
		}
		if len(pc.values) == 0 {
			return v, true
		}
		for _, cand := range pc.values {
			if cand == v {
				return v, true
			}
		}
	}
	answer := in.Transcript
	if answer == "" {
		answer = in.Entities["value"]
	}
	if i := utterance.Match(answer, pc.clar.Candidates); i >= 0 && i < len(pc.values) {
		return pc.values[i], true
	}
	return "", false
}

func parseNumber(ents map[string]string) (int, error) {
	for _, k := range []string{SlotNumber, "pr_number", "issue_number"} {
		v := strings.TrimPrefix(strings.TrimSpace(ents[k]), "#")
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: %q is not a pull request number", ErrInvalidInput, ents[k])
		}
		return n, nil
	}
	return 0, nil
}

func splitList(s string) []string {
	f := func(r rune) bool { return r == ',' || r == ' ' || r == ';' }
	var out []string
	for _, p := range strings.FieldsFunc(s, f) {
		if p != "and" {
			out = append(out, p)
		}
	}
	return out
}

func joinOr(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " or " + items[len(items)-1]
}

func cloneEntities(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
