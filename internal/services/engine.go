// Package services – CommandService
//
// CommandService is the entry point for one utterance. It resolves the
// intent, consults the policy gate, issues or consumes confirmation tokens,
// executes side effects through the idempotent executor, answers read-only
// questions straight from the provider, and records the turn as a Command.
//
// Observability: Handle opens a span carrying the user id and intent; the
// outcome is attached once known.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/utils"
	"github.com/tbourn/voiceops-backend/internal/utterance"
)

// Command outcomes recorded on every turn.
const (
	OutcomeRead                 = "read"
	OutcomeExecuted             = "executed"
	OutcomeDelegated            = "delegated"
	OutcomeConfirmationRequired = "confirmation_required"
	OutcomeClarification        = "clarification"
	OutcomeCancelled            = "cancelled"
)

// CommandInput is one parsed utterance from the NLU collaborator.
type CommandInput struct {
	UserID     string
	Login      string
	InputType  string
	Transcript string
	Intent     string
	Confidence float64
	Entities   map[string]string
	// IdempotencyKey optionally overrides the derived key of a side effect.
	IdempotencyKey string
}

// PendingConfirmation is the token handed back when a side effect needs a
// spoken "confirm".
type PendingConfirmation struct {
	Token     string    `json:"token"`
	Summary   string    `json:"summary"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CommandResponse is what the caller relays to the user.
type CommandResponse struct {
	CommandID     string               `json:"command_id"`
	Intent        string               `json:"intent"`
	Status        string               `json:"status"`
	Outcome       string               `json:"outcome"`
	Message       string               `json:"message"`
	Clarification *Clarification       `json:"clarification,omitempty"`
	Confirmation  *PendingConfirmation `json:"confirmation,omitempty"`
	Result        *Result              `json:"result,omitempty"`
	AgentTask     *domain.AgentTask    `json:"agent_task,omitempty"`
	Data          any                  `json:"data,omitempty"`
}

// CommandService wires the engine components together.
type CommandService struct {
	DB       *gorm.DB
	Provider provider.Client
	Resolver *IntentResolver
	Gate     *PolicyGate
	Broker   *ConfirmationBroker
	Executor *ActionExecutor
	Tracker  *AgentTracker

	// StoreTranscripts is the privacy default for users seen for the first time.
	StoreTranscripts bool
	// Locale drives the casing of spoken replies.
	Locale language.Tag
}

// Handle processes one utterance. The returned response is non-nil whenever
// the turn was recorded; err carries the taxonomy error for failed turns.
func (s *CommandService) Handle(ctx context.Context, in CommandInput) (*CommandResponse, error) {
	tr := otel.Tracer("services/CommandService")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("intent", in.Intent),
		),
	)
	defer span.End()

	if strings.TrimSpace(in.UserID) == "" {
		return nil, ErrInvalidInput
	}
	inputType := strings.ToLower(strings.TrimSpace(in.InputType))
	switch inputType {
	case "voice", "text":
	case "":
		inputType = "text"
	default:
		return nil, fmt.Errorf("%w: input_type must be voice or text", ErrInvalidInput)
	}
	in.InputType = inputType

	user, err := repo.EnsureUser(ctx, s.DB, in.UserID, in.Login, s.StoreTranscripts)
	if err != nil {
		return nil, err
	}
	if in.Login == "" {
		in.Login = user.GitHubLogin
	}
	s.applyTranscriptFallback(&in)

	resp := &CommandResponse{CommandID: uuid.NewString(), Intent: in.Intent, Status: domain.CommandOK}
	ents := in.Entities
	var payload domain.Payload

	err = func() error {
		switch domain.Intent(in.Intent) {
		case domain.IntentConfirm:
			if in.Confidence < s.Resolver.Threshold {
				return ErrLowConfidence
			}
			s.Resolver.Discard(in.UserID)
			p, err := s.confirm(ctx, in.UserID, tokenOf(in.Entities), resp)
			payload = p
			return err
		case domain.IntentCancel:
			if in.Confidence < s.Resolver.Threshold {
				return ErrLowConfidence
			}
			s.Resolver.Discard(in.UserID)
			pa, err := s.Broker.Cancel(ctx, in.UserID, tokenOf(in.Entities))
			if err != nil {
				return err
			}
			if p, derr := domain.DecodePayload(pa.ActionType, pa.ActionPayload); derr == nil {
				payload = p
			}
			resp.Outcome = OutcomeCancelled
			resp.Message = s.sentence("cancelled: " + pa.Summary + ".")
			return nil
		}

		res, err := s.Resolver.Resolve(ctx, ResolveInput{
			UserID:     in.UserID,
			Login:      in.Login,
			Intent:     in.Intent,
			Confidence: in.Confidence,
			Entities:   in.Entities,
			Transcript: in.Transcript,
		})
		if err != nil {
			return err
		}
		resp.Intent = string(res.Intent)
		ents = res.Entities
		if res.Clarification != nil {
			resp.Status = domain.CommandNeedsConfirmation
			resp.Outcome = OutcomeClarification
			resp.Clarification = res.Clarification
			resp.Message = res.Clarification.Question
			return nil
		}
		payload = res.Payload
		if !payload.Action().SideEffecting() {
			return s.read(ctx, in, payload, resp)
		}
		return s.sideEffect(ctx, in, payload, resp)
	}()

	if err != nil {
		code, msg := Describe(err)
		resp.Status = domain.CommandError
		resp.Outcome = code
		resp.Message = msg
	}
	span.SetAttributes(attribute.String("outcome", resp.Outcome))

	s.record(ctx, user, in, ents, payload, resp)
	return resp, err
}

// applyTranscriptFallback maps a transcript onto confirm/cancel/select when
// the NLU collaborator produced nothing usable.
func (s *CommandService) applyTranscriptFallback(in *CommandInput) {
	if domain.Intent(strings.TrimSpace(in.Intent)).Known() || strings.TrimSpace(in.Transcript) == "" {
		return
	}
	switch utterance.Classify(in.Transcript) {
	case utterance.ReplyConfirm:
		in.Intent, in.Confidence = string(domain.IntentConfirm), 1
	case utterance.ReplyCancel:
		in.Intent, in.Confidence = string(domain.IntentCancel), 1
	default:
		if s.Resolver.HasPending(in.UserID) {
			in.Intent, in.Confidence = string(domain.IntentSelect), 1
		}
	}
}

// confirm re-checks the gate against fresh live data and only then consumes
// the token and executes. A Deny or a provider error during the re-check
// leaves the token pending.
func (s *CommandService) confirm(ctx context.Context, userID, token string, resp *CommandResponse) (domain.Payload, error) {
	recheck := func(ctx context.Context, payload domain.Payload) error {
		d, err := s.Gate.Evaluate(ctx, userID, payload)
		if err != nil {
			return err
		}
		return d.Err()
	}
	pa, payload, err := s.Broker.ConfirmChecked(ctx, userID, token, recheck)
	if err != nil {
		return payload, err
	}
	return payload, s.execute(ctx, userID, payload, pa.IdempotencyKey, resp)
}

// Confirm is the explicit confirmation surface (token or "latest").
func (s *CommandService) Confirm(ctx context.Context, userID, token string) (*CommandResponse, error) {
	tr := otel.Tracer("services/CommandService")
	ctx, span := tr.Start(ctx, "Confirm", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	resp := &CommandResponse{Intent: string(domain.IntentConfirm), Status: domain.CommandOK}
	if _, err := s.confirm(ctx, userID, token, resp); err != nil {
		code, msg := Describe(err)
		resp.Status, resp.Outcome, resp.Message = domain.CommandError, code, msg
		return resp, err
	}
	return resp, nil
}

// Cancel is the explicit cancellation surface (token or "latest").
func (s *CommandService) Cancel(ctx context.Context, userID, token string) (*CommandResponse, error) {
	resp := &CommandResponse{Intent: string(domain.IntentCancel), Status: domain.CommandOK}
	pa, err := s.Broker.Cancel(ctx, userID, token)
	if err != nil {
		code, msg := Describe(err)
		resp.Status, resp.Outcome, resp.Message = domain.CommandError, code, msg
		return resp, err
	}
	resp.Outcome = OutcomeCancelled
	resp.Message = s.sentence("cancelled: " + pa.Summary + ".")
	return resp, nil
}

func (s *CommandService) sideEffect(ctx context.Context, in CommandInput, payload domain.Payload, resp *CommandResponse) error {
	d, err := s.Gate.Evaluate(ctx, in.UserID, payload)
	if err != nil {
		return err
	}
	switch d.Verdict {
	case Deny:
		return d.Err()
	case RequireConfirmation:
		summary := Summarize(payload)
		pa, err := s.Broker.Request(ctx, in.UserID, ConfirmationRequest{
			CommandID:      resp.CommandID,
			Summary:        summary,
			Payload:        payload,
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		resp.Status = domain.CommandNeedsConfirmation
		resp.Outcome = OutcomeConfirmationRequired
		resp.Confirmation = &PendingConfirmation{Token: pa.Token, Summary: summary, ExpiresAt: pa.ExpiresAt}
		resp.Message = s.sentence(summary + "? Say confirm or cancel.")
		return nil
	}
	return s.execute(ctx, in.UserID, payload, in.IdempotencyKey, resp)
}

func (s *CommandService) execute(ctx context.Context, userID string, payload domain.Payload, key string, resp *CommandResponse) error {
	if dp, ok := payload.(*domain.DelegatePayload); ok {
		task, res, err := s.Tracker.Delegate(ctx, userID, dp, key)
		resp.Result, resp.AgentTask = res, task
		if err != nil {
			return err
		}
		resp.Outcome = OutcomeDelegated
		resp.Message = s.sentence(fmt.Sprintf("delegated %s to the agent.", dp.Target()))
		return nil
	}
	res, err := s.Executor.Execute(ctx, userID, payload, key)
	resp.Result = res
	if err != nil {
		return err
	}
	resp.Outcome = OutcomeExecuted
	resp.Message = s.sentence("done: " + Summarize(payload) + ".")
	return nil
}

// PRSummary is the answer to pr.summarize and pr.status.
type PRSummary struct {
	PR        *provider.PullRequest  `json:"pull_request,omitempty"`
	Checks    *provider.CheckSummary `json:"checks"`
	Approvals int                    `json:"approvals"`
}

func (s *CommandService) read(ctx context.Context, in CommandInput, payload domain.Payload, resp *CommandResponse) error {
	p, _ := payload.(*domain.ReadPayload)
	if p == nil {
		return ErrInvalidInput
	}
	resp.Outcome = OutcomeRead

	switch p.Type {
	case domain.ActionPRList:
		prs, err := s.Provider.ListPRsForUser(ctx, in.Login)
		if err != nil {
			return provider.Classify("list_prs", err)
		}
		resp.Data = prs
		resp.Message = s.sentence(describePRList(prs))
		return nil

	case domain.ActionPRSummarize, domain.ActionPRStatus:
		sum := &PRSummary{}
		eg, ectx := errgroup.WithContext(ctx)
		if p.Type == domain.ActionPRSummarize {
			eg.Go(func() error {
				pr, err := s.Provider.GetPR(ectx, p.Repo, p.Number)
				sum.PR = pr
				return err
			})
		}
		eg.Go(func() error {
			c, err := s.Provider.GetChecks(ectx, p.Repo, p.Number)
			sum.Checks = c
			return err
		})
		eg.Go(func() error {
			rs, err := s.Provider.GetReviews(ectx, p.Repo, p.Number)
			sum.Approvals = provider.CountApprovals(rs)
			return err
		})
		if err := eg.Wait(); err != nil {
			return provider.Classify(string(p.Type), err)
		}
		resp.Data = sum
		resp.Message = s.sentence(describePR(p.Target(), sum))
		return nil

	case domain.ActionAgentStatus:
		var (
			tasks []domain.AgentTask
			err   error
		)
		if p.Repo != "" && p.Number > 0 {
			var all []domain.AgentTask
			all, err = repo.FindAgentTasksByTarget(ctx, s.DB, p.Repo, p.Number)
			for _, t := range all {
				if t.UserID == in.UserID {
					tasks = append(tasks, t)
				}
			}
		} else {
			tasks, err = repo.ListAgentTasks(ctx, s.DB, in.UserID, "", 0, 5)
		}
		if err != nil {
			return err
		}
		resp.Data = tasks
		resp.Message = s.sentence(describeTasks(tasks))
		return nil
	}
	return ErrUnknownIntent
}

// record persists the turn. Recording failures are logged; the user-facing
// outcome has already happened.
func (s *CommandService) record(ctx context.Context, user *domain.User, in CommandInput, ents map[string]string, payload domain.Payload, resp *CommandResponse) {
	c := &domain.Command{
		ID:               resp.CommandID,
		UserID:           user.ID,
		InputType:        in.InputType,
		IntentName:       resp.Intent,
		IntentConfidence: in.Confidence,
		Status:           resp.Status,
		Outcome:          resp.Outcome,
		Message:          resp.Message,
	}
	if user.StoreTranscripts && strings.TrimSpace(in.Transcript) != "" {
		t := in.Transcript
		c.Transcript = &t
	}
	if len(ents) > 0 {
		if b, err := json.Marshal(ents); err == nil {
			c.Entities = datatypes.JSON(b)
		}
	}
	if payload != nil {
		c.RepoFullName, _ = targetOf(payload)
	}
	if err := repo.CreateCommand(ctx, s.DB, c); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("command_id", c.ID).Msg("command record failed")
	}
}

// History returns a page of userID's commands, newest first.
func (s *CommandService) History(ctx context.Context, userID string, page, pageSize int) ([]domain.Command, int64, error) {
	pg := utils.NewPage(page, pageSize)
	total, err := repo.CountCommands(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Command{}, 0, nil
	}
	items, err := repo.ListCommandsPage(ctx, s.DB, userID, pg.Offset(), pg.Size)
	return items, total, err
}

// LocaleOrDefault returns the configured reply locale or English.
func (s *CommandService) LocaleOrDefault() language.Tag {
	if s.Locale == language.Und {
		return language.English
	}
	return s.Locale
}

// sentence upper-cases the first word of a spoken reply.
func (s *CommandService) sentence(msg string) string {
	first, rest, found := strings.Cut(msg, " ")
	first = cases.Title(s.LocaleOrDefault(), cases.NoLower).String(first)
	if !found {
		return first
	}
	return first + " " + rest
}

func tokenOf(ents map[string]string) string {
	if t := strings.TrimSpace(ents["token"]); t != "" {
		return t
	}
	return LatestToken
}

// Describe maps an engine error to its stable code and spoken message.
func Describe(err error) (code, message string) {
	var denied *PolicyDeniedError
	var pe *provider.Error
	switch {
	case err == nil:
		return "", ""
	case errors.As(err, &denied):
		return "policy_denied", "Sorry, " + denied.Message + "."
	case errors.Is(err, ErrLowConfidence):
		return "low_confidence", "Sorry, I didn't catch that."
	case errors.Is(err, ErrUnknownIntent):
		return "unknown_intent", "Sorry, I can't do that yet."
	case errors.Is(err, ErrNoPendingClarification):
		return "no_pending_clarification", "There is nothing to choose from right now."
	case errors.Is(err, ErrAmbiguousInput):
		return "ambiguous_input", "Sorry, I couldn't tell which one you meant."
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input", capitalizeReason(err, ErrInvalidInput)
	case errors.Is(err, ErrConfirmationExpired):
		return "confirmation_expired", "That confirmation expired. Please ask again."
	case errors.Is(err, ErrConfirmationForbidden):
		return "confirmation_forbidden", "That confirmation belongs to someone else."
	case errors.Is(err, ErrConfirmationNotFound):
		return "confirmation_not_found", "There is nothing waiting for confirmation."
	case errors.Is(err, ErrDuplicateInProgress):
		return "duplicate_in_progress", "That is already in progress."
	case errors.Is(err, ErrIdempotencyKeyConflict):
		return "idempotency_key_conflict", "That request key was already used for something else."
	case errors.Is(err, ErrTaskNotFound):
		return "not_found", "Agent task not found."
	case errors.Is(err, ErrProviderTimeout):
		return "provider_timeout", "GitHub did not answer in time. You can try again."
	case errors.Is(err, ErrProviderRejected):
		msg := "GitHub refused the request."
		if errors.As(err, &pe) && pe.Message != "" {
			msg = "GitHub refused the request: " + pe.Message + "."
		}
		return "provider_rejected", msg
	}
	return "internal_error", "Something went wrong."
}

// capitalizeReason strips the sentinel prefix from a wrapped error.
func capitalizeReason(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimSpace(strings.TrimPrefix(msg, ":"))
	if msg == "" {
		return "Invalid input."
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
