package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/observability"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

// Verdict is the outcome class of a policy decision.
type Verdict string

const (
	Allow               Verdict = "allow"
	Deny                Verdict = "deny"
	RequireConfirmation Verdict = "require_confirmation"
)

// Decision is the result of Authorize. Reason and Message are set for Deny.
type Decision struct {
	Verdict Verdict
	Reason  DenyReason
	Message string
}

// Err returns a *PolicyDeniedError for Deny decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Verdict != Deny {
		return nil
	}
	return &PolicyDeniedError{Reason: d.Reason, Message: d.Message}
}

// LiveChecks is the provider state a decision depends on. ChecksKnown is
// false when checks were not fetched.
type LiveChecks struct {
	ChecksKnown bool
	AllGreen    bool
	Approvals   int
	Labels      []string
}

func deny(reason DenyReason, msg string) Decision {
	return Decision{Verdict: Deny, Reason: reason, Message: msg}
}

// Authorize is the policy decision function. It has no side effects and
// depends only on its arguments.
//
// Order: read-only actions are allowed; a disabled action is denied; a PR
// carrying a blocking label is denied; merge additionally requires green
// checks and enough approvals. Merge always needs confirmation unless the
// repository opted into auto_merge_when_green and both conditions hold.
// Other side effects need confirmation when the policy says so.
func Authorize(p domain.RepoPolicy, action domain.ActionType, live LiveChecks) Decision {
	if !action.SideEffecting() {
		return Decision{Verdict: Allow}
	}

	switch action {
	case domain.ActionMerge:
		if !p.AllowMerge {
			return deny(DenyActionNotAllowed, "merge not allowed")
		}
	case domain.ActionRerunChecks:
		if !p.AllowRerun {
			return deny(DenyActionNotAllowed, "rerun not allowed")
		}
	case domain.ActionRequestReview:
		if !p.AllowRequestReview {
			return deny(DenyActionNotAllowed, "review requests not allowed")
		}
	}

	if label := blockingLabel(p.BlockingLabels, live.Labels); label != "" {
		return deny(DenyLabelBlocked, fmt.Sprintf("pull request is labeled %q", label))
	}

	// Green checks and approvals gate merge only. Rerun and review requests
	// stay available on red or unapproved PRs.
	if action == domain.ActionMerge {
		green := live.ChecksKnown && live.AllGreen
		if p.RequireChecksGreen && !green {
			return deny(DenyChecksNotGreen, "checks not green")
		}
		if live.Approvals < p.RequiredApprovals {
			return deny(DenyApprovalsMissing, fmt.Sprintf("needs %d approval(s), has %d", p.RequiredApprovals, live.Approvals))
		}
		if p.AutoMergeWhenGreen && green && live.Approvals >= p.RequiredApprovals {
			return Decision{Verdict: Allow}
		}
		return Decision{Verdict: RequireConfirmation}
	}

	if p.RequireConfirmation || action.Irreversible() {
		return Decision{Verdict: RequireConfirmation}
	}
	return Decision{Verdict: Allow}
}

func blockingLabel(csv string, labels []string) string {
	if csv == "" || len(labels) == 0 {
		return ""
	}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		for _, l := range labels {
			if strings.EqualFold(l, b) {
				return l
			}
		}
	}
	return ""
}

// PolicyGate loads policies and live provider state and applies Authorize.
type PolicyGate struct {
	DB       *gorm.DB
	Provider provider.Client
}

// Policy returns the effective policy for (userID, repo): the stored row, or
// RestrictivePolicy when none exists. The boolean reports whether a row exists.
func (g *PolicyGate) Policy(ctx context.Context, userID, repoName string) (domain.RepoPolicy, bool, error) {
	p, err := repo.GetPolicy(ctx, g.DB, userID, repoName)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RestrictivePolicy(userID, domain.NormalizeRepo(repoName)), false, nil
	}
	if err != nil {
		return domain.RepoPolicy{}, false, err
	}
	return *p, true, nil
}

// Evaluate authorizes payload for userID. Live checks are fetched only when
// the decision can depend on them; provider errors are returned as-is so a
// timeout surfaces as ErrProviderTimeout before anything is executed.
func (g *PolicyGate) Evaluate(ctx context.Context, userID string, payload domain.Payload) (Decision, error) {
	tr := otel.Tracer("services/PolicyGate")
	ctx, span := tr.Start(ctx, "Evaluate",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("action", string(payload.Action())),
			attribute.String("target", payload.Target()),
		),
	)
	defer span.End()

	action := payload.Action()
	if !action.SideEffecting() {
		observability.PolicyDecision(string(action), string(Allow))
		return Decision{Verdict: Allow}, nil
	}

	repoName, number := targetOf(payload)
	pol, _, err := g.Policy(ctx, userID, repoName)
	if err != nil {
		return Decision{}, err
	}

	// A decision that is already Deny without live data never reaches the provider.
	if d := Authorize(pol, action, LiveChecks{ChecksKnown: true, AllGreen: true, Approvals: pol.RequiredApprovals}); d.Verdict == Deny {
		observability.PolicyDecision(string(action), string(d.Verdict))
		return d, nil
	}

	live, err := g.liveChecks(ctx, pol, action, repoName, number)
	if err != nil {
		return Decision{}, err
	}
	d := Authorize(pol, action, live)
	span.SetAttributes(attribute.String("verdict", string(d.Verdict)))
	observability.PolicyDecision(string(action), string(d.Verdict))
	return d, nil
}

func (g *PolicyGate) liveChecks(ctx context.Context, pol domain.RepoPolicy, action domain.ActionType, repoName string, number int) (LiveChecks, error) {
	var live LiveChecks
	if number <= 0 || g.Provider == nil {
		return live, nil
	}
	needLabels := strings.TrimSpace(pol.BlockingLabels) != ""
	needChecks := action == domain.ActionMerge

	eg, ectx := errgroup.WithContext(ctx)
	if needLabels {
		eg.Go(func() error {
			pr, err := g.Provider.GetPR(ectx, repoName, number)
			if err != nil {
				return err
			}
			live.Labels = pr.Labels
			return nil
		})
	}
	if needChecks {
		eg.Go(func() error {
			s, err := g.Provider.GetChecks(ectx, repoName, number)
			if err != nil {
				return err
			}
			live.ChecksKnown = true
			live.AllGreen = s.AllGreen()
			return nil
		})
		eg.Go(func() error {
			rs, err := g.Provider.GetReviews(ectx, repoName, number)
			if err != nil {
				return err
			}
			live.Approvals = provider.CountApprovals(rs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return LiveChecks{}, err
	}
	return live, nil
}

// targetOf extracts the repository and issue/PR number of a payload.
func targetOf(p domain.Payload) (string, int) {
	switch v := p.(type) {
	case *domain.RequestReviewPayload:
		return v.Repo, v.PRNumber
	case *domain.MergePayload:
		return v.Repo, v.PRNumber
	case *domain.RerunChecksPayload:
		return v.Repo, v.PRNumber
	case *domain.DelegatePayload:
		if v.PRNumber > 0 {
			return v.Repo, v.PRNumber
		}
		return v.Repo, 0
	case *domain.ReadPayload:
		return v.Repo, v.Number
	}
	return "", 0
}
