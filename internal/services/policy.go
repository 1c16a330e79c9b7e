package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

// PolicyService manages per-repository action policies.
type PolicyService struct {
	DB *gorm.DB
}

// PolicyView is a policy plus whether it is stored or the restrictive default.
type PolicyView struct {
	domain.RepoPolicy
	Stored bool `json:"stored"`
}

// PolicyUpdate carries the fields of a PUT; nil leaves the stored value (or
// the row default for a new policy) untouched.
type PolicyUpdate struct {
	AllowMerge          *bool   `json:"allow_merge"           yaml:"allow_merge"`
	AllowRerun          *bool   `json:"allow_rerun"           yaml:"allow_rerun"`
	AllowRequestReview  *bool   `json:"allow_request_review"  yaml:"allow_request_review"`
	RequireConfirmation *bool   `json:"require_confirmation"  yaml:"require_confirmation"`
	RequireChecksGreen  *bool   `json:"require_checks_green"  yaml:"require_checks_green"`
	RequiredApprovals   *int    `json:"required_approvals"    yaml:"required_approvals"`
	AutoMergeWhenGreen  *bool   `json:"auto_merge_when_green" yaml:"auto_merge_when_green"`
	BlockingLabels      *string `json:"blocking_labels"       yaml:"blocking_labels"`
}

// Get returns the effective policy for (userID, repo).
func (s *PolicyService) Get(ctx context.Context, userID, repoName string) (*PolicyView, error) {
	repoName, err := validRepo(repoName)
	if err != nil {
		return nil, err
	}
	g := PolicyGate{DB: s.DB}
	p, stored, err := g.Policy(ctx, userID, repoName)
	if err != nil {
		return nil, err
	}
	return &PolicyView{RepoPolicy: p, Stored: stored}, nil
}

// List returns the stored policies of userID.
func (s *PolicyService) List(ctx context.Context, userID string) ([]domain.RepoPolicy, error) {
	return repo.ListPolicies(ctx, s.DB, userID)
}

// Put applies u on top of the stored policy, or on top of the new-row
// defaults when none exists, and upserts the result.
func (s *PolicyService) Put(ctx context.Context, userID, repoName string, u PolicyUpdate) (*domain.RepoPolicy, error) {
	tr := otel.Tracer("services/PolicyService")
	ctx, span := tr.Start(ctx, "Put",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("repo", repoName),
		),
	)
	defer span.End()

	repoName, err := validRepo(repoName)
	if err != nil {
		return nil, err
	}
	if u.RequiredApprovals != nil && *u.RequiredApprovals < 0 {
		return nil, fmt.Errorf("%w: required_approvals must be >= 0", ErrInvalidInput)
	}
	if _, err := repo.EnsureUser(ctx, s.DB, userID, "", false); err != nil {
		return nil, err
	}

	base := domain.NewRepoPolicy(userID, repoName)
	cur, err := repo.GetPolicy(ctx, s.DB, userID, repoName)
	switch {
	case err == nil:
		base = *cur
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}
	u.apply(&base)
	return repo.UpsertPolicy(ctx, s.DB, base)
}

// Delete removes the stored policy so the restrictive default applies again.
func (s *PolicyService) Delete(ctx context.Context, userID, repoName string) error {
	repoName, err := validRepo(repoName)
	if err != nil {
		return err
	}
	err = repo.DeletePolicy(ctx, s.DB, userID, repoName)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrPolicyNotFound
	}
	return err
}

func (u PolicyUpdate) apply(p *domain.RepoPolicy) {
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setBool(&p.AllowMerge, u.AllowMerge)
	setBool(&p.AllowRerun, u.AllowRerun)
	setBool(&p.AllowRequestReview, u.AllowRequestReview)
	setBool(&p.RequireConfirmation, u.RequireConfirmation)
	setBool(&p.RequireChecksGreen, u.RequireChecksGreen)
	setBool(&p.AutoMergeWhenGreen, u.AutoMergeWhenGreen)
	if u.RequiredApprovals != nil {
		p.RequiredApprovals = *u.RequiredApprovals
	}
	if u.BlockingLabels != nil {
		p.BlockingLabels = normalizeLabels(*u.BlockingLabels)
	}
}

func normalizeLabels(csv string) string {
	var out []string
	for _, l := range strings.Split(csv, ",") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, ",")
}

func validRepo(name string) (string, error) {
	name = domain.NormalizeRepo(name)
	owner, repoPart, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repoPart == "" || strings.Contains(repoPart, "/") {
		return "", fmt.Errorf("%w: repository must be owner/name", ErrInvalidInput)
	}
	return name, nil
}

// PolicySeed is the administrator policy file.
//
//	policies:
//	  - user: alice
//	    repo: acme/api
//	    allow_merge: true
//	    auto_merge_when_green: true
type PolicySeed struct {
	Policies []SeedEntry `yaml:"policies"`
}

// SeedEntry is one policy of a seed file.
type SeedEntry struct {
	User         string `yaml:"user"`
	Login        string `yaml:"github_login"`
	Repo         string `yaml:"repo"`
	PolicyUpdate `yaml:",inline"`
}

// LoadPolicySeed reads and parses a seed file.
func LoadPolicySeed(path string) (*PolicySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicySeed(data)
}

// ParsePolicySeed parses seed YAML and validates every entry.
func ParsePolicySeed(data []byte) (*PolicySeed, error) {
	var seed PolicySeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse policy seed: %w", err)
	}
	for i, e := range seed.Policies {
		if strings.TrimSpace(e.User) == "" {
			return nil, fmt.Errorf("policy seed entry %d: user is required", i)
		}
		if _, err := validRepo(e.Repo); err != nil {
			return nil, fmt.Errorf("policy seed entry %d: %w", i, err)
		}
	}
	return &seed, nil
}

// ApplySeed upserts every entry of seed and returns how many were written.
func (s *PolicyService) ApplySeed(ctx context.Context, seed *PolicySeed) (int, error) {
	n := 0
	for _, e := range seed.Policies {
		if _, err := repo.EnsureUser(ctx, s.DB, e.User, e.Login, false); err != nil {
			return n, err
		}
		if _, err := s.Put(ctx, e.User, e.Repo, e.PolicyUpdate); err != nil {
			return n, fmt.Errorf("seed %s/%s: %w", e.User, e.Repo, err)
		}
		n++
	}
	return n, nil
}
