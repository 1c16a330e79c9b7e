package services

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestPolicyService_GetPutDelete(t *testing.T) {
	s := &PolicyService{DB: newSvcDB(t)}
	ctx := context.Background()

	v, err := s.Get(ctx, "u1", "Acme/API")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Stored || v.AllowMerge || v.AllowRerun || v.AllowRequestReview || !v.RequireConfirmation {
		t.Fatalf("default view = %+v", v)
	}

	p, err := s.Put(ctx, "u1", "Acme/API", PolicyUpdate{
		AllowMerge:     ptr(true),
		BlockingLabels: ptr(" do-not-merge , , hold "),
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if p.RepoFullName != "acme/api" || !p.AllowMerge || !p.AllowRerun || p.RequiredApprovals != 1 || p.BlockingLabels != "do-not-merge,hold" {
		t.Fatalf("stored = %+v", p)
	}

	// partial update keeps the rest
	p, err = s.Put(ctx, "u1", "acme/api", PolicyUpdate{RequiredApprovals: ptr(2)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !p.AllowMerge || p.RequiredApprovals != 2 || p.BlockingLabels != "do-not-merge,hold" {
		t.Fatalf("after partial update = %+v", p)
	}

	if _, err := s.Put(ctx, "u1", "acme/api", PolicyUpdate{RequiredApprovals: ptr(-1)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative approvals: %v", err)
	}
	if _, err := s.Put(ctx, "u1", "not-a-repo", PolicyUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad repo: %v", err)
	}

	list, err := s.List(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %+v, %v", list, err)
	}

	if err := s.Delete(ctx, "u1", "acme/api"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "u1", "acme/api"); !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
	v, _ = s.Get(ctx, "u1", "acme/api")
	if v.Stored || v.AllowMerge {
		t.Fatalf("after delete = %+v", v)
	}
}

const seedYAML = `
policies:
  - user: alice
    github_login: alice-gh
    repo: acme/api
    allow_merge: true
    auto_merge_when_green: true
    required_approvals: 2
  - user: bob
    repo: acme/web
    allow_rerun: false
`

func TestPolicySeed(t *testing.T) {
	seed, err := ParsePolicySeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("ParsePolicySeed: %v", err)
	}
	if len(seed.Policies) != 2 || seed.Policies[0].AllowMerge == nil || !*seed.Policies[0].AllowMerge {
		t.Fatalf("seed = %+v", seed)
	}

	s := &PolicyService{DB: newSvcDB(t)}
	ctx := context.Background()
	n, err := s.ApplySeed(ctx, seed)
	if err != nil || n != 2 {
		t.Fatalf("ApplySeed = %d, %v", n, err)
	}
	// applying twice converges on the same rows
	if _, err := s.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("second ApplySeed: %v", err)
	}

	a, _ := s.Get(ctx, "alice", "acme/api")
	if !a.Stored || !a.AllowMerge || !a.AutoMergeWhenGreen || a.RequiredApprovals != 2 {
		t.Fatalf("alice = %+v", a)
	}
	b, _ := s.Get(ctx, "bob", "acme/web")
	if !b.Stored || b.AllowRerun || !b.AllowRequestReview {
		t.Fatalf("bob = %+v", b)
	}
	if list, _ := s.List(ctx, "alice"); len(list) != 1 {
		t.Fatalf("alice policies = %d", len(list))
	}
}

func TestParsePolicySeed_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing user": "policies:\n  - repo: acme/api\n",
		"bad repo":     "policies:\n  - user: alice\n    repo: acme\n",
		"not yaml":     "policies: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicySeed([]byte(doc)); err == nil || !strings.Contains(err.Error(), "seed") {
				t.Fatalf("expected seed error, got %v", err)
			}
		})
	}
}
