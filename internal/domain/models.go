// Package domain defines the persistence models for users, repository
// policies, commands, pending confirmations, the action audit log, inbound
// webhook events, and delegated agent tasks. These types are mapped with GORM
// and form the core data layer of the service.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Command statuses.
const (
	CommandOK                = "ok"
	CommandNeedsConfirmation = "needs_confirmation"
	CommandError             = "error"
)

// Pending action statuses.
const (
	PendingStatusPending   = "pending"
	PendingStatusConfirmed = "confirmed"
	PendingStatusCancelled = "cancelled"
)

// User is the identity anchor. It is created on first authenticated request
// and owns policies, commands, pending actions, agent tasks and audit rows;
// deleting a user cascades to all of them.
//
// Fields:
//   - ID: external identity (the authenticated subject), primary key.
//   - GitHubLogin: provider login used for "my pull requests" lookups.
//   - StoreTranscripts: privacy switch; when false transcripts are dropped.
type User struct {
	ID               string    `json:"id"                gorm:"type:varchar(64);primaryKey"`
	GitHubLogin      string    `json:"github_login"      gorm:"type:varchar(64)"`
	StoreTranscripts bool      `json:"store_transcripts" gorm:"not null"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// RepoPolicy is the per-(user, repository) action policy. At most one row
// exists per pair (unique index). Bool columns carry no DB default so that an
// explicit false is never replaced on insert; use NewRepoPolicy for row
// defaults and RestrictivePolicy for the absent-row behavior.
//
// AutoMergeWhenGreen is the administrator opt-in that lets pr.merge skip
// confirmation when live checks are green and approvals are met. It is never
// inferred from phrasing or confidence.
//
// BlockingLabels is a comma-separated list; a PR carrying any of them is denied.
type RepoPolicy struct {
	ID                  string    `json:"id"                    gorm:"type:char(36);primaryKey"`
	UserID              string    `json:"user_id"               gorm:"type:varchar(64);not null;uniqueIndex:ux_policy_user_repo,priority:1"`
	RepoFullName        string    `json:"repo_full_name"        gorm:"type:varchar(255);not null;uniqueIndex:ux_policy_user_repo,priority:2"`
	AllowMerge          bool      `json:"allow_merge"           gorm:"not null"`
	AllowRerun          bool      `json:"allow_rerun"           gorm:"not null"`
	AllowRequestReview  bool      `json:"allow_request_review"  gorm:"not null"`
	RequireConfirmation bool      `json:"require_confirmation"  gorm:"not null"`
	RequireChecksGreen  bool      `json:"require_checks_green"  gorm:"not null"`
	RequiredApprovals   int       `json:"required_approvals"    gorm:"not null;check:required_approvals >= 0"`
	AutoMergeWhenGreen  bool      `json:"auto_merge_when_green" gorm:"not null"`
	BlockingLabels      string    `json:"blocking_labels"       gorm:"type:varchar(512)"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for RepoPolicy.
func (RepoPolicy) TableName() string { return "repo_policies" }

// NewRepoPolicy returns the defaults for a newly created policy row:
// permissive for read-like actions, restrictive for merge.
func NewRepoPolicy(userID, repo string) RepoPolicy {
	return RepoPolicy{
		UserID:              userID,
		RepoFullName:        repo,
		AllowMerge:          false,
		AllowRerun:          true,
		AllowRequestReview:  true,
		RequireConfirmation: true,
		RequireChecksGreen:  true,
		RequiredApprovals:   1,
	}
}

// RestrictivePolicy is what applies when no row exists for (user, repo):
// every side-effect flag off and confirmation required.
func RestrictivePolicy(userID, repo string) RepoPolicy {
	return RepoPolicy{
		UserID:              userID,
		RepoFullName:        repo,
		RequireConfirmation: true,
		RequireChecksGreen:  true,
		RequiredApprovals:   1,
	}
}

// Command is one user utterance/turn. Rows are immutable once created.
//
// Transcript is retained only when the owner's privacy setting permits.
// Entities hold the resolved slots; RepoFullName duplicates the repo slot
// so "recently active repositories" can be queried by index.
type Command struct {
	ID               string         `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID           string         `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_user_commands,priority:1"`
	InputType        string         `json:"input_type"        gorm:"type:varchar(16);not null;check:input_type IN ('voice','text')"`
	Transcript       *string        `json:"transcript,omitempty" gorm:"type:text"`
	IntentName       string         `json:"intent_name"       gorm:"type:varchar(64);not null"`
	IntentConfidence float64        `json:"intent_confidence" gorm:"not null"`
	Entities         datatypes.JSON `json:"entities"`
	RepoFullName     string         `json:"repo_full_name,omitempty" gorm:"type:varchar(255)"`
	Status           string         `json:"status"            gorm:"type:varchar(32);not null;check:status IN ('ok','needs_confirmation','error')"`
	Outcome          string         `json:"outcome"           gorm:"type:varchar(32);not null"`
	Message          string         `json:"message"           gorm:"type:text"`
	CreatedAt        time.Time      `json:"created_at"        gorm:"index:idx_user_commands,priority:2"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Command.
func (Command) TableName() string { return "commands" }

// PendingAction is a single-use capability token authorizing one exact side
// effect until ExpiresAt. A token leaves the pending state exactly once.
type PendingAction struct {
	Token          string         `json:"token"           gorm:"type:varchar(64);primaryKey"`
	UserID         string         `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_pending_user,priority:1"`
	CommandID      string         `json:"command_id"      gorm:"type:char(36)"`
	Summary        string         `json:"summary"         gorm:"type:text;not null"`
	ActionType     ActionType     `json:"action_type"     gorm:"type:varchar(32);not null"`
	ActionPayload  datatypes.JSON `json:"action_payload"  gorm:"not null"`
	IdempotencyKey string         `json:"idempotency_key" gorm:"type:varchar(200)"`
	Status         string         `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('pending','confirmed','cancelled')"`
	ExpiresAt      time.Time      `json:"expires_at"      gorm:"not null;index"`
	ConsumedAt     *time.Time     `json:"consumed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_pending_user,priority:2"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PendingAction.
func (PendingAction) TableName() string { return "pending_actions" }

// Expired reports whether the token is past its deadline at now.
func (p PendingAction) Expired(now time.Time) bool { return !now.Before(p.ExpiresAt) }

// WebhookEvent is an inbound provider delivery, stored verbatim and never
// mutated. SignatureOK records the verification outcome honestly; events
// with a bad signature are kept for audit but never processed. Only verified
// rows take part in (source, delivery_id) deduplication.
type WebhookEvent struct {
	ID           string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Source       string    `json:"source"         gorm:"type:varchar(32);not null;uniqueIndex:ux_webhook_delivery_verified,priority:1,where:signature_ok"`
	DeliveryID   string    `json:"delivery_id"    gorm:"type:varchar(128);not null;uniqueIndex:ux_webhook_delivery_verified,priority:2,where:signature_ok"`
	EventType    string    `json:"event_type"     gorm:"type:varchar(64);not null"`
	Action       string    `json:"action,omitempty" gorm:"type:varchar(64)"`
	RepoFullName string    `json:"repo_full_name,omitempty" gorm:"type:varchar(255);index"`
	SignatureOK  bool      `json:"signature_ok"   gorm:"not null"`
	Payload      string    `json:"payload"        gorm:"type:text;not null"`
	ReceivedAt   time.Time `json:"received_at"    gorm:"not null;index"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// AgentTask tracks work delegated to an external agent. Seq is the highest
// provider update sequence applied so far; updates with a lower or equal
// sequence are ignored.
type AgentTask struct {
	ID             string          `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string          `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_agent_tasks_user,priority:1;uniqueIndex:ux_agent_tasks_user_key,priority:1"`
	Provider       string          `json:"provider"        gorm:"type:varchar(32);not null"`
	RepoFullName   string          `json:"repo_full_name"  gorm:"type:varchar(255);not null;index:idx_agent_tasks_target,priority:1"`
	IssueNumber    int             `json:"issue_number,omitempty" gorm:"index:idx_agent_tasks_target,priority:2"`
	PRNumber       int             `json:"pr_number,omitempty"`
	Instruction    string          `json:"instruction"     gorm:"type:text;not null"`
	Status         AgentTaskStatus `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('created','running','needs_input','completed','failed')"`
	Seq            int64           `json:"seq"             gorm:"not null"`
	Detail         string          `json:"detail,omitempty" gorm:"type:text"`
	ExternalID     string          `json:"external_id,omitempty" gorm:"type:varchar(128)"`
	IdempotencyKey string          `json:"-"               gorm:"type:varchar(200);uniqueIndex:ux_agent_tasks_user_key,priority:2"`
	LastUpdate     time.Time       `json:"last_update"`
	CreatedAt      time.Time       `json:"created_at"      gorm:"index:idx_agent_tasks_user,priority:2"`
	UpdatedAt      time.Time       `json:"updated_at"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for AgentTask.
func (AgentTask) TableName() string { return "agent_tasks" }

// Number returns the tracked issue number, or the PR number when the task
// targets a pull request.
func (t AgentTask) Number() int {
	if t.IssueNumber > 0 {
		return t.IssueNumber
	}
	return t.PRNumber
}
