// Package handlers exposes the command engine over HTTP.
//
// Handlers are transport-thin: they validate input, call the services, and
// translate results and errors into JSON responses.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/services"
	"github.com/tbourn/voiceops-backend/internal/utils"
)

// CommandEngine handles utterances and explicit confirmations.
type CommandEngine interface {
	Handle(ctx context.Context, in services.CommandInput) (*services.CommandResponse, error)
	Confirm(ctx context.Context, userID, token string) (*services.CommandResponse, error)
	Cancel(ctx context.Context, userID, token string) (*services.CommandResponse, error)
	History(ctx context.Context, userID string, page, pageSize int) ([]domain.Command, int64, error)
}

// PendingLister lists live confirmation tokens.
type PendingLister interface {
	ListPending(ctx context.Context, userID string) ([]domain.PendingAction, error)
}

// AuditLog reads the action log.
type AuditLog interface {
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.ActionLog, int64, error)
	Get(ctx context.Context, userID, id string) (*domain.ActionLog, error)
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
	TaskStats(ctx context.Context, userID string) (int64, *time.Time, error)
}

// AgentTasks reads and refreshes delegated work.
type AgentTasks interface {
	List(ctx context.Context, userID string, status domain.AgentTaskStatus, page, pageSize int) ([]domain.AgentTask, int64, error)
	Get(ctx context.Context, userID, id string) (*domain.AgentTask, error)
	Refresh(ctx context.Context, userID, id string) (*domain.AgentTask, error)
}

// Policies manages per-repository policies.
type Policies interface {
	Get(ctx context.Context, userID, repoName string) (*services.PolicyView, error)
	List(ctx context.Context, userID string) ([]domain.RepoPolicy, error)
	Put(ctx context.Context, userID, repoName string, u services.PolicyUpdate) (*domain.RepoPolicy, error)
	Delete(ctx context.Context, userID, repoName string) error
}

// Webhooks ingests and lists provider deliveries.
type Webhooks interface {
	Ingest(ctx context.Context, in services.IngestInput) (*services.IngestResult, error)
	WebhookEvents(ctx context.Context, source string, page, pageSize int) ([]domain.WebhookEvent, int64, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Engine   CommandEngine
	Pending  PendingLister
	Audit    AuditLog
	Tasks    AgentTasks
	Policies Policies
	Webhooks Webhooks
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	engine   CommandEngine
	pending  PendingLister
	audit    AuditLog
	tasks    AgentTasks
	policies Policies
	webhooks Webhooks
}

// New returns Handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{
		engine:   d.Engine,
		pending:  d.Pending,
		audit:    d.Audit,
		tasks:    d.Tasks,
		policies: d.Policies,
		webhooks: d.Webhooks,
	}
}

// userID returns the caller identity set by the identity middleware, falling
// back to the X-User-ID header.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		return strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	return ""
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.Page{Number: page, Size: pageSize}.TotalPages(total)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses page and page_size with defaults and bounds.
func clampPagination(c *gin.Context) (page, pageSize int) {
	p := utils.ParsePage(c.Query("page"), c.Query("page_size"))
	return p.Number, p.Size
}

// repoParam joins the :owner/:repo path parameters.
func repoParam(c *gin.Context) string {
	return domain.NormalizeRepo(c.Param("owner") + "/" + c.Param("repo"))
}
