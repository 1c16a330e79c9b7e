package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// ListAgentTasksResponse wraps a page of agent tasks.
type ListAgentTasksResponse struct {
	Tasks      []domain.AgentTask `json:"tasks"`
	Pagination Pagination         `json:"pagination"`
}

// ListAgentTasks godoc
// @ID          listAgentTasks
// @Summary     Delegated agent tasks (paginated)
// @Tags        AgentTasks
// @Produce     json
// @Param       X-User-ID      header  string  true   "User ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       status         query   string  false  "Filter by status"  Enums(created, running, needs_input, completed, failed)
// @Param       page           query   int     false  "Page number"       minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"    minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListAgentTasksResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /agent-tasks [get]
func (h *Handlers) ListAgentTasks(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)
	status := domain.AgentTaskStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.Valid() {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status")
		return
	}

	if status == "" {
		if count, latest, err := h.audit.TaskStats(ctx, uid); err == nil {
			if notModified(c, "agent-tasks", uid, count, latest) {
				return
			}
		}
	}

	items, total, err := h.tasks.List(ctx, uid, status, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListAgentTasksResponse{Tasks: items, Pagination: newPagination(page, pageSize, total)})
}

// GetAgentTask godoc
// @ID          getAgentTask
// @Summary     One agent task
// @Tags        AgentTasks
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       id         path    string  true  "Task ID"
// @Success     200  {object}  domain.AgentTask
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /agent-tasks/{id} [get]
func (h *Handlers) GetAgentTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, task)
}

// RefreshAgentTask godoc
// @ID          refreshAgentTask
// @Summary     Poll the provider for a task's status
// @Tags        AgentTasks
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       id         path    string  true  "Task ID"
// @Success     200  {object}  domain.AgentTask
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     504  {object}  handlers.ErrorResponse  "Provider timeout"
// @Router      /agent-tasks/{id}/refresh [post]
func (h *Handlers) RefreshAgentTask(c *gin.Context) {
	task, err := h.tasks.Refresh(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, task)
}
