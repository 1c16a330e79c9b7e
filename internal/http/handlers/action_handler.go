package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// ListActionsResponse wraps a page of audit rows.
type ListActionsResponse struct {
	Actions    []domain.ActionLog `json:"actions"`
	Pagination Pagination         `json:"pagination"`
}

// ListActions godoc
// @ID          listActions
// @Summary     Audit log (paginated)
// @Description Every side effect attempted for the user, newest first. Supports weak ETag via If-None-Match.
// @Tags        Actions
// @Produce     json
// @Param       X-User-ID      header  string  true   "User ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListActionsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /actions [get]
func (h *Handlers) ListActions(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	if count, latest, err := h.audit.Stats(ctx, uid); err == nil {
		if notModified(c, "actions", uid, count, latest) {
			return
		}
	}

	items, total, err := h.audit.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListActionsResponse{Actions: items, Pagination: newPagination(page, pageSize, total)})
}

// GetAction godoc
// @ID          getAction
// @Summary     One audit row
// @Tags        Actions
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       id         path    string  true  "Action log ID"
// @Success     200  {object}  domain.ActionLog
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /actions/{id} [get]
func (h *Handlers) GetAction(c *gin.Context) {
	row, err := h.audit.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, row)
}
