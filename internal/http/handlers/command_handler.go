package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/http/middleware"
	"github.com/tbourn/voiceops-backend/internal/services"
)

// CommandRequest is one parsed utterance as delivered by the NLU collaborator.
type CommandRequest struct {
	InputType   string            `json:"input_type"   example:"voice"`
	Transcript  string            `json:"transcript"   example:"merge the backend one"`
	Intent      string            `json:"intent"       example:"pr.merge"`
	Confidence  float64           `json:"confidence"   example:"0.92"`
	Entities    map[string]string `json:"entities"`
	GitHubLogin string            `json:"github_login" example:"octocat"`
}

// TokenRequest names the pending action to confirm or cancel.
type TokenRequest struct {
	// Token is a pending-action token or "latest"; empty means latest.
	Token string `json:"token" example:"latest"`
}

// ListCommandsResponse wraps a page of commands.
type ListCommandsResponse struct {
	Commands   []domain.Command `json:"commands"`
	Pagination Pagination       `json:"pagination"`
}

// ListConfirmationsResponse lists live pending actions.
type ListConfirmationsResponse struct {
	Confirmations []domain.PendingAction `json:"confirmations"`
}

// PostCommand godoc
// @ID          postCommand
// @Summary     Submit an utterance
// @Description Resolves the intent, applies policy, and executes, asks back, or issues a confirmation token.
// @Tags        Commands
// @Accept      json
// @Produce     json
// @Param       X-User-ID        header  string  true   "User ID"
// @Param       Idempotency-Key  header  string  false  "Overrides the derived idempotency key of a side effect"
// @Param       body             body    handlers.CommandRequest  true  "Utterance"
// @Success     200  {object}  services.CommandResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Policy denied"
// @Failure     422  {object}  handlers.ErrorResponse  "Low confidence or unknown intent"
// @Failure     502  {object}  handlers.ErrorResponse  "Provider rejected"
// @Failure     504  {object}  handlers.ErrorResponse  "Provider timeout"
// @Router      /commands [post]
func (h *Handlers) PostCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Intent) == "" && strings.TrimSpace(req.Transcript) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "intent or transcript required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "confidence must be within [0, 1]")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	resp, err := h.engine.Handle(c.Request.Context(), services.CommandInput{
		UserID:         userID(c),
		Login:          req.GitHubLogin,
		InputType:      req.InputType,
		Transcript:     req.Transcript,
		Intent:         req.Intent,
		Confidence:     req.Confidence,
		Entities:       req.Entities,
		IdempotencyKey: key,
	})
	if err != nil {
		if resp != nil && resp.CommandID != "" {
			c.Header("X-Command-ID", resp.CommandID)
		}
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

// ListCommands godoc
// @ID          listCommands
// @Summary     Command history (paginated)
// @Tags        Commands
// @Produce     json
// @Param       X-User-ID  header  string  true   "User ID"
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListCommandsResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /commands [get]
func (h *Handlers) ListCommands(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.engine.History(c.Request.Context(), userID(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListCommandsResponse{Commands: items, Pagination: newPagination(page, pageSize, total)})
}

// Confirm godoc
// @ID          confirmAction
// @Summary     Confirm a pending action
// @Description Consumes the token exactly once and executes the side effect it summarizes.
// @Tags        Confirmations
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true   "User ID"
// @Param       body       body    handlers.TokenRequest  false  "Token (defaults to latest)"
// @Success     200  {object}  services.CommandResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Token belongs to another user or policy denied"
// @Failure     404  {object}  handlers.ErrorResponse  "Nothing to confirm"
// @Failure     410  {object}  handlers.ErrorResponse  "Token expired"
// @Router      /confirmations/confirm [post]
func (h *Handlers) Confirm(c *gin.Context) {
	token, okTok := bindToken(c)
	if !okTok {
		return
	}
	resp, err := h.engine.Confirm(c.Request.Context(), userID(c), token)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

// Cancel godoc
// @ID          cancelAction
// @Summary     Cancel a pending action
// @Tags        Confirmations
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true   "User ID"
// @Param       body       body    handlers.TokenRequest  false  "Token (defaults to latest)"
// @Success     200  {object}  services.CommandResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Nothing to cancel"
// @Failure     410  {object}  handlers.ErrorResponse  "Token expired"
// @Router      /confirmations/cancel [post]
func (h *Handlers) Cancel(c *gin.Context) {
	token, okTok := bindToken(c)
	if !okTok {
		return
	}
	resp, err := h.engine.Cancel(c.Request.Context(), userID(c), token)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

// ListConfirmations godoc
// @ID          listConfirmations
// @Summary     Pending confirmations
// @Tags        Confirmations
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Success     200  {object}  handlers.ListConfirmationsResponse
// @Router      /confirmations [get]
func (h *Handlers) ListConfirmations(c *gin.Context) {
	items, err := h.pending.ListPending(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.PendingAction{}
	}
	ok(c, http.StatusOK, ListConfirmationsResponse{Confirmations: items})
}

// bindToken reads an optional TokenRequest body.
func bindToken(c *gin.Context) (string, bool) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return "", false
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = services.LatestToken
	}
	return token, true
}
