package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/services"
)

// GitHub delivery headers.
const (
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
	HeaderHubSignature256 = "X-Hub-Signature-256"
)

// ListWebhookEventsResponse wraps a page of stored deliveries.
type ListWebhookEventsResponse struct {
	Events     []domain.WebhookEvent `json:"events"`
	Pagination Pagination            `json:"pagination"`
}

// ReceiveWebhook godoc
// @ID          receiveWebhook
// @Summary     Provider webhook ingress
// @Description Stores the delivery verbatim. Invalid signatures are stored but never processed; re-deliveries are ignored.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
// @Param       source               path    string  true   "Provider"  example(github)
// @Param       X-GitHub-Event       header  string  false  "Event type"
// @Param       X-GitHub-Delivery    header  string  false  "Delivery ID"
// @Param       X-Hub-Signature-256  header  string  false  "HMAC-SHA256 signature"
// @Success     202  {object}  services.IngestResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /webhooks/{source} [post]
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	res, err := h.webhooks.Ingest(c.Request.Context(), services.IngestInput{
		Source:     c.Param("source"),
		EventType:  c.GetHeader(HeaderGitHubEvent),
		DeliveryID: c.GetHeader(HeaderGitHubDelivery),
		Signature:  c.GetHeader(HeaderHubSignature256),
		Payload:    body,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, res)
}

// ListWebhookEvents godoc
// @ID          listWebhookEvents
// @Summary     Stored webhook deliveries (paginated)
// @Tags        Webhooks
// @Produce     json
// @Param       X-User-ID  header  string  true   "User ID"
// @Param       source     query   string  false  "Filter by provider"
// @Param       page       query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListWebhookEventsResponse
// @Router      /webhook-events [get]
func (h *Handlers) ListWebhookEvents(c *gin.Context) {
	page, pageSize := clampPagination(c)
	items, total, err := h.webhooks.WebhookEvents(c.Request.Context(), c.Query("source"), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListWebhookEventsResponse{Events: items, Pagination: newPagination(page, pageSize, total)})
}
