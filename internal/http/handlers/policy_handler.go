package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/services"
)

// ListPoliciesResponse lists the stored policies of the caller.
type ListPoliciesResponse struct {
	Policies []domain.RepoPolicy `json:"policies"`
}

// ListPolicies godoc
// @ID          listPolicies
// @Summary     Stored repository policies
// @Tags        Policies
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Success     200  {object}  handlers.ListPoliciesResponse
// @Router      /policies [get]
func (h *Handlers) ListPolicies(c *gin.Context) {
	items, err := h.policies.List(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if items == nil {
		items = []domain.RepoPolicy{}
	}
	ok(c, http.StatusOK, ListPoliciesResponse{Policies: items})
}

// GetPolicy godoc
// @ID          getPolicy
// @Summary     Effective policy for a repository
// @Description Returns the stored row, or the restrictive default with stored=false.
// @Tags        Policies
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       owner      path    string  true  "Repository owner"
// @Param       repo       path    string  true  "Repository name"
// @Success     200  {object}  services.PolicyView
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /policies/{owner}/{repo} [get]
func (h *Handlers) GetPolicy(c *gin.Context) {
	v, err := h.policies.Get(c.Request.Context(), userID(c), repoParam(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, v)
}

// PutPolicy godoc
// @ID          putPolicy
// @Summary     Create or update a repository policy
// @Description Fields left out keep their stored value (or the new-row default).
// @Tags        Policies
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       owner      path    string  true  "Repository owner"
// @Param       repo       path    string  true  "Repository name"
// @Param       body       body    services.PolicyUpdate  true  "Policy fields"
// @Success     200  {object}  domain.RepoPolicy
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /policies/{owner}/{repo} [put]
func (h *Handlers) PutPolicy(c *gin.Context) {
	var u services.PolicyUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	p, err := h.policies.Put(c.Request.Context(), userID(c), repoParam(c), u)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeletePolicy godoc
// @ID          deletePolicy
// @Summary     Remove a repository policy
// @Description The restrictive default applies again afterwards.
// @Tags        Policies
// @Param       X-User-ID  header  string  true  "User ID"
// @Param       owner      path    string  true  "Repository owner"
// @Param       repo       path    string  true  "Repository name"
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /policies/{owner}/{repo} [delete]
func (h *Handlers) DeletePolicy(c *gin.Context) {
	if err := h.policies.Delete(c.Request.Context(), userID(c), repoParam(c)); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
