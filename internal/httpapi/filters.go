package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ListingRadar/internal/domain"
)

// filterRequest defaults Active to true when the field is omitted.
type filterRequest struct {
	domain.SubscriberFilter
	Active *bool `json:"active"`
}

func (r filterRequest) filter() domain.SubscriberFilter {
	f := r.SubscriberFilter
	f.Active = r.Active == nil || *r.Active
	return f
}

func (h *handlers) createFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	created, err := h.filters.Create(c.Request.Context(), req.filter())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *handlers) updateFilter(c *gin.Context) {
	var req filterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	updated, err := h.filters.Update(c.Request.Context(), c.Param("id"), req.filter())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *handlers) getFilter(c *gin.Context) {
	f, err := h.filters.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h *handlers) listFilters(c *gin.Context) {
	list, err := h.filters.List(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.SubscriberFilter{}
	}
	c.JSON(http.StatusOK, gin.H{"filters": list})
}

func (h *handlers) deleteFilter(c *gin.Context) {
	if err := h.filters.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
