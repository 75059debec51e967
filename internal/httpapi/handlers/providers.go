package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/omnichat/omnichat/internal/common"
)

// ListProviders returns the enabled providers with a live health probe.
func (h *Handler) ListProviders(c *gin.Context) {
	common.OK(c, gin.H{
		"providers": h.Providers.List(c.Request.Context()),
		"default":   h.Providers.DefaultID(),
	})
}

// ListProviderModels returns the models one provider currently serves.
func (h *Handler) ListProviderModels(c *gin.Context) {
	models, err := h.Providers.ListModels(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.OK(c, gin.H{"models": models})
}
