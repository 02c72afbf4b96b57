package http

import (
	"errors"
	"net/http"
	"sort"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// DirectoryHandler exposes the relay's presence directory read-only.
type DirectoryHandler struct {
	presence ports.PresenceRepository
}

func NewDirectoryHandler(presence ports.PresenceRepository) *DirectoryHandler {
	return &DirectoryHandler{presence: presence}
}

func (h *DirectoryHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/users", h.ListUsers)
	router.GET("/api/v1/users/:id", h.GetUser)
}

func (h *DirectoryHandler) ListUsers(c *gin.Context) {
	list, err := h.presence.List(c.Request.Context())
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "presence directory unavailable", http.StatusServiceUnavailable))
		return
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Username != list[j].Username {
			return list[i].Username < list[j].Username
		}
		return list[i].ID < list[j].ID
	})
	c.JSON(http.StatusOK, gin.H{"users": list, "count": len(list)})
}

func (h *DirectoryHandler) GetUser(c *gin.Context) {
	presence, err := h.presence.Get(c.Request.Context(), domain.PeerID(c.Param("id")))
	if errors.Is(err, domain.ErrPeerNotFound) {
		c.Error(err)
		return
	}
	if err != nil {
		c.Error(apperrors.NewServiceUnavailableError("presence directory unavailable"))
		return
	}
	c.JSON(http.StatusOK, presence)
}
