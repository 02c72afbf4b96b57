package http

import (
	"net/http"
	"strings"
	"time"

	"rillcall/internal/core/ports"
	"rillcall/pkg/errors"
	"rillcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues the bearer tokens the signaling relay accepts.
type AuthHandler struct {
	authService ports.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService ports.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/api/v1/token", h.IssueToken)
}

type TokenRequest struct {
	Username string `json:"username" binding:"required,max=50"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Username    string `json:"username"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.IssueToken(c.Request.Context(), req.Username)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to issue token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.tokenTTL / time.Second),
		Username:    req.Username,
	})
}
