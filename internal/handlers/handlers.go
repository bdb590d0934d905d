// Package handlers is the REST surface next to the realtime gateway: TURN
// credentials, push subscription management and health.
package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tavrian/chatwire/internal/config"
	"github.com/tavrian/chatwire/internal/store"
	"github.com/tavrian/chatwire/internal/turn"
)

type Verifier interface {
	Verify(token string) (string, error)
}

type Handlers struct {
	config   *config.Config
	turn     *turn.Server
	verifier Verifier
	subs     store.PushSubscriptions
	logger   *slog.Logger
}

func New(cfg *config.Config, turnServer *turn.Server, verifier Verifier, subs store.PushSubscriptions, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		config:   cfg,
		turn:     turnServer,
		verifier: verifier,
		subs:     subs,
		logger:   logger,
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RequireAuth verifies the bearer token and stores the user id in the gin
// context under "userID".
func (h *Handlers) RequireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	userID, err := h.verifier.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set("userID", userID)
	c.Next()
}
