package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tavrian/chatwire/internal/store"
)

type pushKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string   `json:"endpoint" binding:"required"`
	Keys     pushKeys `json:"keys" binding:"required"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) PushSubscribe(c *gin.Context) {
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription"})
		return
	}
	userID := c.GetString("userID")

	sub := &store.PushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
	}
	if err := h.subs.Save(c.Request.Context(), sub); err != nil {
		h.logger.Error("push subscription save failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscription not saved"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"status": "subscribed"})
}

func (h *Handlers) PushUnsubscribe(c *gin.Context) {
	var req pushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	userID := c.GetString("userID")

	if err := h.subs.Delete(c.Request.Context(), userID, req.Endpoint); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}
