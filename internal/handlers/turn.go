package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.config.VAPIDKeys.PublicKey,
	})
}

// GetTURNConfig returns the ICE server list for call setup. The relay is
// addressed by whatever host the client reached us on, so a server behind a
// reverse proxy still hands out a reachable address. Plain "turn:" scheme:
// the relay is UDP-only and media is protected by DTLS-SRTP anyway.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turn.Credentials()
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []gin.H{
			{"urls": stunURL},
			{
				"urls":       turnURL,
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}
