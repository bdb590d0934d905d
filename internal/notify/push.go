// Package notify delivers Web Push notifications to users with no live
// gateway connection.
package notify

import (
	"context"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"

	"github.com/tavrian/chatwire/internal/config"
	"github.com/tavrian/chatwire/internal/store"
)

type Pusher struct {
	subs   store.PushSubscriptions
	vapid  *config.VAPIDKeys
	logger *slog.Logger
}

func NewPusher(subs store.PushSubscriptions, vapid *config.VAPIDKeys, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pusher{subs: subs, vapid: vapid, logger: logger}
}

type payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Send pushes to every subscription the user registered. Best effort: a
// failing endpoint never fails the caller, and endpoints the push service
// reports gone are pruned on the spot.
func (p *Pusher) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	subs, err := p.subs.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	raw, err := json.Marshal(payload{Title: title, Body: body, Data: data})
	if err != nil {
		return err
	}

	for _, sub := range subs {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}

		resp, err := webpush.SendNotificationWithContext(ctx, raw, target, &webpush.Options{
			Subscriber:      p.vapid.Subject,
			VAPIDPublicKey:  p.vapid.PublicKey,
			VAPIDPrivateKey: p.vapid.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			p.logger.Warn("push send failed", "user_id", userID, "error", err)
			continue
		}

		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			// The push service says this subscription no longer exists.
			if err := p.subs.Delete(ctx, userID, sub.Endpoint); err != nil {
				p.logger.Warn("stale subscription prune failed", "user_id", userID, "error", err)
			}
		}
		resp.Body.Close()
	}
	return nil
}
