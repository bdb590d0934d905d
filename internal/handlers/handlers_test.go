package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tavrian/chatwire/internal/auth"
	"github.com/tavrian/chatwire/internal/config"
	"github.com/tavrian/chatwire/internal/store"
)

func newRouter(t *testing.T) (*gin.Engine, *auth.Verifier, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier := auth.NewVerifier("test-secret")
	subs := store.NewMemoryStore()
	cfg := &config.Config{
		VAPIDKeys: &config.VAPIDKeys{PublicKey: "pub", PrivateKey: "priv", Subject: "mailto:ops@example.com"},
	}
	h := New(cfg, nil, verifier, subs, slog.New(slog.NewTextHandler(io.Discard, nil)))

	router := gin.New()
	api := router.Group("/api")
	api.GET("/healthz", h.Healthz)
	api.GET("/vapid-public-key", h.GetVAPIDPublicKey)
	authed := api.Group("", h.RequireAuth)
	authed.POST("/push/subscribe", h.PushSubscribe)
	authed.POST("/push/unsubscribe", h.PushUnsubscribe)

	return router, verifier, subs
}

func doJSON(router *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _, _ := newRouter(t)
	w := doJSON(router, http.MethodGet, "/api/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status %d", w.Code)
	}
}

func TestVAPIDPublicKeyIsPublic(t *testing.T) {
	router, _, _ := newRouter(t)
	w := doJSON(router, http.MethodGet, "/api/vapid-public-key", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"pub"`) {
		t.Fatalf("vapid key response %d %s", w.Code, w.Body.String())
	}
}

func TestPushSubscribeRequiresAuth(t *testing.T) {
	router, _, _ := newRouter(t)
	w := doJSON(router, http.MethodPost, "/api/push/subscribe", "",
		`{"endpoint":"https://push.example/e1","keys":{"p256dh":"k","auth":"a"}}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestPushSubscribeLifecycle(t *testing.T) {
	router, verifier, subs := newRouter(t)
	token, err := verifier.IssueToken("u1", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	w := doJSON(router, http.MethodPost, "/api/push/subscribe", token,
		`{"endpoint":"https://push.example/e1","keys":{"p256dh":"k","auth":"a"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("subscribe status %d: %s", w.Code, w.Body.String())
	}

	stored, err := subs.ListByUser(context.Background(), "u1")
	if err != nil || len(stored) != 1 || stored[0].Endpoint != "https://push.example/e1" {
		t.Fatalf("stored subs %v err=%v", stored, err)
	}

	w = doJSON(router, http.MethodPost, "/api/push/unsubscribe", token,
		`{"endpoint":"https://push.example/e1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("unsubscribe status %d", w.Code)
	}

	stored, _ = subs.ListByUser(context.Background(), "u1")
	if len(stored) != 0 {
		t.Fatalf("subscription not removed: %v", stored)
	}
}

func TestPushSubscribeRejectsPartialKeys(t *testing.T) {
	router, verifier, _ := newRouter(t)
	token, _ := verifier.IssueToken("u1", time.Hour)

	w := doJSON(router, http.MethodPost, "/api/push/subscribe", token,
		`{"endpoint":"https://push.example/e1","keys":{"p256dh":"k"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
