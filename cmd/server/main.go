package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tavrian/chatwire/internal/auth"
	"github.com/tavrian/chatwire/internal/broker"
	"github.com/tavrian/chatwire/internal/config"
	"github.com/tavrian/chatwire/internal/gateway"
	"github.com/tavrian/chatwire/internal/handlers"
	"github.com/tavrian/chatwire/internal/notify"
	"github.com/tavrian/chatwire/internal/state"
	"github.com/tavrian/chatwire/internal/store"
	"github.com/tavrian/chatwire/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	selfSigned := flag.Bool("self-signed", false, "Serve HTTPS with a generated self-signed certificate")
	flag.Parse()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("chatwire server starting", "version", AppVersion)

	if err := run(cfg, logger, *selfSigned); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, selfSigned bool) error {
	turnServer, err := turn.Start(turn.Options{
		Port:   cfg.TURNPort,
		Realm:  cfg.TURNRealm,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}
	defer turnServer.Close()
	logger.Info("turn relay started", "port", cfg.TURNPort, "realm", cfg.TURNRealm)

	bus, sessionState, err := buildCoordination(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("message store ready", "path", cfg.DBPath)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	pusher := notify.NewPusher(db, cfg.VAPIDKeys, logger)

	gw := gateway.New(gateway.Deps{
		Verifier:   verifier,
		Broker:     bus,
		Presence:   sessionState,
		Unread:     sessionState,
		Messages:   db,
		Membership: db,
		Notifier:   pusher,
		Logger:     logger,
	})
	if err := gw.Run(context.Background()); err != nil {
		return fmt.Errorf("subscribe gateway: %w", err)
	}

	api := handlers.New(cfg, turnServer, verifier, db, logger)
	router := setupRouter(gw, api, logger)

	return serve(router, cfg, selfSigned, logger)
}

// buildCoordination picks the broker and session state backends. Redis is
// the production choice, required for multi-instance fan-out; memory serves
// single-process deployments and development.
func buildCoordination(cfg *config.Config, logger *slog.Logger) (broker.Broker, state.Store, error) {
	switch cfg.Broker {
	case "redis":
		bus, err := broker.NewRedisBroker(cfg.RedisURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis broker: %w", err)
		}
		st, err := state.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			bus.Close()
			return nil, nil, fmt.Errorf("connect redis state: %w", err)
		}
		logger.Info("coordination backend ready", "broker", "redis")
		return bus, st, nil
	case "memory":
		logger.Warn("memory broker selected, presence and fan-out are single-process only")
		return broker.NewMemoryBroker(), state.NewMemoryStore(cfg.PresenceTTL), nil
	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

func setupRouter(gw *gateway.Gateway, api *handlers.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(slogGinLogger(logger), gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/ws", gw.HandleWebSocket)

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/healthz", api.Healthz)
		apiGroup.GET("/turn-config", api.GetTURNConfig)
		apiGroup.GET("/vapid-public-key", api.GetVAPIDPublicKey)

		authed := apiGroup.Group("", api.RequireAuth)
		authed.POST("/push/subscribe", api.PushSubscribe)
		authed.POST("/push/unsubscribe", api.PushUnsubscribe)
	}

	return router
}

func serve(router *gin.Engine, cfg *config.Config, selfSigned bool, logger *slog.Logger) error {
	if !selfSigned {
		httpServer := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logger.Info("http server starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	hosts := []string{"localhost"}
	if cfg.Domain != "" {
		hosts = []string{cfg.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}

	errorLog := log.New(newTLSErrorWriter(logger), "", 0)

	httpsServer := &http.Server{
		Addr:    ":" + cfg.HTTPSPort,
		Handler: router,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	// Plain-HTTP listeners redirect to the TLS port.
	go func() {
		redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := r.Host
			if idx := strings.Index(host, ":"); idx != -1 {
				host = host[:idx]
			}
			target := "https://" + host + ":" + cfg.HTTPSPort + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
		srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: redirect}
		logger.Info("http redirect server starting", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http redirect server failed", "error", err)
		}
	}()

	logger.Info("https server starting", "port", cfg.HTTPSPort, "domain", cfg.Domain)
	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// generateSelfSignedCert creates a throwaway certificate for local
// development. Production runs behind a terminating proxy.
func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	dnsNames := make([]string, 0, len(hosts))
	ipAddrs := make([]net.IP, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if idx := strings.Index(h, ":"); idx != -1 {
			h = h[:idx]
		}
		if ip := net.ParseIP(h); ip != nil {
			ipAddrs = append(ipAddrs, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	if len(dnsNames) == 0 && len(ipAddrs) == 0 {
		dnsNames = []string{"localhost"}
	}

	commonName := "localhost"
	if len(dnsNames) > 0 {
		commonName = dnsNames[0]
	} else if len(ipAddrs) > 0 {
		commonName = ipAddrs[0].String()
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Chatwire Development"},
			CommonName:   commonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddrs,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certBuffer := new(bytes.Buffer)
	if err := pem.Encode(certBuffer, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return nil, nil, fmt.Errorf("encode certificate: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyBuffer := new(bytes.Buffer)
	if err := pem.Encode(keyBuffer, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		return nil, nil, fmt.Errorf("encode private key: %w", err)
	}

	return certBuffer.Bytes(), keyBuffer.Bytes(), nil
}
