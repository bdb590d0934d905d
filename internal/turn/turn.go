// Package turn embeds a relay for calls between peers that cannot reach
// each other directly. Long-term credentials are shared by all users; the
// gateway hands them out over an authenticated endpoint.
package turn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Server struct {
	inner *turn.Server
	creds Credentials
	port  int

	logger *slog.Logger
}

type Options struct {
	Port  int
	Realm string

	// Username and Password override the generated-and-persisted
	// credentials when both are set.
	Username string
	Password string

	// PublicIP skips detection when set.
	PublicIP string

	Logger *slog.Logger
}

func Start(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("turn: listen udp :%d: %w", opts.Port, err)
	}

	creds := Credentials{Username: opts.Username, Password: opts.Password}
	if creds.Username == "" || creds.Password == "" {
		creds = loadOrGenerateCredentials(logger)
	}

	relayIP := net.ParseIP(opts.PublicIP)
	if relayIP == nil {
		relayIP = detectPublicIP(logger)
	}
	if relayIP == nil {
		relayIP = detectLocalIP(logger)
	}
	logger.Info("turn relay address selected", "ip", relayIP.String(), "port", opts.Port)

	inner, err := turn.NewServer(turn.ServerConfig{
		Realm:       opts.Realm,
		AuthHandler: staticAuthHandler(creds),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: listener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("turn: start server: %w", err)
	}

	return &Server{inner: inner, creds: creds, port: opts.Port, logger: logger}, nil
}

// Credentials returns the long-term credentials clients must present.
func (s *Server) Credentials() Credentials {
	return s.creds
}

func (s *Server) Close() error {
	if s.inner != nil {
		return s.inner.Close()
	}
	return nil
}

func staticAuthHandler(creds Credentials) turn.AuthHandler {
	return func(username, realm string, _ net.Addr) ([]byte, bool) {
		if username != creds.Username {
			return nil, false
		}
		return turn.GenerateAuthKey(username, realm, creds.Password), true
	}
}

func loadOrGenerateCredentials(logger *slog.Logger) Credentials {
	keysDir := keysDirectory()
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if username, err := os.ReadFile(usernameFile); err == nil {
		if password, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{Username: string(username), Password: string(password)}
		}
	}

	creds := Credentials{Username: "chatwire", Password: generatePassword()}
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		_ = os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("turn credentials generated", "dir", keysDir)
	}
	return creds
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func generatePassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// detectPublicIP asks ipify. Relaying needs the address peers can actually
// reach, which behind NAT is not any local interface address.
func detectPublicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public ip lookup failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public ip lookup rejected", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("public ip response unreadable", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public ip response not an address", "body", strings.TrimSpace(string(body)))
		return nil
	}
	return ip
}

func detectLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("local ip detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
