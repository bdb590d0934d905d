package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string

	RedisURL string
	// Broker selects the fan-out backend: "redis" or "memory".
	// Memory is only valid for single-process deployments.
	Broker string

	DBPath string

	JWTSecret string
	TokenTTL  time.Duration

	PresenceTTL time.Duration

	TURNPort  int
	TURNRealm string

	VAPIDKeys *VAPIDKeys

	LogLevel string
}

type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	Subject    string `json:"subject"`
}

// Load reads configuration from environment variables, overridden by an
// optional config.json next to the executable. The JWT secret is never stored
// in config.json; it lives in the keys directory or the JWT_SECRET env var.
func Load() *Config {
	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		HTTPSPort:   getEnv("HTTPS_PORT", "8443"),
		Domain:      getEnv("DOMAIN", "localhost"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		Broker:      getEnv("BROKER", "redis"),
		DBPath:      getEnv("DB_PATH", "chatwire.db"),
		TokenTTL:    getEnvDuration("TOKEN_TTL", 24*time.Hour),
		PresenceTTL: getEnvDuration("PRESENCE_TTL", 30*time.Second),
		TURNPort:    getEnvInt("TURN_PORT", 3478),
		TURNRealm:   getEnv("TURN_REALM", "chatwire"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	if fileCfg, err := loadConfigFile(); err == nil {
		applyFile(cfg, fileCfg)
		fmt.Println("NOTE: Custom configuration loaded from config.json")
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
}

type fileConfig struct {
	HTTPPort    string `json:"http_port"`
	HTTPSPort   string `json:"https_port"`
	Domain      string `json:"domain"`
	RedisURL    string `json:"redis_url"`
	Broker      string `json:"broker"`
	DBPath      string `json:"db_path"`
	TURNPort    int    `json:"turn_port"`
	TURNRealm   string `json:"turn_realm"`
	PresenceTTL string `json:"presence_ttl"`
	LogLevel    string `json:"log_level"`
}

func loadConfigFile() (*fileConfig, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.HTTPSPort != "" {
		cfg.HTTPSPort = fc.HTTPSPort
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.RedisURL != "" {
		cfg.RedisURL = fc.RedisURL
	}
	if fc.Broker != "" {
		cfg.Broker = fc.Broker
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.TURNPort != 0 {
		cfg.TURNPort = fc.TURNPort
	}
	if fc.TURNRealm != "" {
		cfg.TURNRealm = fc.TURNRealm
	}
	if fc.PresenceTTL != "" {
		if d, err := time.ParseDuration(fc.PresenceTTL); err == nil && d > 0 {
			cfg.PresenceTTL = d
		}
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: Failed to save JWT secret to disk: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET environment variable")
		}
	}

	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")

	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@chatwire.local"),
		}
	}

	keysDir := keysDirectory()
	keysFile := filepath.Join(keysDir, "vapid.json")

	if data, err := os.ReadFile(keysFile); err == nil {
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PublicKey != "" && keys.PrivateKey != "" {
			return &keys
		}
	}

	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("Failed to generate VAPID keys: " + err.Error())
	}

	keys := &VAPIDKeys{
		PublicKey:  public,
		PrivateKey: private,
		Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@chatwire.local"),
	}

	if data, err := json.MarshalIndent(keys, "", "  "); err == nil {
		if err := os.MkdirAll(keysDir, 0700); err == nil {
			if err := os.WriteFile(keysFile, data, 0600); err != nil {
				fmt.Printf("Warning: Failed to save VAPID keys to disk: %v\n", err)
			}
		}
	}

	return keys
}
