// Package config provides configuration management for FaceGate.
// It loads configuration from YAML files with sensible defaults and lets
// deployment secrets be overridden from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all FaceGate configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	AntiSpoof   AntiSpoofConfig   `yaml:"anti_spoof"`
	Storage     StorageConfig     `yaml:"storage"`
	Database    DatabaseConfig    `yaml:"database"`
	Registry    RegistryConfig    `yaml:"registry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	RetrainKey     string   `yaml:"retrain_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ConnectRate    float64  `yaml:"connect_rate"`  // new sessions per second per IP
	ConnectBurst   int      `yaml:"connect_burst"` // burst allowance per IP
	TrustedProxies []string `yaml:"trusted_proxies"` // IPs or CIDRs allowed to set X-Real-IP
}

// SessionConfig holds protocol session settings.
type SessionConfig struct {
	MaxDuration int `yaml:"max_duration"` // seconds, 0 disables expiry
	TokenTTL    int `yaml:"token_ttl"`    // seconds
}

// RecognitionConfig holds face recognition settings.
type RecognitionConfig struct {
	ModelPath   string  `yaml:"model_path"`
	Metric      string  `yaml:"metric"`
	Threshold   float64 `yaml:"threshold"`
	MinFaceSize int     `yaml:"min_face_size"`
	MaxFaceSize int     `yaml:"max_face_size"`
}

// LivenessConfig holds head-turn detection settings.
type LivenessConfig struct {
	DirectionThreshold float64 `yaml:"direction_threshold"` // fraction of eye distance
}

// AntiSpoofConfig holds presentation-attack detection settings.
type AntiSpoofConfig struct {
	MinScore float64 `yaml:"min_score"`
}

// StorageConfig holds embedding store settings.
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig selects the session admission backend.
type RegistryConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// envOverrides lists the settings that may come from the environment.
type envOverrides struct {
	Listen     string `env:"FACEGATE_LISTEN"`
	RetrainKey string `env:"FACEGATE_RETRAIN_KEY"`
	RedisURL   string `env:"FACEGATE_REDIS_URL"`
	DBPath     string `env:"FACEGATE_DB_PATH"`
	DataDir    string `env:"FACEGATE_DATA_DIR"`
	LogLevel   string `env:"FACEGATE_LOG_LEVEL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/facegate")
	return &Config{
		Server: ServerConfig{
			Listen:       ":8090",
			ConnectRate:  1,
			ConnectBurst: 5,
		},
		Session: SessionConfig{
			MaxDuration: 120,
			TokenTTL:    300,
		},
		Recognition: RecognitionConfig{
			ModelPath:   filepath.Join(dataDir, "dlib"),
			Metric:      "cosine",
			Threshold:   0.39,
			MinFaceSize: 140,
			MaxFaceSize: 280,
		},
		Liveness: LivenessConfig{
			DirectionThreshold: 0.1,
		},
		AntiSpoof: AntiSpoofConfig{
			MinScore: 0.5,
		},
		Storage: StorageConfig{
			DataDir:           dataDir,
			EncryptionEnabled: true,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "facegate.db"),
		},
		Registry: RegistryConfig{
			Backend:   "memory",
			KeyPrefix: "facegate:session:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "facegate.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/facegate/facegate.yaml"); err == nil {
		return Load("/etc/facegate/facegate.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/facegate/facegate.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// ApplyEnv overrides settings from FACEGATE_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(nil)
}

func (c *Config) applyEnv(environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if o.Listen != "" {
		c.Server.Listen = o.Listen
	}
	if o.RetrainKey != "" {
		c.Server.RetrainKey = o.RetrainKey
	}
	if o.RedisURL != "" {
		c.Registry.RedisURL = o.RedisURL
		c.Registry.Backend = "redis"
	}
	if o.DBPath != "" {
		c.Database.Path = o.DBPath
	}
	if o.DataDir != "" {
		c.Storage.DataDir = o.DataDir
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must be set")
	}
	if c.Server.ConnectRate < 0 || c.Server.ConnectBurst < 0 {
		return fmt.Errorf("connect_rate and connect_burst must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: invalid entry %q", p)
			}
		}
	}

	if c.Session.MaxDuration < 0 {
		return fmt.Errorf("session.max_duration must not be negative, got %d", c.Session.MaxDuration)
	}
	if c.Session.TokenTTL <= 0 {
		return fmt.Errorf("session.token_ttl must be positive, got %d", c.Session.TokenTTL)
	}

	switch c.Recognition.Metric {
	case "cosine", "euclidean":
	default:
		return fmt.Errorf("invalid recognition metric: %s (must be cosine or euclidean)", c.Recognition.Metric)
	}
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("recognition.threshold must be positive, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.MinFaceSize <= 0 || c.Recognition.MaxFaceSize < c.Recognition.MinFaceSize {
		return fmt.Errorf("invalid face size bounds: %d-%d", c.Recognition.MinFaceSize, c.Recognition.MaxFaceSize)
	}

	if c.Liveness.DirectionThreshold <= 0 || c.Liveness.DirectionThreshold >= 1 {
		return fmt.Errorf("direction_threshold must be between 0 and 1, got %f", c.Liveness.DirectionThreshold)
	}
	if c.AntiSpoof.MinScore < 0 || c.AntiSpoof.MinScore > 1 {
		return fmt.Errorf("anti_spoof.min_score must be between 0 and 1, got %f", c.AntiSpoof.MinScore)
	}

	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("registry.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid registry backend: %s (must be memory or redis)", c.Registry.Backend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Database.Path = ExpandPath(c.Database.Path)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories FaceGate writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{c.Storage.DataDir, 0700},
		{c.ImagesDir(), 0700},
		{c.EmbeddingsDir(), 0700},
		{c.Recognition.ModelPath, 0755},
		{filepath.Dir(c.Database.Path), 0700},
	}
	if c.Logging.File != "" {
		dirs = append(dirs, struct {
			path string
			perm os.FileMode
		}{filepath.Dir(c.Logging.File), 0755})
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d.path, err)
		}
	}
	return nil
}

// ImagesDir is where enrollment frames are kept, one subdirectory per user.
func (c *Config) ImagesDir() string {
	return filepath.Join(c.Storage.DataDir, "images")
}

// EmbeddingsDir holds the per-user and global embedding tables.
func (c *Config) EmbeddingsDir() string {
	return filepath.Join(c.Storage.DataDir, "embeddings")
}
