package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

// Push transports understood by the client.
const (
	PushSSE       = "sse"
	PushWebSocket = "websocket"
)

// RegistryMemory selects an in-process cron registry instead of a
// directory on disk.
const RegistryMemory = "memory"

// Config is the merged configuration.
type Config struct {
	SidecarURL string          `json:"sidecarUrl,omitempty"`
	Push       string          `json:"push,omitempty"`
	LogLevel   string          `json:"logLevel,omitempty"`
	Registry   string          `json:"registry,omitempty"`
	Timeout    string          `json:"timeout,omitempty"`
	Reconnect  ReconnectConfig `json:"reconnect"`
	Sidecar    SidecarConfig   `json:"sidecar"`
}

// ReconnectConfig tunes stream reconnection. Zero fields keep defaults.
type ReconnectConfig struct {
	InitialInterval string  `json:"initialInterval,omitempty"`
	MaxInterval     string  `json:"maxInterval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	MaxRetries      int     `json:"maxRetries,omitempty"`
}

// SidecarConfig configures the local backend.
type SidecarConfig struct {
	Addr       string `json:"addr,omitempty"`
	TokenDelay string `json:"tokenDelay,omitempty"`
	Heartbeat  string `json:"heartbeat,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SidecarURL: "http://127.0.0.1:4319",
		Push:       PushSSE,
		LogLevel:   "warn",
		Registry:   GetPaths().RegistryPath(),
		Timeout:    "30s",
		Sidecar: SidecarConfig{
			Addr:       "127.0.0.1:4319",
			TokenDelay: "20ms",
			Heartbeat:  "15s",
		},
	}
}

// Load loads configuration from these sources, later ones winning:
//  1. built-in defaults
//  2. global config (~/.config/myagents/)
//  3. workspace config (.myagents/)
//  4. MYAGENTS_CONFIG file
//  5. environment variables, including a workspace .env file
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory != "" {
		// Existing environment variables take precedence over .env.
		if err := godotenv.Load(filepath.Join(directory, ".env")); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return nil
		}
		if err := loadConfigFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("%s: %w", path, err)
		}
		loaded[abs] = true
		return nil
	}

	globalDir := GetPaths().Config
	paths := []string{
		filepath.Join(globalDir, appName+".json"),
		filepath.Join(globalDir, appName+".jsonc"),
	}
	if directory != "" {
		projectDir := filepath.Join(directory, ".myagents")
		paths = append(paths,
			filepath.Join(projectDir, appName+".json"),
			filepath.Join(projectDir, appName+".jsonc"),
		)
	}
	if p := os.Getenv("MYAGENTS_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if err := loadOnce(p); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(jsonc.ToJSON(data))

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	mergeConfig(cfg, &fileCfg)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func mergeConfig(target, source *Config) {
	if source.SidecarURL != "" {
		target.SidecarURL = source.SidecarURL
	}
	if source.Push != "" {
		target.Push = source.Push
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.Registry != "" {
		target.Registry = source.Registry
	}
	if source.Timeout != "" {
		target.Timeout = source.Timeout
	}

	r := source.Reconnect
	if r.InitialInterval != "" {
		target.Reconnect.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval != "" {
		target.Reconnect.MaxInterval = r.MaxInterval
	}
	if r.Multiplier != 0 {
		target.Reconnect.Multiplier = r.Multiplier
	}
	if r.MaxRetries != 0 {
		target.Reconnect.MaxRetries = r.MaxRetries
	}

	s := source.Sidecar
	if s.Addr != "" {
		target.Sidecar.Addr = s.Addr
	}
	if s.TokenDelay != "" {
		target.Sidecar.TokenDelay = s.TokenDelay
	}
	if s.Heartbeat != "" {
		target.Sidecar.Heartbeat = s.Heartbeat
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MYAGENTS_SIDECAR_URL"); v != "" {
		cfg.SidecarURL = v
	}
	if v := os.Getenv("MYAGENTS_PUSH"); v != "" {
		cfg.Push = v
	}
	if v := os.Getenv("MYAGENTS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MYAGENTS_REGISTRY"); v != "" {
		cfg.Registry = v
	}
	if v := os.Getenv("MYAGENTS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconnect.MaxRetries = n
		}
	}
}

// Validate checks enumerations and durations.
func (c *Config) Validate() error {
	switch c.Push {
	case PushSSE, PushWebSocket:
	default:
		return fmt.Errorf("invalid push transport %q", c.Push)
	}
	for name, v := range map[string]string{
		"timeout":                   c.Timeout,
		"reconnect.initialInterval": c.Reconnect.InitialInterval,
		"reconnect.maxInterval":     c.Reconnect.MaxInterval,
		"sidecar.tokenDelay":        c.Sidecar.TokenDelay,
		"sidecar.heartbeat":         c.Sidecar.Heartbeat,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("invalid reconnect.maxRetries %d", c.Reconnect.MaxRetries)
	}
	return nil
}

// Duration parses a validated duration field, returning fallback when
// it is empty.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
