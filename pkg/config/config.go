package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "copilotbridge.toml"

	EnvListenAddr = "COPILOTBRIDGE_LISTEN_ADDR"
	EnvLogLevel   = "COPILOTBRIDGE_LOG_LEVEL"
)

type UpstreamConfig struct {
	ChatURL        string `toml:"chat_url"`
	EmbeddingsURL  string `toml:"embeddings_url"`
	ModelsURL      string `toml:"models_url"`
	TokenURL       string `toml:"token_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type IdentityConfig struct {
	EditorVersion       string `toml:"editor_version"`
	EditorPluginVersion string `toml:"editor_plugin_version"`
	UserAgent           string `toml:"user_agent"`
	APIVersion          string `toml:"api_version"`
	TokenAPIVersion     string `toml:"token_api_version"`
	Organization        string `toml:"organization"`
	IntegrationID       string `toml:"integration_id"`
}

type CredentialsConfig struct {
	AllowedPrefixes        []string `toml:"allowed_prefixes"`
	ReuseKnownWhenMissing  bool     `toml:"reuse_known_when_missing"`
	ReasoningModelPrefixes []string `toml:"reasoning_model_prefixes"`
	DefaultModel           string   `toml:"default_model"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type LoginConfig struct {
	ClientID       string `toml:"client_id"`
	DeviceCodeURL  string `toml:"device_code_url"`
	AccessTokenURL string `toml:"access_token_url"`
	Scope          string `toml:"scope"`
}

type ServerConfig struct {
	ListenAddr   string            `toml:"listen_addr"`
	PortFallback bool              `toml:"port_fallback"`
	LogLevel     string            `toml:"log_level"`
	LogFormat    string            `toml:"log_format"`
	Upstream     UpstreamConfig    `toml:"upstream"`
	Identity     IdentityConfig    `toml:"identity"`
	Credentials  CredentialsConfig `toml:"credentials"`
	TLS          TLSConfig         `toml:"tls"`
	Login        LoginConfig       `toml:"login"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "copilotbridge", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "copilotbridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   "127.0.0.1:8080",
		PortFallback: true,
		LogLevel:     "info",
		LogFormat:    "text",
		Upstream: UpstreamConfig{
			ChatURL:       "https://api.individual.githubcopilot.com/chat/completions",
			EmbeddingsURL: "https://api.individual.githubcopilot.com/embeddings",
			ModelsURL:     "https://api.individual.githubcopilot.com/models",
			TokenURL:      "https://api.github.com/copilot_internal/v2/token",
		},
		Identity: IdentityConfig{
			EditorVersion:       "vscode/1.98.0-insider",
			EditorPluginVersion: "copilot/1.270.0",
			UserAgent:           "GitHubCopilotChat/0.23.2",
			APIVersion:          "2025-01-21",
			TokenAPIVersion:     "2024-12-15",
			Organization:        "github-copilot",
			IntegrationID:       "vscode-chat",
		},
		Credentials: CredentialsConfig{
			AllowedPrefixes:        []string{"ghu", "gho"},
			ReuseKnownWhenMissing:  false,
			ReasoningModelPrefixes: []string{"o1", "o3"},
			DefaultModel:           "gpt-4o",
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
		Login: LoginConfig{
			ClientID:       "Iv1.b507a08c87ecfe98",
			DeviceCodeURL:  "https://github.com/login/device/code",
			AccessTokenURL: "https://github.com/login/oauth/access_token",
			Scope:          "read:user",
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides file settings with COPILOTBRIDGE_* variables.
func (c *ServerConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvListenAddr); ok && strings.TrimSpace(v) != "" {
		c.ListenAddr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
}

func (c *ServerConfig) Normalize() {
	def := NewDefaultServerConfig()
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	c.Upstream.ChatURL = strings.TrimSpace(c.Upstream.ChatURL)
	c.Upstream.EmbeddingsURL = strings.TrimSpace(c.Upstream.EmbeddingsURL)
	c.Upstream.ModelsURL = strings.TrimSpace(c.Upstream.ModelsURL)
	c.Upstream.TokenURL = strings.TrimSpace(c.Upstream.TokenURL)
	if c.Upstream.TimeoutSeconds < 0 {
		c.Upstream.TimeoutSeconds = 0
	}

	c.Credentials.AllowedPrefixes = normalizeList(c.Credentials.AllowedPrefixes)
	c.Credentials.ReasoningModelPrefixes = normalizeList(c.Credentials.ReasoningModelPrefixes)
	c.Credentials.DefaultModel = strings.TrimSpace(c.Credentials.DefaultModel)
	if c.Credentials.DefaultModel == "" {
		c.Credentials.DefaultModel = def.Credentials.DefaultModel
	}

	c.TLS.Domain = strings.ToLower(strings.TrimSpace(c.TLS.Domain))
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}

	if strings.TrimSpace(c.Login.ClientID) == "" {
		c.Login.ClientID = def.Login.ClientID
	}
	if strings.TrimSpace(c.Login.DeviceCodeURL) == "" {
		c.Login.DeviceCodeURL = def.Login.DeviceCodeURL
	}
	if strings.TrimSpace(c.Login.AccessTokenURL) == "" {
		c.Login.AccessTokenURL = def.Login.AccessTokenURL
	}
	if strings.TrimSpace(c.Login.Scope) == "" {
		c.Login.Scope = def.Login.Scope
	}
}

func (c *ServerConfig) Validate() error {
	for _, u := range []struct{ name, raw string }{
		{"upstream.chat_url", c.Upstream.ChatURL},
		{"upstream.embeddings_url", c.Upstream.EmbeddingsURL},
		{"upstream.models_url", c.Upstream.ModelsURL},
		{"upstream.token_url", c.Upstream.TokenURL},
	} {
		if err := validateURL(u.name, u.raw); err != nil {
			return err
		}
	}
	if len(c.Credentials.AllowedPrefixes) == 0 {
		return errors.New("credentials.allowed_prefixes cannot be empty")
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("log_format %q is not one of text, json, logfmt", c.LogFormat)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("log_level %q is not valid", c.LogLevel)
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
