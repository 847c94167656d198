// Package config handles configuration loading and validation for sonnun.
//
// Configuration is read from TOML by default; JSON and YAML are selected by
// file extension. Environment variables prefixed with SONNUN_ override file
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sonnun/internal/logging"
	"sonnun/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the complete sonnun configuration.
type Config struct {
	mu sync.RWMutex

	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`
	Assist  AssistConfig  `toml:"assist" json:"assist" yaml:"assist"`
	Watch   WatchConfig   `toml:"watch" json:"watch" yaml:"watch"`
	Export  ExportConfig  `toml:"export" json:"export" yaml:"export"`
	Verify  VerifyConfig  `toml:"verify" json:"verify" yaml:"verify"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds event log persistence settings.
type StorageConfig struct {
	// Type is "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetainRawText stores inserted text next to its content reference.
	RetainRawText bool `toml:"retain_raw_text" json:"retain_raw_text" yaml:"retain_raw_text"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// SigningConfig locates the attestation key pair.
type SigningConfig struct {
	// KeyPath is the private key file (OpenSSH PEM, mode 0600).
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// PublicKeyPath is the distributable authorized_keys line.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`
}

// AssistConfig configures the AI completion provider.
type AssistConfig struct {
	Endpoint    string  `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Model       string  `toml:"model" json:"model" yaml:"model"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `toml:"temperature" json:"temperature" yaml:"temperature"`
	TimeoutSec  int     `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// APIKeyEnv names the environment variable holding the credential.
	// The credential itself is never stored in the config file.
	APIKeyEnv string `toml:"api_key_env" json:"api_key_env" yaml:"api_key_env"`

	// RequestsPerMinute caps outgoing completions. Zero disables the cap.
	RequestsPerMinute int `toml:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
}

// WatchConfig tunes the file surface.
type WatchConfig struct {
	// DebounceMs is how long a file must be quiet before a save counts.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`
}

// ExportConfig holds artifact presentation defaults.
type ExportConfig struct {
	Title  string `toml:"title" json:"title" yaml:"title"`
	Author string `toml:"author" json:"author" yaml:"author"`
}

// VerifyConfig tunes batch verification.
type VerifyConfig struct {
	// Parallelism bounds concurrent artifact checks.
	Parallelism int `toml:"parallelism" json:"parallelism" yaml:"parallelism"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// AuditPath is the JSON-lines audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:          "sqlite",
			Path:          filepath.Join(dir, "events.db"),
			RetainRawText: false,
			BusyTimeoutMs: 5000,
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "signing_key"),
			PublicKeyPath: filepath.Join(dir, "signing_key.pub"),
		},
		Assist: AssistConfig{
			Endpoint:          "https://api.openai.com/v1/chat/completions",
			Model:             "gpt-3.5-turbo",
			MaxTokens:         1000,
			Temperature:       0.7,
			TimeoutSec:        60,
			APIKeyEnv:         "OPENAI_API_KEY",
			RequestsPerMinute: 20,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Export: ExportConfig{
			Title: "Untitled document",
		},
		Verify: VerifyConfig{
			Parallelism: 4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stderr",
			FilePath:  filepath.Join(dir, "sonnun.log"),
			AuditPath: filepath.Join(dir, "audit.jsonl"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base sonnun directory, honouring SONNUN_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("SONNUN_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Validate checks the configuration for errors. Warnings alone do not
// fail validation. The returned error, when not nil, is a ValidationErrors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if errs := ValidateConfig(c); errs.HasErrors() {
		return errs
	}
	return nil
}

// EnsureDirectories creates every directory a configured path lives in.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	dirs := []string{
		filepath.Dir(c.Signing.KeyPath),
		filepath.Dir(c.Signing.PublicKeyPath),
	}
	if c.Storage.Type == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	c.mu.RUnlock()

	// The data directory holds key material and is kept at 0700.
	if err := security.EnsureSecureDir(DataDir()); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with SONNUN_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("SONNUN_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("SONNUN_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("SONNUN_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
	if v := os.Getenv("SONNUN_PUBLIC_KEY_PATH"); v != "" {
		c.Signing.PublicKeyPath = v
	}
	if v := os.Getenv("SONNUN_ASSIST_ENDPOINT"); v != "" {
		c.Assist.Endpoint = v
	}
	if v := os.Getenv("SONNUN_ASSIST_MODEL"); v != "" {
		c.Assist.Model = v
	}
	if v := os.Getenv("SONNUN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SONNUN_LOG_PATH"); v != "" {
		c.Logging.Output = "file"
		c.Logging.FilePath = v
	}
	if v := os.Getenv("SONNUN_AUDIT_PATH"); v != "" {
		c.Logging.AuditPath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Storage: c.Storage,
		Signing: c.Signing,
		Assist:  c.Assist,
		Watch:   c.Watch,
		Export:  c.Export,
		Verify:  c.Verify,
		Logging: c.Logging,
	}
}

// APIKey reads the assist credential from the configured variable.
func (c *Config) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Assist.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Assist.APIKeyEnv)
}

// LoggerConfig converts the logging section for logging.New.
func (l LoggingConfig) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: logging.level: %w", err)
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, fmt.Errorf("config: logging.format: %w", err)
	}
	return &logging.Config{
		Level:     level,
		Format:    format,
		Output:    l.Output,
		FilePath:  l.FilePath,
		Component: component,
	}, nil
}
