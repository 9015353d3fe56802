// Package config loads, validates, and persists the tabpilot configuration
// file. The file is JSON with ${VAR} / ${VAR:-default} environment variable
// substitution applied before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Browser      BrowserConfig      `json:"browser"`
	Store        StoreConfig        `json:"store"`
	Parser       ParserConfig       `json:"parser"`
	Intent       IntentConfig       `json:"intent"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Alias        AliasConfig        `json:"alias"`
	ErrorLog     ErrorLogConfig     `json:"errorLog"`
	Mail         MailConfig         `json:"mail"`
	Integrations IntegrationsConfig `json:"integrations"`
	Control      ControlConfig      `json:"control"`
}

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	Workspace string `json:"workspace"`
	LogLevel  string `json:"logLevel"` // "debug" | "info" | "warn" | "error"
	LogFile   string `json:"logFile,omitempty"`
}

// BrowserConfig configures the Chrome automation surface.
type BrowserConfig struct {
	ProfileDir string `json:"profileDir"` // persists cookies and login sessions
	Headless   bool   `json:"headless"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// ParserConfig bounds tool-call extraction from model output.
type ParserConfig struct {
	MaxCalls int `json:"maxCalls"` // calls kept per batch; extras are dropped
}

// IntentConfig tunes the direct intent detector. Destinations maps a spoken
// destination name to the URL opened for it, replacing the built-in set.
type IntentConfig struct {
	Destinations map[string]string `json:"destinations,omitempty"`
}

// DispatchConfig tunes the retrying surface dispatcher.
type DispatchConfig struct {
	MaxAttempts  int `json:"maxAttempts"`
	RetryDelayMS int `json:"retryDelayMs"`
}

// AliasConfig bounds the contact alias book.
type AliasConfig struct {
	MaxEntries       int `json:"maxEntries"`
	SyncCooldownMins int `json:"syncCooldownMinutes"`
}

// ErrorLogConfig bounds the deduplicating tool-failure log.
type ErrorLogConfig struct {
	MaxEntries      int `json:"maxEntries"`
	MaxAgeMins      int `json:"maxAgeMinutes"`
	CoalesceWindowS int `json:"coalesceWindowSeconds"`
}

// MailConfig configures the SMTP relay for mail.send.
type MailConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	From           string `json:"from,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// IntegrationsConfig points at the YAML allow-list of outbound HTTP endpoints.
type IntegrationsConfig struct {
	RegistryPath string `json:"registryPath,omitempty"`
}

// ControlConfig configures the WebSocket control channel.
type ControlConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// DefaultConfigDir returns the default config directory (~/.tabpilot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tabpilot"
	}
	return filepath.Join(home, ".tabpilot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Integrations.RegistryPath = ExpandPath(cfg.Integrations.RegistryPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Parser.MaxCalls < 1 || cfg.Parser.MaxCalls > 20 {
		errs = append(errs, "parser.maxCalls must be between 1 and 20")
	}
	if cfg.Dispatch.MaxAttempts < 1 || cfg.Dispatch.MaxAttempts > 10 {
		errs = append(errs, "dispatch.maxAttempts must be between 1 and 10")
	}
	if cfg.Dispatch.RetryDelayMS < 0 {
		errs = append(errs, "dispatch.retryDelayMs must be >= 0")
	}

	if cfg.Alias.MaxEntries < 1 {
		errs = append(errs, "alias.maxEntries must be >= 1")
	}
	if cfg.ErrorLog.MaxEntries < 1 {
		errs = append(errs, "errorLog.maxEntries must be >= 1")
	}
	if cfg.ErrorLog.MaxAgeMins < 1 {
		errs = append(errs, "errorLog.maxAgeMinutes must be >= 1")
	}

	if cfg.Control.Port < 0 || cfg.Control.Port > 65535 {
		errs = append(errs, "control.port must be between 0 and 65535")
	}
	if cfg.Control.Enabled && !strings.HasPrefix(cfg.Control.Path, "/") {
		errs = append(errs, "control.path must start with /")
	}

	if cfg.Mail.Enabled {
		if cfg.Mail.Host == "" {
			errs = append(errs, "mail.host is required when mail is enabled")
		}
		if cfg.Mail.From == "" {
			errs = append(errs, "mail.from is required when mail is enabled")
		}
		if cfg.Mail.Port < 0 || cfg.Mail.Port > 65535 {
			errs = append(errs, "mail.port must be between 0 and 65535")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
