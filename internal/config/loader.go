package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dir is the per-project configuration directory.
const Dir = ".bulkwatch"

// Default values for Config.
const (
	DefaultBaseURL           = "http://localhost:5000"
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 5
	DefaultMaxUnits          = 5000
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxPollErrors     = 5
	DefaultInterval          = "1d"
	DefaultPeriod            = "1mo"
	DefaultNamespace         = "stock-analyzer-app"
	DefaultSymbolLimit       = 5000
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server: Server{
			BaseURL:           DefaultBaseURL,
			Push:              PushNone,
			RequestsPerSecond: DefaultRequestsPerSecond,
			Burst:             DefaultBurst,
		},
		Jobs: Jobs{
			MaxUnits:        DefaultMaxUnits,
			PollInterval:    DefaultPollInterval,
			MaxPollErrors:   DefaultMaxPollErrors,
			DefaultInterval: DefaultInterval,
			DefaultPeriod:   DefaultPeriod,
		},
		Store: Store{
			Namespace: DefaultNamespace,
			Backend:   BackendFile,
			Path:      filepath.Join(Dir, "state.json"),
		},
		Sequential: Sequential{
			SymbolLimit: DefaultSymbolLimit,
		},
		LogLevel: "warn",
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// LoadConfig reads and parses .bulkwatch/config.yaml from the given base path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields.
func LoadConfig(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, Dir, "config.yaml")

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Store.Path = resolvePath(basePath, cfg.Store.Path)
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	cfg.Store.Path = resolvePath(basePath, cfg.Store.Path)
	return &cfg, nil
}

func resolvePath(basePath, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(basePath, p)
}

// ValidateConfig checks that all config values are valid.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.BaseURL == "" {
		return ValidationError{Field: "server.base_url", Message: "required field is empty"}
	}
	if u, err := url.Parse(cfg.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return ValidationError{Field: "server.base_url", Message: "must be an absolute URL"}
	}
	switch cfg.Server.Push {
	case PushNone, PushSSE, PushWebSocket:
	default:
		return ValidationError{Field: "server.push", Message: "must be one of none, sse, websocket"}
	}
	if cfg.Server.RequestsPerSecond <= 0 {
		return ValidationError{Field: "server.requests_per_second", Message: "must be positive"}
	}
	if cfg.Server.Burst <= 0 {
		return ValidationError{Field: "server.burst", Message: "must be positive"}
	}

	if cfg.Jobs.MaxUnits <= 0 {
		return ValidationError{Field: "jobs.max_units", Message: "must be positive"}
	}
	if cfg.Jobs.PollInterval <= 0 {
		return ValidationError{Field: "jobs.poll_interval", Message: "must be positive"}
	}
	if cfg.Jobs.MaxPollErrors <= 0 {
		return ValidationError{Field: "jobs.max_poll_errors", Message: "must be positive"}
	}

	if cfg.Store.Namespace == "" {
		return ValidationError{Field: "store.namespace", Message: "required field is empty"}
	}
	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite, BackendBadger:
		if cfg.Store.Path == "" {
			return ValidationError{Field: "store.path", Message: "required for " + cfg.Store.Backend + " backend"}
		}
	default:
		return ValidationError{Field: "store.backend", Message: "must be one of memory, file, sqlite, badger"}
	}

	if cfg.Sequential.SymbolLimit <= 0 {
		return ValidationError{Field: "sequential.symbol_limit", Message: "must be positive"}
	}
	for i, p := range cfg.Sequential.Phases {
		if p.Interval == "" || p.Period == "" {
			return ValidationError{
				Field:   fmt.Sprintf("sequential.phases[%d]", i),
				Message: "interval and period are required",
			}
		}
	}

	return nil
}

// LoadEnvFile parses .bulkwatch/.env into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, Dir, ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx == -1 {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}

// APIKey returns API_KEY from the process environment, falling back to the
// env file.
func APIKey(env map[string]string) string {
	if v := os.Getenv("API_KEY"); v != "" {
		return v
	}
	return env["API_KEY"]
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
