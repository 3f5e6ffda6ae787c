package config

import "time"

// Push channel kinds accepted in server.push.
const (
	PushNone      = "none"
	PushSSE       = "sse"
	PushWebSocket = "websocket"
)

// Store backend kinds accepted in store.backend.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Server describes the bulk API the client talks to.
type Server struct {
	BaseURL           string  `yaml:"base_url"`
	Push              string  `yaml:"push"`
	PushURL           string  `yaml:"push_url,omitempty"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Jobs bounds a single fetch job.
type Jobs struct {
	MaxUnits        int           `yaml:"max_units"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollErrors   int           `yaml:"max_poll_errors"`
	DefaultInterval string        `yaml:"default_interval"`
	DefaultPeriod   string        `yaml:"default_period"`
}

// Store configures the reactive state store and its durable backend.
type Store struct {
	Namespace string `yaml:"namespace"`
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path,omitempty"`
}

// Phase is one granularity of a sequential fetch.
type Phase struct {
	Name     string `yaml:"name"`
	Interval string `yaml:"interval"`
	Period   string `yaml:"period"`
}

// Sequential configures multi-granularity fetches.
type Sequential struct {
	SymbolLimit int     `yaml:"symbol_limit"`
	Market      string  `yaml:"market,omitempty"`
	Phases      []Phase `yaml:"phases,omitempty"`
}

// Config represents the .bulkwatch/config.yaml file.
type Config struct {
	Server      Server     `yaml:"server"`
	Jobs        Jobs       `yaml:"jobs"`
	Store       Store      `yaml:"store"`
	Sequential  Sequential `yaml:"sequential"`
	LogLevel    string     `yaml:"log_level,omitempty"`
	MetricsAddr string     `yaml:"metrics_addr,omitempty"`
}
