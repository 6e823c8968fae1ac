// Package config handles loading and validating flowgate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Default correlation tokens, one per flow kind.
const (
	DefaultDropInRequestCode = 0x1337
	DefaultCustomRequestCode = 0x420
)

// Config is the root configuration for flowgate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.flowgate. Override: FLOWGATE_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Surface       *SurfaceConfig       `json:"surface,omitempty" yaml:"surface,omitempty"` // nil = defaults, no token
	Flows         FlowsConfig          `json:"flows" yaml:"flows"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under data_dir
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = history disabled
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = no cron jobs
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // nil = /mcp not mounted
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr             string            `json:"listen_addr" yaml:"listen_addr" validate:"omitempty,hostname_port"` // Default: ":8080". Override: FLOWGATE_LISTEN_ADDR.
	EnableDocs             bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes    int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes" validate:"gte=0"`
	APIKeyHashes           map[string]string `json:"api_key_hashes,omitempty" yaml:"api_key_hashes,omitempty"` // caller ID → argon2id hash.
	APIKeys                []string          `json:"-" yaml:"-"`                                               // Plaintext keys from FLOWGATE_API_KEYS.
	ShutdownTimeoutSeconds int               `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" validate:"gte=0"`
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// ShutdownTimeout returns the graceful shutdown deadline, default 10s.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutSeconds > 0 {
		return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// AuthEnabled reports whether any API key is configured.
func (s ServerConfig) AuthEnabled() bool {
	return len(s.APIKeyHashes) > 0 || len(s.APIKeys) > 0
}

// SurfaceConfig configures the WebSocket endpoint presentation surfaces
// connect to.
type SurfaceConfig struct {
	Path                       string `json:"path" yaml:"path"`   // Default: "/ws/surface".
	Token                      string `json:"token" yaml:"token"` // Shared token. Override: FLOWGATE_SURFACE_TOKEN.
	HeartbeatIntervalSeconds   int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds" validate:"gte=0"`
	RegistrationTimeoutSeconds int    `json:"registration_timeout_seconds" yaml:"registration_timeout_seconds" validate:"gte=0"`
}

// WSPath returns the WebSocket path with a default of "/ws/surface".
func (s *SurfaceConfig) WSPath() string {
	if s != nil && s.Path != "" {
		return s.Path
	}
	return "/ws/surface"
}

// SharedToken returns the surface token, empty when unset.
func (s *SurfaceConfig) SharedToken() string {
	if s == nil {
		return ""
	}
	return s.Token
}

// HeartbeatInterval returns the ping interval with a default of 30s.
func (s *SurfaceConfig) HeartbeatInterval() time.Duration {
	if s != nil && s.HeartbeatIntervalSeconds > 0 {
		return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// RegistrationTimeout returns the registration deadline with a default of 10s.
func (s *SurfaceConfig) RegistrationTimeout() time.Duration {
	if s != nil && s.RegistrationTimeoutSeconds > 0 {
		return time.Duration(s.RegistrationTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// FlowsConfig holds per flow kind settings.
type FlowsConfig struct {
	DropIn *FlowConfig `json:"drop_in,omitempty" yaml:"drop_in,omitempty"`
	Custom *FlowConfig `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// FlowConfig configures one flow kind.
type FlowConfig struct {
	RequestCode int    `json:"request_code" yaml:"request_code" validate:"gte=0"`                                 // 0 = default for the kind.
	OnDetach    string `json:"on_detach" yaml:"on_detach" validate:"omitempty,oneof=keep_waiting cancel_pending"` // Default: keep_waiting.
}

func (f *FlowConfig) code(def int) int {
	if f != nil && f.RequestCode > 0 {
		return f.RequestCode
	}
	return def
}

func (f *FlowConfig) detach() string {
	if f != nil && f.OnDetach != "" {
		return f.OnDetach
	}
	return "keep_waiting"
}

// DropInRequestCode returns the drop-in correlation token.
func (f FlowsConfig) DropInRequestCode() int { return f.DropIn.code(DefaultDropInRequestCode) }

// CustomRequestCode returns the custom correlation token.
func (f FlowsConfig) CustomRequestCode() int { return f.Custom.code(DefaultCustomRequestCode) }

// DropInDetachPolicy returns the drop-in detach policy name.
func (f FlowsConfig) DropInDetachPolicy() string { return f.DropIn.detach() }

// CustomDetachPolicy returns the custom detach policy name.
func (f FlowsConfig) CustomDetachPolicy() string { return f.Custom.detach() }

// StorageConfig selects the history database backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the driver name with a default of "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`                                                   // Default: <data_dir>/flowgate.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode" validate:"omitempty,oneof=wal delete truncate memory"` // Default: "wal".
}

// PostgresStorageConfig holds PostgreSQL settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                                  // Override: FLOWGATE_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" validate:"gte=0"` // Default: 1800
}

// HistoryConfig configures recording of completed flows.
type HistoryConfig struct {
	Enabled       bool `json:"enabled" yaml:"enabled"`
	RetentionDays int  `json:"retention_days" yaml:"retention_days" validate:"gte=0"` // Default: 30.
	QueueSize     int  `json:"queue_size" yaml:"queue_size" validate:"gte=0"`         // Default: 256.
}

// Retention returns how long records are kept.
func (h *HistoryConfig) Retention() time.Duration {
	days := 30
	if h != nil && h.RetentionDays > 0 {
		days = h.RetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Queue returns the asynchronous write queue size.
func (h *HistoryConfig) Queue() int {
	if h != nil && h.QueueSize > 0 {
		return h.QueueSize
	}
	return 256
}

// IsEnabled reports whether history recording is on.
func (h *HistoryConfig) IsEnabled() bool { return h != nil && h.Enabled }

// MaintenanceConfig configures the cron jobs.
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	PruneSchedule      string `json:"prune_schedule" yaml:"prune_schedule"`                            // Default: "@hourly".
	StaleCheckSchedule string `json:"stale_check_schedule" yaml:"stale_check_schedule"`                // Default: "@every 1m".
	StaleAfterSeconds  int    `json:"stale_after_seconds" yaml:"stale_after_seconds" validate:"gte=0"` // Default: 900.
}

// Prune returns the prune schedule.
func (m *MaintenanceConfig) Prune() string {
	if m != nil && m.PruneSchedule != "" {
		return m.PruneSchedule
	}
	return "@hourly"
}

// StaleCheck returns the stale-flow report schedule.
func (m *MaintenanceConfig) StaleCheck() string {
	if m != nil && m.StaleCheckSchedule != "" {
		return m.StaleCheckSchedule
	}
	return "@every 1m"
}

// StaleAfter returns the age after which a pending flow is reported.
func (m *MaintenanceConfig) StaleAfter() time.Duration {
	if m != nil && m.StaleAfterSeconds > 0 {
		return time.Duration(m.StaleAfterSeconds) * time.Second
	}
	return 15 * time.Minute
}

// ObservabilityConfig groups metrics, tracing and anomaly settings.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the scrape path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`                                        // OTLP endpoint, e.g. "localhost:4317"
	Protocol       string  `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"`   // Default: "grpc"
	ServiceName    string  `json:"service_name" yaml:"service_name"`                                // Default: "flowgate"
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`           // Default: 1.0
	FlowSampleRate float64 `json:"flow_sample_rate" yaml:"flow_sample_rate" validate:"gte=0,lte=1"` // Flow spans, ignoring the parent decision. Default: 1.0
	Insecure       bool    `json:"insecure" yaml:"insecure"`
}

// Rates returns the request and flow sample rates, each defaulting to 1.0.
func (t *TracingConfig) Rates() (requests, flows float64) {
	requests, flows = 1.0, 1.0
	if t == nil {
		return requests, flows
	}
	if t.SampleRate > 0 {
		requests = t.SampleRate
	}
	if t.FlowSampleRate > 0 {
		flows = t.FlowSampleRate
	}
	return requests, flows
}

// AnomalyConfig configures the flow failure-rate detector.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" validate:"gte=0,lte=1"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" validate:"gte=0"`                   // Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples" validate:"gte=0"`                         // Default: 5
}

// MCPConfig configures the read-only MCP endpoint.
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/mcp"
}

// MCPPath returns the mount path.
func (m *MCPConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{}
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. An empty path starts from Default. Environment variables take
// precedence over file values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FLOWGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FLOWGATE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FLOWGATE_SURFACE_TOKEN"); v != "" {
		if c.Surface == nil {
			c.Surface = &SurfaceConfig{}
		}
		c.Surface.Token = v
	}
	if v := os.Getenv("FLOWGATE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("FLOWGATE_API_KEYS"); v != "" {
		c.Server.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if v := os.Getenv("FLOWGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".flowgate")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "flowgate.db")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if c.Flows.DropInRequestCode() == c.Flows.CustomRequestCode() {
		return fmt.Errorf("flows.drop_in.request_code and flows.custom.request_code must differ (both %#x)", c.Flows.DropInRequestCode())
	}

	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}

	if c.Maintenance != nil && c.Maintenance.Enabled {
		for name, spec := range map[string]string{
			"maintenance.prune_schedule":       c.Maintenance.Prune(),
			"maintenance.stale_check_schedule": c.Maintenance.StaleCheck(),
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s %q: %w", name, spec, err)
			}
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}

	for id, hash := range c.Server.APIKeyHashes {
		if !strings.HasPrefix(hash, "$argon2id$") {
			return fmt.Errorf("server.api_key_hashes.%s is not an argon2id hash", id)
		}
	}
	return nil
}

// fieldPath turns "Config.Flows.DropIn.OnDetach" into "flows.drop_in.on_detach".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseRequestCode parses a decimal or 0x-prefixed hex correlation token.
func ParseRequestCode(s string) (int, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid request code %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("request code must be positive, got %d", n)
	}
	return int(n), nil
}
