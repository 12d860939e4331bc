package config

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/viewbuilder/internal/model"
	"github.com/devrev/pairdb/viewbuilder/internal/validation"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for the view builder node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	ViewUpdate ViewUpdateConfig `yaml:"view_update"`
	Tables     []TableConfig    `yaml:"tables"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir                 string        `yaml:"data_dir"`
	BloomFilterFP           float64       `yaml:"bloom_filter_fp"`
	DiskCheckInterval       time.Duration `yaml:"disk_check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// ViewUpdateConfig holds view update generator configuration
type ViewUpdateConfig struct {
	RegistrationQueueSize int `yaml:"registration_queue_size"`
	RowBatchSize          int `yaml:"row_batch_size"`
	// FailureRetryDelay pauses the worker after a failed staging file,
	// zero retries immediately
	FailureRetryDelay time.Duration `yaml:"failure_retry_delay"`
	WriterWorkers     int           `yaml:"writer_workers"`
	WriterQueueSize   int           `yaml:"writer_queue_size"`
}

// TableConfig declares a base table and the views maintained from it
type TableConfig struct {
	Keyspace string       `yaml:"keyspace"`
	Name     string       `yaml:"name"`
	Columns  []string     `yaml:"columns"`
	Views    []ViewConfig `yaml:"views"`
}

// ViewConfig declares a materialized view of a base table
type ViewConfig struct {
	Name           string   `yaml:"name"`
	KeyColumn      string   `yaml:"key_column"`
	IncludeColumns []string `yaml:"include_columns"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AdminConfig holds admin HTTP API configuration
type AdminConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RateLimit is requests per second, zero disables limiting
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
	MaxRows      int     `yaml:"max_rows"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses, defaults and validates a YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50052
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb/views"
	}
	if cfg.Storage.BloomFilterFP == 0 {
		cfg.Storage.BloomFilterFP = 0.01
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}
	if cfg.Storage.WarningThreshold == 0 {
		cfg.Storage.WarningThreshold = 80.0
	}
	if cfg.Storage.ThrottleThreshold == 0 {
		cfg.Storage.ThrottleThreshold = 90.0
	}
	if cfg.Storage.CircuitBreakerThreshold == 0 {
		cfg.Storage.CircuitBreakerThreshold = 95.0
	}

	if cfg.ViewUpdate.RegistrationQueueSize == 0 {
		cfg.ViewUpdate.RegistrationQueueSize = 5
	}
	if cfg.ViewUpdate.RowBatchSize == 0 {
		cfg.ViewUpdate.RowBatchSize = 128
	}
	if cfg.ViewUpdate.WriterWorkers == 0 {
		cfg.ViewUpdate.WriterWorkers = 4
	}
	if cfg.ViewUpdate.WriterQueueSize == 0 {
		cfg.ViewUpdate.WriterQueueSize = 64
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = time.Second
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "0.0.0.0"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = 10 * time.Second
	}
	if cfg.Admin.WriteTimeout == 0 {
		// staging writes may wait for a registration permit
		cfg.Admin.WriteTimeout = 60 * time.Second
	}
	if cfg.Admin.RateBurst == 0 {
		cfg.Admin.RateBurst = 50
	}
	if cfg.Admin.MaxBodyBytes == 0 {
		cfg.Admin.MaxBodyBytes = 64 * 1024 * 1024
	}
	if cfg.Admin.MaxRows == 0 {
		cfg.Admin.MaxRows = validation.MaxRowsPerBatch
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535")
	}
	if c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin.port and server.port must differ")
	}
	if c.Storage.BloomFilterFP <= 0 || c.Storage.BloomFilterFP >= 1 {
		return fmt.Errorf("storage.bloom_filter_fp must be between 0 and 1")
	}
	if !(c.Storage.WarningThreshold <= c.Storage.ThrottleThreshold &&
		c.Storage.ThrottleThreshold <= c.Storage.CircuitBreakerThreshold &&
		c.Storage.CircuitBreakerThreshold <= 100) {
		return fmt.Errorf("storage thresholds must satisfy warning <= throttle <= circuit_breaker <= 100")
	}
	if c.ViewUpdate.RegistrationQueueSize < 1 {
		return fmt.Errorf("view_update.registration_queue_size must be at least 1")
	}
	if c.ViewUpdate.RowBatchSize < 1 {
		return fmt.Errorf("view_update.row_batch_size must be at least 1")
	}
	if c.ViewUpdate.FailureRetryDelay < 0 {
		return fmt.Errorf("view_update.failure_retry_delay must not be negative")
	}
	if c.ViewUpdate.WriterWorkers < 1 {
		return fmt.Errorf("view_update.writer_workers must be at least 1")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	return c.validateTables()
}

func (c *Config) validateTables() error {
	seen := make(map[model.TableID]bool)
	claim := func(id model.TableID) error {
		if err := validation.ValidateTableID(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("table %s is declared more than once", id)
		}
		seen[id] = true
		return nil
	}

	for _, t := range c.Tables {
		if err := claim(t.ID()); err != nil {
			return err
		}
		if len(t.Columns) == 0 {
			return fmt.Errorf("table %s declares no columns", t.ID())
		}
		columns := make(map[string]bool, len(t.Columns))
		for _, col := range t.Columns {
			if err := validation.ValidateName("column", col); err != nil {
				return err
			}
			columns[col] = true
		}

		for _, v := range t.Views {
			if err := claim(model.TableID{Keyspace: t.Keyspace, Name: v.Name}); err != nil {
				return err
			}
			if !columns[v.KeyColumn] {
				return fmt.Errorf("view %s.%s: key column %q is not a column of %s", t.Keyspace, v.Name, v.KeyColumn, t.ID())
			}
			for _, col := range v.IncludeColumns {
				if !columns[col] {
					return fmt.Errorf("view %s.%s: included column %q is not a column of %s", t.Keyspace, v.Name, col, t.ID())
				}
			}
		}
	}
	return nil
}

// ID returns the id of the base table
func (t TableConfig) ID() model.TableID {
	return model.TableID{Keyspace: t.Keyspace, Name: t.Name}
}

// Schema builds the schema of the base table
func (t TableConfig) Schema() *model.Schema {
	schema := &model.Schema{
		Table:   t.ID(),
		Version: "1",
		Columns: append([]string(nil), t.Columns...),
	}
	for _, v := range t.Views {
		schema.Views = append(schema.Views, model.ViewDefinition{
			ID:             model.TableID{Keyspace: t.Keyspace, Name: v.Name},
			KeyColumn:      v.KeyColumn,
			IncludeColumns: append([]string(nil), v.IncludeColumns...),
		})
	}
	return schema
}

// ViewSchemas builds the schemas of the view tables
func (t TableConfig) ViewSchemas() []*model.Schema {
	schemas := make([]*model.Schema, 0, len(t.Views))
	for _, v := range t.Views {
		schemas = append(schemas, &model.Schema{
			Table:   model.TableID{Keyspace: t.Keyspace, Name: v.Name},
			Version: "1",
			Columns: append([]string(nil), v.IncludeColumns...),
		})
	}
	return schemas
}
