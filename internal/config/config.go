// Package config provides the configuration of the streamview server.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamview/streamview/internal/host"
	"github.com/streamview/streamview/internal/schema"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMVIEW_"

// Config holds the configuration of one streamview process.
type Config struct {
	// DataDir is the base directory for local storage and the snapshot manifest
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Snapshot  SnapshotConfig  `json:"snapshot" yaml:"snapshot"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Log       LogConfig       `json:"log" yaml:"log"`

	// Tables are created at startup unless a snapshot restores them.
	Tables []host.TableSpec `json:"tables" yaml:"tables"`
}

// HTTPConfig holds HTTP server configuration. The WebSocket endpoint is
// served on the same listener.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// MaxBodyBytes bounds request bodies of the table API
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// TransportConfig bounds the WebSocket transport.
type TransportConfig struct {
	MaxConnections int `json:"max_connections" yaml:"max_connections"`
	// MessageRate is the sustained inbound messages per second per connection
	MessageRate  float64 `json:"message_rate" yaml:"message_rate"`
	MessageBurst int     `json:"message_burst" yaml:"message_burst"`
	// SendBuffer is the number of pending updates per subscription
	SendBuffer int           `json:"send_buffer" yaml:"send_buffer"`
	ReadLimit  int64         `json:"read_limit" yaml:"read_limit"`
	WriteWait  time.Duration `json:"write_wait" yaml:"write_wait"`
}

// EngineConfig holds table engine defaults.
type EngineConfig struct {
	// Coercion is strict or best_effort
	Coercion string `json:"coercion" yaml:"coercion"`
}

// StorageConfig holds snapshot object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`
	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// SnapshotConfig controls table snapshots.
type SnapshotConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Interval between periodic snapshots. Zero keeps only the snapshot
	// taken at shutdown.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// Retain is the number of snapshots kept per table. Zero keeps all.
	Retain       int    `json:"retain" yaml:"retain"`
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`
	Concurrency  int    `json:"concurrency" yaml:"concurrency"`
	// Restore loads the latest snapshot of every table at startup.
	Restore bool `json:"restore" yaml:"restore"`
}

// JournalConfig controls the write-ahead journal of table ops.
type JournalConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Dir holds the journal segments. Defaults to <data_dir>/journal.
	Dir string `json:"dir" yaml:"dir"`
	// SegmentSize is the size in bytes at which a segment rolls over
	SegmentSize int64 `json:"segment_size" yaml:"segment_size"`
	// Sync fsyncs after every journaled op
	Sync bool `json:"sync" yaml:"sync"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`
	// Format is text (colored when attached to a terminal) or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/streamview",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxBodyBytes: 64 << 20,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Transport: TransportConfig{
			MaxConnections: 1024,
			MessageRate:    200,
			MessageBurst:   400,
			SendBuffer:     256,
			ReadLimit:      64 << 20,
			WriteWait:      10 * time.Second,
		},
		Engine: EngineConfig{Coercion: "best_effort"},
		Storage: StorageConfig{
			Type: "local",
		},
		Snapshot: SnapshotConfig{
			Enabled:     false,
			Interval:    time.Minute,
			Retain:      5,
			Concurrency: 4,
			Restore:     true,
		},
		Journal: JournalConfig{
			Enabled:     false,
			SegmentSize: 64 << 20,
			Sync:        true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/streamview"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Snapshot.ManifestPath == "" {
		c.Snapshot.ManifestPath = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Transport.MaxConnections <= 0 {
		return fmt.Errorf("transport.max_connections must be positive, got %d", c.Transport.MaxConnections)
	}
	if c.Transport.MessageRate < 0 || c.Transport.MessageBurst < 0 {
		return fmt.Errorf("transport.message_rate and transport.message_burst must not be negative")
	}
	if c.Transport.SendBuffer < 0 {
		return fmt.Errorf("transport.send_buffer must not be negative, got %d", c.Transport.SendBuffer)
	}

	if _, err := schema.ParseMode(c.Engine.Coercion); err != nil {
		return fmt.Errorf("engine.coercion: %w", err)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must not be negative, got %s", c.Snapshot.Interval)
	}
	if c.Snapshot.Retain < 0 {
		return fmt.Errorf("snapshot.retain must not be negative, got %d", c.Snapshot.Retain)
	}

	if c.Journal.SegmentSize < 0 {
		return fmt.Errorf("journal.segment_size must not be negative, got %d", c.Journal.SegmentSize)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Tables))
	for i, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("table %q is configured twice", t.Name)
		}
		seen[t.Name] = true
		if t.Limit < 0 {
			return fmt.Errorf("table %q: limit must not be negative", t.Name)
		}
		if t.Schema.Len() == 0 {
			continue
		}
		if err := t.Schema.Validate(); err != nil {
			return fmt.Errorf("table %q: %w", t.Name, err)
		}
		if t.Index != "" && !t.Schema.Has(t.Index) {
			return fmt.Errorf("table %q: index %q is not a column", t.Name, t.Index)
		}
	}
	return nil
}

// Coercion returns the parsed engine coercion mode. Call after Validate.
func (c *Config) Coercion() schema.Mode {
	m, _ := schema.ParseMode(c.Engine.Coercion)
	return m
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", s)
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies STREAMVIEW_* environment overrides to cfg.
func LoadFromEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, EnvPrefix+key)
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &cfg.DataDir)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	boolean("GRPC_ENABLED", &cfg.GRPC.Enabled)

	integer("TRANSPORT_MAX_CONNECTIONS", &cfg.Transport.MaxConnections)
	float("TRANSPORT_MESSAGE_RATE", &cfg.Transport.MessageRate)
	integer("TRANSPORT_MESSAGE_BURST", &cfg.Transport.MessageBurst)
	integer("TRANSPORT_SEND_BUFFER", &cfg.Transport.SendBuffer)

	str("ENGINE_COERCION", &cfg.Engine.Coercion)

	str("STORAGE_TYPE", &cfg.Storage.Type)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("S3_REGION", &cfg.Storage.S3.Region)
	str("S3_ENDPOINT", &cfg.Storage.S3.Endpoint)

	boolean("SNAPSHOT_ENABLED", &cfg.Snapshot.Enabled)
	duration("SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	integer("SNAPSHOT_RETAIN", &cfg.Snapshot.Retain)
	str("SNAPSHOT_MANIFEST_PATH", &cfg.Snapshot.ManifestPath)
	boolean("SNAPSHOT_RESTORE", &cfg.Snapshot.Restore)

	boolean("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_DIR", &cfg.Journal.Dir)
	boolean("JOURNAL_SYNC", &cfg.Journal.Sync)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, ", "))
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Journal.Enabled {
		dirs = append(dirs, c.Journal.Dir)
	}
	if c.Snapshot.Enabled {
		dirs = append(dirs, filepath.Dir(c.Snapshot.ManifestPath))
		if c.Storage.Type == "local" {
			dirs = append(dirs, c.Storage.Path)
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
