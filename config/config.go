// Package config resolves petaltodo settings from defaults, an optional YAML
// file and environment overrides. Command-line flags are applied last by the
// cli package, giving flag > env > file > default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petaltodo.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petaltodo"
)

// Environment variables that override file values.
const (
	EnvSQLitePath   = "PETALTODO_SQLITE_PATH"
	EnvAPIURL       = "PETALTODO_API_URL"
	EnvAPITimeout   = "PETALTODO_API_TIMEOUT"
	EnvLogLevel     = "PETALTODO_LOG_LEVEL"
	EnvOTLPEndpoint = "PETALTODO_OTLP_ENDPOINT"
)

// Config is the fully resolved configuration.
type Config struct {
	// Path is the file the values were read from, empty when none was found.
	Path string

	Server      Server
	Storage     Storage
	API         API
	Telemetry   Telemetry
	Log         Log
	Idempotency Idempotency
}

// Server configures the CRUD HTTP listener.
type Server struct {
	Host         string
	Port         int
	CORSOrigin   string
	MaxBody      int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Storage selects the record store.
type Storage struct {
	SQLitePath string
	Memory     bool
}

// API configures the transport client used by the tool adapter.
type API struct {
	BaseURL string
	Timeout time.Duration
}

// Telemetry configures tracing export and the periodic stats report.
type Telemetry struct {
	OTLPEndpoint string
	ServiceName  string
	// StatsReport is a cron spec such as "@every 5m"; empty disables it.
	StatsReport string
}

// Log configures the process logger.
type Log struct {
	Level  string
	Format string
}

// Idempotency configures the server's replay cache.
type Idempotency struct {
	TTL      time.Duration
	Capacity int
}

// Default returns the built-in defaults for a given home directory.
func Default(homeDir string) Config {
	return Config{
		Server: Server{
			Host:         "0.0.0.0",
			Port:         8000,
			CORSOrigin:   "*",
			MaxBody:      1 << 20,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: Storage{
			SQLitePath: filepath.Join(homeDir, homeConfigDir, "todos.db"),
		},
		API: API{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Telemetry: Telemetry{
			ServiceName: "petaltodo",
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Idempotency: Idempotency{
			TTL:      24 * time.Hour,
			Capacity: 1024,
		},
	}
}

// file mirrors the YAML document. Scalars that may reference environment
// variables are kept as strings and expanded before parsing.
type file struct {
	Server struct {
		Host         string `yaml:"host"`
		Port         string `yaml:"port"`
		CORSOrigin   string `yaml:"cors_origin"`
		MaxBody      string `yaml:"max_body"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	Storage struct {
		SQLitePath string `yaml:"sqlite_path"`
		Memory     *bool  `yaml:"memory"`
	} `yaml:"storage"`
	API struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"api"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		ServiceName  string `yaml:"service_name"`
		StatsReport  string `yaml:"stats_report"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Idempotency struct {
		TTL      string `yaml:"ttl"`
		Capacity string `yaml:"capacity"`
	} `yaml:"idempotency"`
}

// Load resolves configuration for the current process: defaults, then the
// discovered file, then the environment.
func Load(explicitPath string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve user home: %w", err)
	}
	return LoadFrom(explicitPath, cwd, homeDir, os.LookupEnv)
}

// LoadFrom is a testable variant of Load.
func LoadFrom(explicitPath, cwd, homeDir string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := Default(homeDir)

	path, found, err := DiscoverFrom(explicitPath, cwd, homeDir)
	if err != nil {
		return Config{}, err
	}
	if found {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := Apply(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
		}
		cfg.Path = path
	}

	if err := ApplyEnv(&cfg, lookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DiscoverFrom resolves the config location with first-match semantics:
// the explicit path (which must exist), ./petaltodo.yaml, then
// ~/.petaltodo/config.yaml.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(homeDir, homeConfigDir, homeConfigName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Apply overlays the YAML document in data onto cfg. Absent keys keep their
// current values; string values are expanded with os.ExpandEnv.
func Apply(cfg *Config, data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	setString(&cfg.Server.Host, f.Server.Host)
	setString(&cfg.Server.CORSOrigin, f.Server.CORSOrigin)
	setString(&cfg.Storage.SQLitePath, f.Storage.SQLitePath)
	setString(&cfg.API.BaseURL, f.API.BaseURL)
	setString(&cfg.Telemetry.OTLPEndpoint, f.Telemetry.OTLPEndpoint)
	setString(&cfg.Telemetry.ServiceName, f.Telemetry.ServiceName)
	setString(&cfg.Telemetry.StatsReport, f.Telemetry.StatsReport)
	setString(&cfg.Log.Level, f.Log.Level)
	setString(&cfg.Log.Format, f.Log.Format)
	if f.Storage.Memory != nil {
		cfg.Storage.Memory = *f.Storage.Memory
	}

	var errs []error
	errs = append(errs,
		setInt(&cfg.Server.Port, "server.port", f.Server.Port),
		setInt64(&cfg.Server.MaxBody, "server.max_body", f.Server.MaxBody),
		setDuration(&cfg.Server.ReadTimeout, "server.read_timeout", f.Server.ReadTimeout),
		setDuration(&cfg.Server.WriteTimeout, "server.write_timeout", f.Server.WriteTimeout),
		setDuration(&cfg.API.Timeout, "api.timeout", f.API.Timeout),
		setDuration(&cfg.Idempotency.TTL, "idempotency.ttl", f.Idempotency.TTL),
		setInt(&cfg.Idempotency.Capacity, "idempotency.capacity", f.Idempotency.Capacity),
	)
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return cfg.Validate()
}

// ApplyEnv overlays the PETALTODO_* environment overrides onto cfg.
func ApplyEnv(cfg *Config, lookupEnv func(string) (string, bool)) error {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	get := func(key string) string {
		value, _ := lookupEnv(key)
		return strings.TrimSpace(value)
	}

	if value := get(EnvSQLitePath); value != "" {
		cfg.Storage.SQLitePath = value
	}
	if value := get(EnvAPIURL); value != "" {
		cfg.API.BaseURL = value
	}
	if value := get(EnvLogLevel); value != "" {
		cfg.Log.Level = value
	}
	if value := get(EnvOTLPEndpoint); value != "" {
		cfg.Telemetry.OTLPEndpoint = value
	}
	if value := get(EnvAPITimeout); value != "" {
		timeout, err := ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAPITimeout, err)
		}
		cfg.API.Timeout = timeout
	}
	return cfg.Validate()
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.MaxBody < 0 {
		errs = append(errs, errors.New("server.max_body must not be negative"))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout must not be negative"))
	}
	if c.Idempotency.Capacity < 0 {
		errs = append(errs, errors.New("idempotency.capacity must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ParseDuration accepts Go duration strings ("30s") and bare numbers, which
// are read as seconds.
func ParseDuration(raw string) (time.Duration, error) {
	clean := strings.TrimSpace(raw)
	if seconds, err := strconv.ParseFloat(clean, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(clean)
}

func setString(dst *string, raw string) {
	if value := strings.TrimSpace(os.ExpandEnv(raw)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key, raw string) error {
	value := strings.TrimSpace(os.ExpandEnv(raw))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, value)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key, raw string) error {
	value := strings.TrimSpace(os.ExpandEnv(raw))
	if value == "" {
		return nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, value)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key, raw string) error {
	value := strings.TrimSpace(os.ExpandEnv(raw))
	if value == "" {
		return nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
