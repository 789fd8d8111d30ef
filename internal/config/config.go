// Package config provides bookbridge configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	App       AppConfig
	Logger    LoggerConfig
	Storage   StorageConfig
	Migration MigrationConfig
	Server    ServerConfig
	Schedule  ScheduleConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// StorageConfig holds the locations of the three databases.
type StorageConfig struct {
	DataPath         string // Base directory (default: ~/BookBridge)
	DocumentDBPath   string // Badger directory (default: {data}/document)
	RelationalDBPath string // SQLite file (default: {data}/relational.db)
	RunsDBPath       string // SQLite file holding run state (default: {data}/runs.db)
}

// MigrationConfig holds chunking and concurrency settings for pipeline runs.
type MigrationConfig struct {
	ChunkSize   int     // Items per commit (default: 100)
	PageSize    int     // Items per reader page (default: 100)
	SkipLimit   int     // Skippable item errors tolerated per stage (default: 10)
	Concurrency int     // Independent stages run in parallel (default: 2)
	ChunkRate   float64 // Chunks per second per stage, 0 means unlimited
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port         string        // Server port (default: 8080)
	ReadTimeout  time.Duration // HTTP read timeout (default: 15s)
	WriteTimeout time.Duration // HTTP write timeout (default: 15s)
	IdleTimeout  time.Duration // HTTP idle timeout (default: 60s)
}

// ScheduleConfig configures periodic incremental runs.
type ScheduleConfig struct {
	// Spec is a cron expression, empty disables the scheduler.
	Spec     string
	Pipeline string
}

// Flags holds the raw command-line values. Empty strings mean "not set".
type Flags struct {
	Env          string
	LogLevel     string
	DataPath     string
	DocumentDB   string
	RelationalDB string
	RunsDB       string
	ChunkSize    string
	PageSize     string
	SkipLimit    string
	Concurrency  string
	ChunkRate    string
	Port         string
	ReadTimeout  string
	WriteTimeout string
	IdleTimeout  string
	Schedule     string
	SchedulePipe string
	EnvFile      string
}

// RegisterFlags binds configuration flags onto fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Env, "env", "", "Environment (development, staging, production)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.DataPath, "data-path", "", "Base path for databases")
	fs.StringVar(&f.DocumentDB, "document-db", "", "Document store directory")
	fs.StringVar(&f.RelationalDB, "relational-db", "", "Relational store file")
	fs.StringVar(&f.RunsDB, "runs-db", "", "Run state database file")
	fs.StringVar(&f.ChunkSize, "chunk-size", "", "Items per chunk (default: 100)")
	fs.StringVar(&f.PageSize, "page-size", "", "Items per reader page (default: 100)")
	fs.StringVar(&f.SkipLimit, "skip-limit", "", "Skippable errors per stage (default: 10)")
	fs.StringVar(&f.Concurrency, "concurrency", "", "Parallel independent stages (default: 2)")
	fs.StringVar(&f.ChunkRate, "chunk-rate", "", "Chunks per second per stage (default: unlimited)")
	fs.StringVar(&f.Port, "port", "", "Server port (default: 8080)")
	fs.StringVar(&f.ReadTimeout, "read-timeout", "", "HTTP read timeout (default: 15s)")
	fs.StringVar(&f.WriteTimeout, "write-timeout", "", "HTTP write timeout (default: 15s)")
	fs.StringVar(&f.IdleTimeout, "idle-timeout", "", "HTTP idle timeout (default: 60s)")
	fs.StringVar(&f.Schedule, "schedule", "", "Cron expression for incremental runs")
	fs.StringVar(&f.SchedulePipe, "schedule-pipeline", "", "Pipeline started by the scheduler")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Path to .env file")
	return f
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	f := RegisterFlags(flag.CommandLine)
	if !flag.Parsed() {
		flag.Parse()
	}
	return Build(f)
}

// Build resolves parsed flags against the environment and defaults.
func Build(f *Flags) (*Config, error) {
	if f.EnvFile != "" {
		// Load .env file if it exists (silently ignore if not found).
		_ = loadEnvFile(f.EnvFile)
	}

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(f.Env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(f.LogLevel, "LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			DataPath:         getConfigValue(f.DataPath, "DATA_PATH", ""),
			DocumentDBPath:   getConfigValue(f.DocumentDB, "DOCUMENT_DB_PATH", ""),
			RelationalDBPath: getConfigValue(f.RelationalDB, "RELATIONAL_DB_PATH", ""),
			RunsDBPath:       getConfigValue(f.RunsDB, "RUNS_DB_PATH", ""),
		},
		Migration: MigrationConfig{
			ChunkSize:   getIntConfigValue(f.ChunkSize, "CHUNK_SIZE", 100),
			PageSize:    getIntConfigValue(f.PageSize, "PAGE_SIZE", 100),
			SkipLimit:   getIntConfigValue(f.SkipLimit, "SKIP_LIMIT", 10),
			Concurrency: getIntConfigValue(f.Concurrency, "CONCURRENCY", 2),
			ChunkRate:   getFloatConfigValue(f.ChunkRate, "CHUNK_RATE", 0),
		},
		Server: ServerConfig{
			Port: getConfigValue(f.Port, "SERVER_PORT", "8080"),
		},
		Schedule: ScheduleConfig{
			Spec:     getConfigValue(f.Schedule, "SCHEDULE", ""),
			Pipeline: getConfigValue(f.SchedulePipe, "SCHEDULE_PIPELINE", "document-to-relational"),
		},
	}

	var err error
	if cfg.Server.ReadTimeout, err = getDurationConfigValue(f.ReadTimeout, "SERVER_READ_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.WriteTimeout, err = getDurationConfigValue(f.WriteTimeout, "SERVER_WRITE_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.IdleTimeout, err = getDurationConfigValue(f.IdleTimeout, "SERVER_IDLE_TIMEOUT", "60s"); err != nil {
		return nil, err
	}

	if err := cfg.expandStoragePaths(); err != nil {
		return nil, fmt.Errorf("invalid storage path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	if c.App.Environment == "" {
		return errors.New("ENV is required")
	}

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Storage.DocumentDBPath == "" || c.Storage.RelationalDBPath == "" || c.Storage.RunsDBPath == "" {
		return errors.New("storage paths cannot be empty after expansion")
	}

	if c.Migration.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size: %d (must be at least 1)", c.Migration.ChunkSize)
	}
	if c.Migration.PageSize < 1 {
		return fmt.Errorf("invalid page size: %d (must be at least 1)", c.Migration.PageSize)
	}
	if c.Migration.SkipLimit < 0 {
		return fmt.Errorf("invalid skip limit: %d (must not be negative)", c.Migration.SkipLimit)
	}
	if c.Migration.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency: %d (must be at least 1)", c.Migration.Concurrency)
	}
	if c.Migration.ChunkRate < 0 {
		return fmt.Errorf("invalid chunk rate: %v (must not be negative)", c.Migration.ChunkRate)
	}

	if c.Schedule.Spec != "" {
		switch c.Schedule.Pipeline {
		case "document-to-relational", "relational-to-document":
		default:
			return fmt.Errorf("invalid schedule pipeline: %s", c.Schedule.Pipeline)
		}
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandStoragePaths resolves the data directory first, then derives
// database locations that were not set explicitly.
func (c *Config) expandStoragePaths() error {
	defaultData := ""
	if c.Storage.DataPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		defaultData = filepath.Join(homeDir, "BookBridge")
	}

	data, err := expandPath(c.Storage.DataPath, defaultData)
	if err != nil {
		return err
	}
	c.Storage.DataPath = data

	if c.Storage.DocumentDBPath, err = expandPath(c.Storage.DocumentDBPath, filepath.Join(data, "document")); err != nil {
		return err
	}
	if c.Storage.RelationalDBPath, err = expandPath(c.Storage.RelationalDBPath, filepath.Join(data, "relational.db")); err != nil {
		return err
	}
	if c.Storage.RunsDBPath, err = expandPath(c.Storage.RunsDBPath, filepath.Join(data, "runs.db")); err != nil {
		return err
	}
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// getFloatConfigValue returns a float64 from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result float64
	if _, err := fmt.Sscanf(strValue, "%g", &result); err != nil {
		return defaultValue
	}
	return result
}

// getDurationConfigValue parses a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	strValue := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(strValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, strValue, err)
	}
	return d, nil
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Env vars take precedence over the .env file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
