package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/hay-kot/criterio"

	"github.com/bdougie/framecache/internal/logging"
	"github.com/bdougie/framecache/internal/models"
)

// Validate performs structural validation of the configuration.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("log_level", c.LogLevel, validLogLevel),
		criterio.Run("output_dir", c.OutputDir, isDirectoryOrNotExist),
		c.validatePlanner(),
		c.validateStorage(),
		c.validateBackend(),
		c.validateAnalyzer(),
	)
}

func (c *Config) validatePlanner() error {
	var errs criterio.FieldErrorsBuilder
	if c.Planner.ChunkSize < 1 {
		errs = errs.Append("planner.chunk_size", fmt.Errorf("must be at least 1"))
	}
	if c.Planner.LookAhead < 1 {
		errs = errs.Append("planner.look_ahead", fmt.Errorf("must be at least 1"))
	}
	if c.Planner.FrameSkip < 1 {
		errs = errs.Append("planner.frame_skip", fmt.Errorf("must be at least 1"))
	}
	if _, err := models.ParseMode(c.Planner.Mode); err != nil {
		errs = errs.Append("planner.mode", err)
	}
	if c.Prefetch.RetryDelayMs < 0 {
		errs = errs.Append("prefetch.retry_delay_ms", fmt.Errorf("must not be negative"))
	}
	return errs.ToError()
}

func (c *Config) validateStorage() error {
	var errs criterio.FieldErrorsBuilder
	switch c.Storage.Driver {
	case DriverJSON:
		if c.Storage.BatchSize < 1 {
			errs = errs.Append("storage.batch_size", fmt.Errorf("must be at least 1"))
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = errs.Append("storage.sqlite_path", fmt.Errorf("is required for the sqlite driver"))
		}
	case DriverPostgres:
		pg := c.Storage.Postgres
		if pg.Host == "" {
			errs = errs.Append("storage.postgres.host", fmt.Errorf("is required"))
		}
		if pg.DBName == "" {
			errs = errs.Append("storage.postgres.dbname", fmt.Errorf("is required"))
		}
		if pg.Dimensions < 1 {
			errs = errs.Append("storage.postgres.dimensions", fmt.Errorf("must be at least 1"))
		}
	default:
		errs = errs.Append("storage.driver", fmt.Errorf("unknown driver %q", c.Storage.Driver))
	}
	return errs.ToError()
}

func (c *Config) validateBackend() error {
	var errs criterio.FieldErrorsBuilder
	if c.Backend.URL != "" {
		if err := validURL(c.Backend.URL); err != nil {
			errs = errs.Append("backend.url", err)
		}
	}
	if c.Backend.TimeoutMs < 0 {
		errs = errs.Append("backend.timeout_ms", fmt.Errorf("must not be negative"))
	}
	return errs.ToError()
}

func (c *Config) validateAnalyzer() error {
	if !c.Analyzer.Enabled {
		return nil
	}
	var errs criterio.FieldErrorsBuilder
	if c.Analyzer.Model == "" {
		errs = errs.Append("analyzer.model", fmt.Errorf("is required"))
	}
	switch c.Analyzer.Describer {
	case DescriberAgent:
		if !isLocalOllama(c.Analyzer.OllamaHost) {
			errs = errs.Append("analyzer.describer", fmt.Errorf("the agent describer only reaches http://localhost:11434, use %q for %s", DescriberOllama, c.Analyzer.OllamaHost))
		}
	case DescriberOllama:
	default:
		errs = errs.Append("analyzer.describer", fmt.Errorf("must be %q or %q", DescriberAgent, DescriberOllama))
	}
	if c.Analyzer.Workers < 1 {
		errs = errs.Append("analyzer.workers", fmt.Errorf("must be at least 1"))
	}
	if err := validURL(c.Analyzer.OllamaHost); err != nil {
		errs = errs.Append("analyzer.ollama_host", err)
	}
	return errs.ToError()
}

func isLocalOllama(host string) bool {
	u, err := url.Parse(host)
	if err != nil {
		return false
	}
	switch u.Host {
	case "localhost:11434", "127.0.0.1:11434":
		return true
	}
	return false
}

func validLogLevel(level string) error {
	_, err := logging.ParseLevel(level)
	return err
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// isDirectoryOrNotExist validates that a path is a directory or doesn't exist.
func isDirectoryOrNotExist(path string) error {
	if path == "" {
		return fmt.Errorf("is required")
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil // will be created
	}
	if err != nil {
		return fmt.Errorf("cannot access: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("exists but is not a directory")
	}
	return nil
}
