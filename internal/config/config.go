// Package config handles configuration loading and validation for framecache.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level" toml:"log_level"`
	OutputDir string         `yaml:"output_dir" toml:"output_dir"`
	FFmpeg    FFmpegConfig   `yaml:"ffmpeg" toml:"ffmpeg"`
	Planner   PlannerConfig  `yaml:"planner" toml:"planner"`
	Prefetch  PrefetchConfig `yaml:"prefetch" toml:"prefetch"`
	Backend   BackendConfig  `yaml:"backend" toml:"backend"`
	Storage   StorageConfig  `yaml:"storage" toml:"storage"`
	Analyzer  AnalyzerConfig `yaml:"analyzer" toml:"analyzer"`
}

// FFmpegConfig locates the ffmpeg binaries.
type FFmpegConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" toml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path" toml:"ffprobe_path"`
}

// PlannerConfig holds the buffering policy.
type PlannerConfig struct {
	ChunkSize int    `yaml:"chunk_size" toml:"chunk_size"` // sampled frames per buffer
	LookAhead int    `yaml:"look_ahead" toml:"look_ahead"` // loaded windows skipped before giving up
	FrameSkip int    `yaml:"frame_skip" toml:"frame_skip"`
	Mode      string `yaml:"mode" toml:"mode"`
}

// PrefetchConfig tunes the prefetch loop.
type PrefetchConfig struct {
	RetryDelayMs int `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
}

// RetryDelay returns the retry delay as a duration.
func (p PrefetchConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// BackendConfig points at the REST backend serving frames.
type BackendConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Token     string `yaml:"token" toml:"token"`
	TimeoutMs int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

// StorageConfig selects and configures the storage driver.
type StorageConfig struct {
	Driver     string         `yaml:"driver" toml:"driver"`
	BatchSize  int            `yaml:"batch_size" toml:"batch_size"`
	SQLitePath string         `yaml:"sqlite_path" toml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres" toml:"postgres"`
}

// PostgresConfig holds connection details for PostgreSQL.
type PostgresConfig struct {
	Host       string `yaml:"host" toml:"host"`
	Port       string `yaml:"port" toml:"port"`
	User       string `yaml:"user" toml:"user"`
	Password   string `yaml:"password" toml:"password"`
	DBName     string `yaml:"dbname" toml:"dbname"`
	Dimensions int    `yaml:"dimensions" toml:"dimensions"`
}

// ConnString builds a postgres:// URL.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", p.User, p.Password, p.Host, p.Port, p.DBName)
}

// Frame describers.
const (
	DescriberAgent  = "agent"
	DescriberOllama = "ollama"
)

// AnalyzerConfig controls frame analysis with a local vision model.
type AnalyzerConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Describer  string `yaml:"describer" toml:"describer"` // agent only reaches localhost:11434
	OllamaHost string `yaml:"ollama_host" toml:"ollama_host"`
	Model      string `yaml:"model" toml:"model"`
	EmbedModel string `yaml:"embed_model" toml:"embed_model"`
	Prompt     string `yaml:"prompt" toml:"prompt"`
	Workers    int    `yaml:"workers" toml:"workers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		OutputDir: "output_frames",
		FFmpeg: FFmpegConfig{
			FFmpegPath:  "ffmpeg",
			FFprobePath: "ffprobe",
		},
		Planner: PlannerConfig{
			ChunkSize: 20,
			LookAhead: 5,
			FrameSkip: 12,
			Mode:      "view",
		},
		Prefetch: PrefetchConfig{
			RetryDelayMs: 2000,
		},
		Backend: BackendConfig{
			TimeoutMs: 30000,
		},
		Storage: StorageConfig{
			Driver:     DriverJSON,
			BatchSize:  10,
			SQLitePath: "framecache.db",
			Postgres: PostgresConfig{
				Host:       "localhost",
				Port:       "5432",
				DBName:     "framecache",
				Dimensions: 768,
			},
		},
		Analyzer: AnalyzerConfig{
			Describer:  DescriberAgent,
			OllamaHost: "http://localhost:11434",
			Model:      "llama3.2-vision:11b",
			EmbedModel: "nomic-embed-text",
			Prompt:     "What is happening in this image? Be specific and detailed. List items and describe items shown in the video.",
			Workers:    4,
		},
	}
}

// Load reads configuration from path. YAML is used unless the file has a
// .toml extension. A missing file yields the defaults. Environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}

			switch strings.ToLower(filepath.Ext(path)) {
			case ".toml":
				if _, err := toml.Decode(string(data), &cfg); err != nil {
					return nil, fmt.Errorf("parse config file: %w", err)
				}
			default:
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return nil, fmt.Errorf("parse config file: %w", err)
				}
			}
		}
	}

	cfg.ApplyEnvOverrides()
	return &cfg, nil
}

// ApplyEnvOverrides applies secrets and endpoints from the environment.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FRAMECACHE_BACKEND_TOKEN"); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv("FRAMECACHE_PG_PASSWORD"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Analyzer.OllamaHost = v
	}
}
