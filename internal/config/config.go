package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Remote    string         `yaml:"remote"`
	AppID     string         `yaml:"app_id"`
	AppSecret string         `yaml:"app_secret"`
	CacheDir  string         `yaml:"cache_dir"`
	Job       JobConfig      `yaml:"job"`
	Transfer  TransferConfig `yaml:"transfer"`
	History   HistoryConfig  `yaml:"history"`
}

// JobConfig describes which local files make up a job and where results go
type JobConfig struct {
	Entry      string     `yaml:"entry"`
	Output     string     `yaml:"output"`
	PackageAll *bool      `yaml:"package_all"`
	Type       string     `yaml:"type"`
	Extensions []string   `yaml:"extensions"`
	Dirs       []DirRule  `yaml:"dirs"`
	Files      []FileRule `yaml:"files"`
}

// DirRule adds the files of one directory, optionally recursing
type DirRule struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Recursive bool   `yaml:"recursive"`
}

// FileRule adds exactly one file
type FileRule struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// TransferConfig holds upload and polling settings
type TransferConfig struct {
	ChunkSize        int64         `yaml:"chunk_size"`
	ChunkMaxAttempts int           `yaml:"chunk_max_attempts"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// HistoryConfig holds job history settings
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// DefaultChunkSize is the upload chunk size expected by the remote service.
const DefaultChunkSize int64 = 5242880

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Job: JobConfig{
			Type:       "browser",
			Extensions: []string{".js"},
		},
		Transfer: TransferConfig{
			ChunkSize:        DefaultChunkSize,
			ChunkMaxAttempts: 5,
			PollInterval:     2 * time.Second,
			PollTimeout:      0,
			HTTPTimeout:      5 * time.Minute,
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load reads a config file from the given path. Files ending in .json or
// .jsonc may contain comments and trailing commas.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"ijec.yaml",
		"ijec.json",
		filepath.Join(xdg.ConfigHome, "ijec", "ijec.yaml"),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// SessionDir returns the directory holding persisted session records.
func (c *Config) SessionDir() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return filepath.Join(xdg.CacheHome, "ijec", "sessions")
}

// HistoryDBPath returns the path of the job history database.
func (c *Config) HistoryDBPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return filepath.Join(xdg.DataHome, "ijec", "history.db")
}
