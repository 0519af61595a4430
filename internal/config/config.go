package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relstage/relstage/internal/job"
	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration tool
type Config struct {
	Store   StoreConfig `yaml:"store"`
	Job     JobConfig   `yaml:"job"`
	Slack   SlackConfig `yaml:"slack"`
	DataDir string      `yaml:"data_dir"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// StoreConfig holds the relational store connection settings
type StoreConfig struct {
	Driver         string `yaml:"driver"` // "postgres" (default) or "sqlite"
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full (default: require)
	Path           string `yaml:"path"`     // sqlite database file
	MaxConnections int    `yaml:"max_connections"`
}

// TableConfig describes one staged table in dependency order
type TableConfig struct {
	Name      string   `yaml:"name"`
	Filter    string   `yaml:"filter"`
	DependsOn []string `yaml:"depends_on"`
	Sequence  string   `yaml:"sequence"`
}

// JobConfig holds the migration job definition and batching behavior
type JobConfig struct {
	Namespace       string        `yaml:"namespace"`
	Preset          string        `yaml:"preset"`           // "translation_copy" or empty for explicit tables
	ParentSeriesID  int           `yaml:"parent_series_id"` // required by the translation_copy preset
	MinBatchSize    int64         `yaml:"min_batch_size"`
	TimeGoalSeconds float64       `yaml:"time_goal_seconds"`
	Tables          []TableConfig `yaml:"tables"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".relstage")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 5432
	}
	if c.Store.SSLMode == "" {
		c.Store.SSLMode = "require" // Secure default
	}
	if c.Store.MaxConnections == 0 {
		// The engine is a single worker; a handful of connections covers
		// the job lock plus statement execution.
		c.Store.MaxConnections = 4
	}
	c.Store.Path = expandTilde(c.Store.Path)

	if c.Job.MinBatchSize == 0 {
		c.Job.MinBatchSize = job.DefaultMinBatchSize
	}
	if c.Job.TimeGoalSeconds == 0 {
		c.Job.TimeGoalSeconds = job.DefaultTimeGoal.Seconds()
	}

	if c.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, ".relstage")
	} else {
		c.DataDir = expandTilde(c.DataDir)
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.Host == "" {
			return fmt.Errorf("store.host is required")
		}
		if c.Store.Database == "" {
			return fmt.Errorf("store.database is required")
		}
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be 'postgres' or 'sqlite', got '%s'", c.Store.Driver)
	}

	if c.Job.Namespace == "" {
		return fmt.Errorf("job.namespace is required")
	}
	if c.Job.Preset != "" && len(c.Job.Tables) > 0 {
		return fmt.Errorf("job.preset and job.tables are mutually exclusive")
	}
	if c.Job.Preset == "" && len(c.Job.Tables) == 0 {
		return fmt.Errorf("either job.preset or job.tables must be set")
	}

	// Building the job validates namespace, identifiers, and dependency
	// order in one place.
	j, err := c.BuildJob()
	if err != nil {
		return err
	}
	return j.Validate()
}

// BuildJob materializes the configured job definition.
func (c *Config) BuildJob() (*job.Job, error) {
	switch c.Job.Preset {
	case "translation_copy":
		if c.Job.ParentSeriesID <= 0 {
			return nil, fmt.Errorf("job.parent_series_id is required by the translation_copy preset")
		}
		j := job.TranslationCopy(c.Job.Namespace, c.Job.ParentSeriesID)
		j.MinBatchSize = c.Job.MinBatchSize
		j.TimeGoal = c.TimeGoal()
		return j, nil
	case "":
		j := &job.Job{
			Namespace:    c.Job.Namespace,
			MinBatchSize: c.Job.MinBatchSize,
			TimeGoal:     c.TimeGoal(),
		}
		for _, t := range c.Job.Tables {
			j.Tables = append(j.Tables, job.TableSpec{
				Name:      t.Name,
				Filter:    t.Filter,
				DependsOn: t.DependsOn,
				Sequence:  t.Sequence,
			})
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown job.preset '%s' (valid: translation_copy)", c.Job.Preset)
	}
}

// TimeGoal returns the per-batch time goal as a duration.
func (c *Config) TimeGoal() time.Duration {
	return time.Duration(c.Job.TimeGoalSeconds * float64(time.Second))
}

// StoreDSN returns the PostgreSQL connection string.
func (c *Config) StoreDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Store.User), url.QueryEscape(c.Store.Password),
		c.Store.Host, c.Store.Port, c.Store.Database, c.Store.SSLMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Store.Password != "" {
		sanitized.Store.Password = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
