package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/adraguidev/reportsync/internal/plan"
	"github.com/adraguidev/reportsync/internal/progress"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "REPORTSYNC_"

// Config defines configuration for the reportsync CLI.
type Config struct {
	BaseURL    string          `yaml:"base_url" validate:"required,url"`
	ReportPath string          `yaml:"report_path" validate:"required"`
	Format     string          `yaml:"format" validate:"required"`
	OutputDir  string          `yaml:"output_dir" validate:"required"`
	Categories []plan.Category `yaml:"categories" validate:"required,min=1,dive"`
	Modules    []string        `yaml:"modules"`
	Years      []int           `yaml:"years" validate:"required,min=1,dive,gte=1990,lte=2100"`
	Statuses   []string        `yaml:"statuses" validate:"required,min=1,dive,required"`

	Workers         int           `yaml:"workers" validate:"gte=1,lte=64"`
	ChunkSize       int64         `yaml:"chunk_size" validate:"gte=1"`
	InterChunkDelay time.Duration `yaml:"inter_chunk_delay" validate:"gte=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
	DirectDownload  bool          `yaml:"direct_download"`
	Overwrite       bool          `yaml:"overwrite"`
	Progress        bool          `yaml:"progress"`
	Auth            string        `yaml:"auth" validate:"oneof=ntlm basic none"`

	// AuthFailureLimit stops a batch after that many authentication
	// failures in a row. Zero disables the check.
	AuthFailureLimit int `yaml:"auth_failure_limit" validate:"gte=0"`

	CredentialsFile string `yaml:"credentials_file"`

	Lock    LockConfig    `yaml:"lock"`
	Retry   RetryConfig   `yaml:"retry"`
	Log     LogConfig     `yaml:"log"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Publish PublishConfig `yaml:"publish"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LockConfig defines destination lock behavior.
type LockConfig struct {
	// StaleMaxAge is the age after which a lock file whose owner is gone
	// is reclaimed. Zero or negative reclaims it whatever its age.
	StaleMaxAge  time.Duration `yaml:"stale_max_age"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" validate:"gt=0"`
	WaitInterval time.Duration `yaml:"wait_interval" validate:"gt=0"`

	// staleMaxAgeSet marks StaleMaxAge as given in an override, so Merge
	// applies it even when it is zero.
	staleMaxAgeSet bool
}

// SetStaleMaxAge sets StaleMaxAge and marks it as explicitly given.
func (l *LockConfig) SetStaleMaxAge(d time.Duration) {
	l.StaleMaxAge = d
	l.staleMaxAgeSet = true
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts" validate:"gte=1,lte=20"`
	Backoff   time.Duration `yaml:"backoff" validate:"gt=0"`
	MaxJitter time.Duration `yaml:"max_jitter" validate:"gte=0"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

// LedgerConfig defines where outcomes are recorded.
type LedgerConfig struct {
	// DatabaseURL selects the Postgres ledger; empty keeps outcomes in
	// memory for the run summary only.
	DatabaseURL string `yaml:"database_url"`
}

// PublishConfig defines where consolidated datasets are copied.
type PublishConfig struct {
	// Bucket is a gocloud bucket URL such as s3://bucket?region=us-east-1
	// or file:///srv/reports. Empty disables publishing.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// MetricsConfig defines metric export.
type MetricsConfig struct {
	// Textfile is written in the Prometheus text format after each run.
	Textfile string `yaml:"textfile"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	p := plan.DefaultOptions()
	return Config{
		BaseURL:         p.BaseURL,
		ReportPath:      p.ReportPath,
		Format:          p.Format,
		OutputDir:       p.Root,
		Categories:      p.Categories,
		Years:           p.Years,
		Statuses:        p.Statuses,
		Workers:         7,
		ChunkSize:       8 * 1024, // 8KiB
		InterChunkDelay: time.Second,
		RequestTimeout:  600 * time.Second,
		DirectDownload:  true,
		Auth:            "ntlm",
		Lock: LockConfig{
			StaleMaxAge:  0,
			WaitTimeout:  30 * time.Second,
			WaitInterval: 500 * time.Millisecond,
		},
		Retry: RetryConfig{
			Attempts:  5,
			Backoff:   5 * time.Second,
			MaxJitter: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	BaseURL          string          `yaml:"base_url"`
	ReportPath       string          `yaml:"report_path"`
	Format           string          `yaml:"format"`
	OutputDir        string          `yaml:"output_dir"`
	Categories       []plan.Category `yaml:"categories"`
	Modules          []string        `yaml:"modules"`
	Years            []int           `yaml:"years"`
	Statuses         []string        `yaml:"statuses"`
	Workers          int             `yaml:"workers"`
	ChunkSize        string          `yaml:"chunk_size"`
	InterChunkDelay  string          `yaml:"inter_chunk_delay"`
	RequestTimeout   string          `yaml:"request_timeout"`
	DirectDownload   *bool           `yaml:"direct_download"`
	Overwrite        bool            `yaml:"overwrite"`
	Progress         bool            `yaml:"progress"`
	Auth             string          `yaml:"auth"`
	AuthFailureLimit int             `yaml:"auth_failure_limit"`
	CredentialsFile  string          `yaml:"credentials_file"`
	Lock             yamlLockConfig  `yaml:"lock"`
	Retry            yamlRetryConfig `yaml:"retry"`
	Log              LogConfig       `yaml:"log"`
	Ledger           LedgerConfig    `yaml:"ledger"`
	Publish          PublishConfig   `yaml:"publish"`
	Metrics          MetricsConfig   `yaml:"metrics"`
}

type yamlLockConfig struct {
	StaleMaxAge  string `yaml:"stale_max_age"`
	WaitTimeout  string `yaml:"wait_timeout"`
	WaitInterval string `yaml:"wait_interval"`
}

type yamlRetryConfig struct {
	Attempts  int    `yaml:"attempts"`
	Backoff   string `yaml:"backoff"`
	MaxJitter string `yaml:"max_jitter"`
}

// LoadFromFile loads configuration from a YAML file. Keys that are absent
// keep their default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.BaseURL != "" {
		cfg.BaseURL = yc.BaseURL
	}
	if yc.ReportPath != "" {
		cfg.ReportPath = yc.ReportPath
	}
	if yc.Format != "" {
		cfg.Format = yc.Format
	}
	if yc.OutputDir != "" {
		cfg.OutputDir = yc.OutputDir
	}
	if len(yc.Categories) > 0 {
		cfg.Categories = yc.Categories
	}
	if len(yc.Modules) > 0 {
		cfg.Modules = yc.Modules
	}
	if len(yc.Years) > 0 {
		cfg.Years = yc.Years
	}
	if len(yc.Statuses) > 0 {
		cfg.Statuses = yc.Statuses
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.ChunkSize != "" {
		size, err := progress.ParseBytes(yc.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
		cfg.ChunkSize = size
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"inter_chunk_delay", yc.InterChunkDelay, &cfg.InterChunkDelay},
		{"request_timeout", yc.RequestTimeout, &cfg.RequestTimeout},
		{"lock.stale_max_age", yc.Lock.StaleMaxAge, &cfg.Lock.StaleMaxAge},
		{"lock.wait_timeout", yc.Lock.WaitTimeout, &cfg.Lock.WaitTimeout},
		{"lock.wait_interval", yc.Lock.WaitInterval, &cfg.Lock.WaitInterval},
		{"retry.backoff", yc.Retry.Backoff, &cfg.Retry.Backoff},
		{"retry.max_jitter", yc.Retry.MaxJitter, &cfg.Retry.MaxJitter},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if yc.DirectDownload != nil {
		cfg.DirectDownload = *yc.DirectDownload
	}
	cfg.Overwrite = yc.Overwrite
	cfg.Progress = yc.Progress
	if yc.Auth != "" {
		cfg.Auth = yc.Auth
	}
	if yc.AuthFailureLimit != 0 {
		cfg.AuthFailureLimit = yc.AuthFailureLimit
	}
	if yc.CredentialsFile != "" {
		cfg.CredentialsFile = yc.CredentialsFile
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}
	if yc.Log.File != "" {
		cfg.Log.File = yc.Log.File
	}
	cfg.Ledger = yc.Ledger
	cfg.Publish = yc.Publish
	cfg.Metrics = yc.Metrics

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the REPORTSYNC_ prefix.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"BASE_URL":         &c.BaseURL,
		"REPORT_PATH":      &c.ReportPath,
		"FORMAT":           &c.Format,
		"OUTPUT_DIR":       &c.OutputDir,
		"AUTH":             &c.Auth,
		"CREDENTIALS_FILE": &c.CredentialsFile,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"LOG_FILE":         &c.Log.File,
		"DATABASE_URL":     &c.Ledger.DatabaseURL,
		"PUBLISH_BUCKET":   &c.Publish.Bucket,
		"PUBLISH_PREFIX":   &c.Publish.Prefix,
		"METRICS_TEXTFILE": &c.Metrics.Textfile,
	}
	for key, dst := range str {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":            &c.Workers,
		"RETRY_ATTEMPTS":     &c.Retry.Attempts,
		"AUTH_FAILURE_LIMIT": &c.AuthFailureLimit,
	}
	for key, dst := range ints {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"INTER_CHUNK_DELAY":  &c.InterChunkDelay,
		"REQUEST_TIMEOUT":    &c.RequestTimeout,
		"LOCK_STALE_MAX_AGE": &c.Lock.StaleMaxAge,
		"LOCK_WAIT_TIMEOUT":  &c.Lock.WaitTimeout,
		"LOCK_WAIT_INTERVAL": &c.Lock.WaitInterval,
		"RETRY_BACKOFF":      &c.Retry.Backoff,
		"RETRY_MAX_JITTER":   &c.Retry.MaxJitter,
	}
	for key, dst := range durations {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"DIRECT_DOWNLOAD": &c.DirectDownload,
		"OVERWRITE":       &c.Overwrite,
		"PROGRESS":        &c.Progress,
	}
	for key, dst := range bools {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	if v := os.Getenv(EnvPrefix + "CHUNK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sCHUNK_SIZE: %w", EnvPrefix, err)
		}
		c.ChunkSize = size
	}
	if v := os.Getenv(EnvPrefix + "CATEGORIES"); v != "" {
		cats, err := ParseCategories(v)
		if err != nil {
			return fmt.Errorf("parse %sCATEGORIES: %w", EnvPrefix, err)
		}
		c.Categories = cats
	}
	if v := os.Getenv(EnvPrefix + "MODULES"); v != "" {
		c.Modules = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "YEARS"); v != "" {
		var years []int
		for _, s := range splitList(v) {
			n, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("parse %sYEARS: %w", EnvPrefix, err)
			}
			years = append(years, n)
		}
		c.Years = years
	}
	if v := os.Getenv(EnvPrefix + "STATUSES"); v != "" {
		c.Statuses = splitList(v)
	}

	return nil
}

// ParseCategories parses "CCM=58,PRR=57".
func ParseCategories(s string) ([]plan.Category, error) {
	var cats []plan.Category
	for _, item := range splitList(s) {
		name, id, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("category %q: expected NAME=ID", item)
		}
		n, err := strconv.Atoi(strings.TrimSpace(id))
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", item, err)
		}
		cats = append(cats, plan.Category{Name: strings.TrimSpace(name), ID: n})
	}
	return cats, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("config: %w", err)
	}
	for _, m := range c.Modules {
		if len(plan.Select(c.Categories, []string{m})) == 0 {
			return fmt.Errorf("config: unknown module %q", m)
		}
	}
	return nil
}

// PlanOptions returns the planner input described by c, restricted to the
// selected modules.
func (c *Config) PlanOptions() plan.Options {
	cats := c.Categories
	if len(c.Modules) > 0 {
		cats = plan.Select(cats, c.Modules)
	}
	return plan.Options{
		BaseURL:    c.BaseURL,
		ReportPath: c.ReportPath,
		Format:     c.Format,
		Root:       c.OutputDir,
		Categories: cats,
		Years:      c.Years,
		Statuses:   c.Statuses,
	}
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.BaseURL != "" {
		c.BaseURL = override.BaseURL
	}
	if override.ReportPath != "" {
		c.ReportPath = override.ReportPath
	}
	if override.Format != "" {
		c.Format = override.Format
	}
	if override.OutputDir != "" {
		c.OutputDir = override.OutputDir
	}
	if len(override.Categories) > 0 {
		c.Categories = override.Categories
	}
	if len(override.Modules) > 0 {
		c.Modules = override.Modules
	}
	if len(override.Years) > 0 {
		c.Years = override.Years
	}
	if len(override.Statuses) > 0 {
		c.Statuses = override.Statuses
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.ChunkSize != 0 {
		c.ChunkSize = override.ChunkSize
	}
	if override.InterChunkDelay != 0 {
		c.InterChunkDelay = override.InterChunkDelay
	}
	if override.RequestTimeout != 0 {
		c.RequestTimeout = override.RequestTimeout
	}
	if override.DirectDownload {
		c.DirectDownload = override.DirectDownload
	}
	if override.Overwrite {
		c.Overwrite = override.Overwrite
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Auth != "" {
		c.Auth = override.Auth
	}
	if override.AuthFailureLimit != 0 {
		c.AuthFailureLimit = override.AuthFailureLimit
	}
	if override.CredentialsFile != "" {
		c.CredentialsFile = override.CredentialsFile
	}
	if override.Lock.staleMaxAgeSet || override.Lock.StaleMaxAge != 0 {
		c.Lock.StaleMaxAge = override.Lock.StaleMaxAge
	}
	if override.Lock.WaitTimeout != 0 {
		c.Lock.WaitTimeout = override.Lock.WaitTimeout
	}
	if override.Lock.WaitInterval != 0 {
		c.Lock.WaitInterval = override.Lock.WaitInterval
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxJitter != 0 {
		c.Retry.MaxJitter = override.Retry.MaxJitter
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.Log.File != "" {
		c.Log.File = override.Log.File
	}
	if override.Ledger.DatabaseURL != "" {
		c.Ledger.DatabaseURL = override.Ledger.DatabaseURL
	}
	if override.Publish.Bucket != "" {
		c.Publish.Bucket = override.Publish.Bucket
	}
	if override.Publish.Prefix != "" {
		c.Publish.Prefix = override.Publish.Prefix
	}
	if override.Metrics.Textfile != "" {
		c.Metrics.Textfile = override.Metrics.Textfile
	}
	return c
}
