package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Hostname             string        `mapstructure:"hostname"`
	Port                 int           `mapstructure:"port"`
	Dir                  string        `mapstructure:"dir"`
	Script               string        `mapstructure:"script"`
	Interpreter          string        `mapstructure:"interpreter"`
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	RateLimit            int           `mapstructure:"rate_limit"`
	RateWindow           time.Duration `mapstructure:"rate_window"`
	MaxJobDirs           int           `mapstructure:"max_job_dirs"`
	ExecTimeout          time.Duration `mapstructure:"exec_timeout"`
	MaxOutputBytes       int           `mapstructure:"max_output_bytes"`
	QueueTimeout         time.Duration `mapstructure:"queue_timeout"`
	AcceptQueueThreshold int           `mapstructure:"accept_queue_threshold"`
	RetentionAge         time.Duration `mapstructure:"retention_age"`
	RetentionInterval    time.Duration `mapstructure:"retention_interval"`
	GraceDelay           time.Duration `mapstructure:"grace_delay"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

func Defaults() Config {
	return Config{
		Hostname:             "0.0.0.0",
		Port:                 3000,
		Dir:                  "temp",
		Script:               "scripts/generate_cert.sh",
		Interpreter:          "bash",
		MaxConcurrent:        3,
		RateLimit:            10,
		RateWindow:           time.Minute,
		MaxJobDirs:           50,
		ExecTimeout:          30 * time.Second,
		MaxOutputBytes:       1024 * 1024,
		QueueTimeout:         time.Minute,
		AcceptQueueThreshold: 10,
		RetentionAge:         time.Hour,
		RetentionInterval:    30 * time.Minute,
		GraceDelay:           time.Minute,
		ShutdownTimeout:      30 * time.Second,
	}
}

// SetDefaults registers every key of Defaults on v so that environment
// variables are picked up for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("hostname", d.Hostname)
	v.SetDefault("port", d.Port)
	v.SetDefault("dir", d.Dir)
	v.SetDefault("script", d.Script)
	v.SetDefault("interpreter", d.Interpreter)
	v.SetDefault("max_concurrent", d.MaxConcurrent)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("rate_window", d.RateWindow)
	v.SetDefault("max_job_dirs", d.MaxJobDirs)
	v.SetDefault("exec_timeout", d.ExecTimeout)
	v.SetDefault("max_output_bytes", d.MaxOutputBytes)
	v.SetDefault("queue_timeout", d.QueueTimeout)
	v.SetDefault("accept_queue_threshold", d.AcceptQueueThreshold)
	v.SetDefault("retention_age", d.RetentionAge)
	v.SetDefault("retention_interval", d.RetentionInterval)
	v.SetDefault("grace_delay", d.GraceDelay)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
}

// Load reads configuration from defaults, the optional file, CERTGATE_*
// environment variables and whatever flags were bound on v, in increasing
// order of precedence.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("certgate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"port":                   c.Port,
		"max_concurrent":         c.MaxConcurrent,
		"rate_limit":             c.RateLimit,
		"max_job_dirs":           c.MaxJobDirs,
		"max_output_bytes":       c.MaxOutputBytes,
		"accept_queue_threshold": c.AcceptQueueThreshold,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	durations := map[string]time.Duration{
		"rate_window":        c.RateWindow,
		"exec_timeout":       c.ExecTimeout,
		"queue_timeout":      c.QueueTimeout,
		"retention_age":      c.RetentionAge,
		"retention_interval": c.RetentionInterval,
		"grace_delay":        c.GraceDelay,
		"shutdown_timeout":   c.ShutdownTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %s", key, durations[key]))
		}
	}
	if c.Dir == "" {
		errs = append(errs, errors.New("dir must not be empty"))
	}
	if c.Script == "" {
		errs = append(errs, errors.New("script must not be empty"))
	}
	return errors.Join(errs...)
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
