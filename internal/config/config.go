// Package config loads the daemon configuration and the initial service
// definitions with viper.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/supervisr/internal/env"
	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/metrics"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
)

// EnvPrefix prefixes environment overrides, e.g. SUPERVISR_SERVER_LISTEN.
const EnvPrefix = "SUPERVISR"

const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultBasePath      = "/api"
	DefaultMetricsListen = "127.0.0.1:9090"
	DefaultWatchDebounce = 500 * time.Millisecond
)

var ErrNoConfig = errors.New("config file not found")

// Config is the top-level file structure.
type Config struct {
	Env      []string        `mapstructure:"env"`
	EnvFiles []string        `mapstructure:"env_files"`
	UseOSEnv bool            `mapstructure:"use_os_env"`
	Engine   EngineConfig    `mapstructure:"engine"`
	Log      logger.Config   `mapstructure:"log"`
	Server   ServerConfig    `mapstructure:"server"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	History  HistoryConfig   `mapstructure:"history"`
	Services []ServiceConfig `mapstructure:"services" validate:"dive"`

	// Path is the file the config was read from; empty when none was found.
	Path string `mapstructure:"-"`
}

type EngineConfig struct {
	RestartInterval    time.Duration `mapstructure:"restart_interval" validate:"gte=0"`
	StableAfter        time.Duration `mapstructure:"stable_after"`
	KillTimeout        time.Duration `mapstructure:"kill_timeout"`
	ClockCheckInterval time.Duration `mapstructure:"clock_check_interval" validate:"gte=0"`
	ClockTolerance     time.Duration `mapstructure:"clock_tolerance" validate:"gte=0"`
	Subreaper          bool          `mapstructure:"subreaper"`
	WatchDebounce      time.Duration `mapstructure:"watch_debounce" validate:"gte=0"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen" validate:"omitempty,hostname_port"`
	BasePath string `mapstructure:"base_path"`
	PIDFile  string `mapstructure:"pidfile"`
	LockFile string `mapstructure:"lockfile"`
	LogFile  string `mapstructure:"logfile"`
}

type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Listen        string        `mapstructure:"listen" validate:"omitempty,hostname_port"`
	Usage         bool          `mapstructure:"usage"`
	UsageInterval time.Duration `mapstructure:"usage_interval" validate:"gte=0"`
	MaxHistory    int           `mapstructure:"max_history" validate:"gte=0"`
}

// UsageConfig returns the settings of the resource sampler.
func (m MetricsConfig) UsageConfig() metrics.UsageConfig {
	return metrics.UsageConfig{Enabled: m.Usage, Interval: m.UsageInterval, MaxHistory: m.MaxHistory}
}

type HistoryConfig struct {
	DSN    []string `mapstructure:"dsn" validate:"dive,required"`
	Buffer int      `mapstructure:"buffer" validate:"gte=0"`
}

// ServiceConfig is one [[services]] entry. Command is a full command line;
// Path and Args are the explicit form and win when both are given.
type ServiceConfig struct {
	ID              uint64             `mapstructure:"id"`
	Name            string             `mapstructure:"name" validate:"required"`
	Command         string             `mapstructure:"command" validate:"required_without=Path"`
	Path            string             `mapstructure:"path" validate:"required_without=Command"`
	Args            []string           `mapstructure:"args"`
	WorkDir         string             `mapstructure:"workdir"`
	Env             EnvMap             `mapstructure:"env"`
	Schedule        string             `mapstructure:"schedule"`
	Active          *bool              `mapstructure:"active"`
	Watch           []string           `mapstructure:"watch"`
	RestartInterval time.Duration      `mapstructure:"restart_interval" validate:"gte=0"`
	Log             *logger.FileConfig `mapstructure:"log"`
}

// EnvMap is written as a list of "K=V" strings. Tables are rejected since
// viper lowercases their keys.
type EnvMap map[string]string

var validate = validator.New(validator.WithRequiredStructEnabled())

// Resolve picks the config file. An explicit path must exist; otherwise
// $SUPERVISR_CONFIG, the user config dir and ./.supervisr.toml are tried
// in turn. It returns "" when nothing is found.
func Resolve(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %w", ErrNoConfig, err)
		}
		return path, nil
	}
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return Resolve(p)
	}
	var candidates []string
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		candidates = append(candidates, filepath.Join(dir, "supervisr", "config.toml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "supervisr", "config.toml"))
	}
	candidates = append(candidates, ".supervisr.toml")
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.restart_interval", "1s")
	v.SetDefault("engine.stable_after", "1m")
	v.SetDefault("engine.kill_timeout", "10s")
	v.SetDefault("engine.clock_check_interval", "1m")
	v.SetDefault("engine.clock_tolerance", "2s")
	v.SetDefault("engine.subreaper", true)
	v.SetDefault("engine.watch_debounce", DefaultWatchDebounce.String())
	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("metrics.listen", DefaultMetricsListen)
	v.SetDefault("metrics.usage_interval", "5s")
	v.SetDefault("metrics.max_history", 100)
	v.SetDefault("history.buffer", 1024)
}

// Load reads the config found by Resolve(path). With no file, defaults and
// SUPERVISR_* environment overrides still apply.
func Load(path string) (*Config, error) {
	file, err := Resolve(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType(fileType(file))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
	}
	return decode(v, file)
}

// Parse reads a config from data in the given format ("toml", "yaml",
// "json").
func Parse(data []byte, format string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return decode(v, "")
}

func decode(v *viper.Viper, file string) (*Config, error) {
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		envMapHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Path = file
	// the default is non-zero, so zero was written on purpose and means
	// "never escalate"; the engine reads zero as "use the default"
	if c.Engine.KillTimeout == 0 {
		c.Engine.KillTimeout = -1
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func fileType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

var envMapType = reflect.TypeOf(EnvMap{})

func envMapHook(from, to reflect.Type, data any) (any, error) {
	if to != envMapType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.Slice, reflect.Array:
	case reflect.Map:
		return nil, errors.New(`env must be a list of "K=V" strings`)
	default:
		return data, nil
	}
	out := EnvMap{}
	rv := reflect.ValueOf(data)
	for i := 0; i < rv.Len(); i++ {
		kv := fmt.Sprint(rv.Index(i).Interface())
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("env entry %q: want K=V", kv)
		}
		out[k] = val
	}
	return out, nil
}

// Validate checks field constraints, unique names and unique explicit ids.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", service.ErrInvalidCommand, err)
	}
	names := make(map[string]bool, len(c.Services))
	ids := make(map[uint64]string, len(c.Services))
	for _, s := range c.Services {
		if names[s.Name] {
			return fmt.Errorf("%w: %q", service.ErrDuplicateName, s.Name)
		}
		names[s.Name] = true
		if s.ID == 0 {
			continue
		}
		if other, ok := ids[s.ID]; ok {
			return fmt.Errorf("%w: id %d used by %q and %q", service.ErrDuplicateName, s.ID, other, s.Name)
		}
		ids[s.ID] = s.Name
	}
	return nil
}

// Definition converts the entry into an engine definition. The command
// line is split the way a shell would need it only when it uses shell
// syntax.
func (s ServiceConfig) Definition() service.Definition {
	path, args := s.Path, s.Args
	if path == "" {
		path, args = process.SplitCommand(s.Command)
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return service.Definition{
		ID:   service.ID(s.ID),
		Name: s.Name,
		Command: service.Command{
			Path:    path,
			Args:    args,
			WorkDir: s.WorkDir,
			Env:     s.Env,
		},
		Schedule:        s.Schedule,
		Active:          active,
		RestartInterval: s.RestartInterval,
		Watch:           s.Watch,
	}
}

// Definitions returns the definitions of all [[services]] entries in file
// order, each validated.
func (c *Config) Definitions() ([]service.Definition, error) {
	out := make([]service.Definition, 0, len(c.Services))
	for _, s := range c.Services {
		d := s.Definition()
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", s.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// GlobalEnv composes the environment shared by every service: the OS
// environment when use_os_env is set, then env_files in order, then the
// top-level env list.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(c.relative(f)); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}

// relative resolves p against the directory of the config file.
func (c *Config) relative(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.Path), p)
}

// ServiceLog returns the stdio file layout for the named service: its own
// [services.log] table merged over the global [log] one.
func (c *Config) ServiceLog(name string) logger.FileConfig {
	for _, s := range c.Services {
		if s.Name == name && s.Log != nil {
			return s.Log.Merge(c.Log.File)
		}
	}
	return c.Log.File
}
