// Package config loads instant's settings from flags, INSTANT_* environment
// variables and an optional instant.{toml,yaml,json} file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/martinal/instant/cache"
	"github.com/martinal/instant/toolchain"
)

// EnvPrefix is prepended to every environment variable key.
const EnvPrefix = "INSTANT"

// Config holds everything the CLI and the library facade can be configured
// with.
type Config struct {
	CacheDir    string       `mapstructure:"cache_dir"`
	LockBackend string       `mapstructure:"lock_backend"`
	Toolchain   string       `mapstructure:"toolchain"`
	Local       LocalConfig  `mapstructure:"local"`
	Docker      DockerConfig `mapstructure:"docker"`
	Log         LogConfig    `mapstructure:"log"`
}

// LocalConfig configures the host toolchain.
type LocalConfig struct {
	Swig           string   `mapstructure:"swig"`
	CXX            string   `mapstructure:"cxx"`
	PythonConfig   string   `mapstructure:"python_config"`
	PythonIncludes []string `mapstructure:"python_includes"`
}

// DockerConfig configures the container toolchain.
type DockerConfig struct {
	Image          string   `mapstructure:"image"`
	Pull           bool     `mapstructure:"pull"`
	PythonIncludes []string `mapstructure:"python_includes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		CacheDir:    "",
		LockBackend: cache.BackendAuto,
		Toolchain:   toolchain.KindLocal,
		Local: LocalConfig{
			Swig:         "swig",
			PythonConfig: "python3-config",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
	}
}

// New returns a viper instance with defaults, environment binding and the
// config file search path set up. The file is optional.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("instant")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "instant"))
	return v
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("lock_backend", d.LockBackend)
	v.SetDefault("toolchain", d.Toolchain)

	v.SetDefault("local.swig", d.Local.Swig)
	v.SetDefault("local.cxx", d.Local.CXX)
	v.SetDefault("local.python_config", d.Local.PythonConfig)
	v.SetDefault("local.python_includes", d.Local.PythonIncludes)

	v.SetDefault("docker.image", d.Docker.Image)
	v.SetDefault("docker.pull", d.Docker.Pull)
	v.SetDefault("docker.python_includes", d.Docker.PythonIncludes)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// BindFlags binds persistent CLI flags to their keys. Flags that were not
// set on the command line fall through to env, file and defaults.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	bindings := map[string]string{
		"cache_dir":    "cache-dir",
		"lock_backend": "lock-backend",
		"toolchain":    "toolchain",
		"docker.image": "docker-image",
		"log.level":    "log-level",
		"log.format":   "log-format",
	}
	for key, name := range bindings {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}
	return nil
}

// Load reads the config file, if any, and returns the merged, validated
// settings.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cache.BackendByName(c.LockBackend); err != nil {
		errs = append(errs, fmt.Errorf("lock_backend: %w", err))
	}
	if !slices.Contains([]string{toolchain.KindLocal, toolchain.KindDocker}, c.Toolchain) {
		errs = append(errs, fmt.Errorf("toolchain: must be %q or %q, got %q", toolchain.KindLocal, toolchain.KindDocker, c.Toolchain))
	}
	if c.Toolchain == toolchain.KindDocker && c.Docker.Image == "" {
		errs = append(errs, errors.New("docker.image: required when toolchain is docker"))
	}
	return errors.Join(errs...)
}

// Collaborator builds the configured toolchain for opts.
func (c *Config) Collaborator(opts toolchain.Options) cache.Collaborator {
	if c.Toolchain == toolchain.KindDocker {
		return toolchain.Docker{
			Image:          c.Docker.Image,
			Pull:           c.Docker.Pull,
			PythonIncludes: c.Docker.PythonIncludes,
			Options:        opts,
		}
	}
	return toolchain.Local{
		Swig:           c.Local.Swig,
		CXX:            c.Local.CXX,
		PythonConfig:   c.Local.PythonConfig,
		PythonIncludes: c.Local.PythonIncludes,
		Options:        opts,
	}
}
