package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "EXTPROC"

type Config struct {
	GRPC      GRPC      `mapstructure:"grpc"`
	Echo      Echo      `mapstructure:"echo"`
	Metadata  Metadata  `mapstructure:"metadata"`
	Log       Log       `mapstructure:"log"`
	AccessLog AccessLog `mapstructure:"accessLog"`
}

type GRPC struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

// Echo is the HTTP server echoing request headers, used as upstream in integration tests.
type Echo struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type Metadata struct {
	// Namespace is the dynamic metadata namespace properties are emitted under.
	Namespace string `mapstructure:"namespace"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AccessLog struct {
	Enabled bool `mapstructure:"enabled"`
	// Properties are "field=property.path" pairs added to every access log line.
	Properties []string `mapstructure:"properties"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("grpc.network", "tcp")
	v.SetDefault("grpc.address", ":8081")
	v.SetDefault("echo.enabled", false)
	v.SetDefault("echo.address", ":8080")
	v.SetDefault("metadata.namespace", "envoy.filters.http.ext_proc")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("accessLog.enabled", true)
	v.SetDefault("accessLog.properties", []string{"user_name=user-name"})
}

// Flags returns the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("extproc-username", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("grpc.address", "", "address the ext_proc gRPC server listens on")
	fs.String("log.level", "", "log level (debug, info, warn, error)")
	return fs
}

// Load reads the configuration from, in order of precedence, flags, EXTPROC_ environment variables
// (e.g. EXTPROC_GRPC_ADDRESS), the optional config file and the defaults.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, name := range []string{"grpc.address", "log.level"} {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(name, f); err != nil {
					return Config{}, fmt.Errorf("could not bind flag %q: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("failed to read configuration file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.GRPC.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("invalid grpc.network %q: must be tcp or unix", c.GRPC.Network)
	}
	if c.GRPC.Address == "" {
		return fmt.Errorf("grpc.address must not be empty")
	}
	if c.Echo.Enabled && c.Echo.Address == "" {
		return fmt.Errorf("echo.address must not be empty when echo is enabled")
	}
	if c.Metadata.Namespace == "" {
		return fmt.Errorf("metadata.namespace must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log.format %q: must be json or console", c.Log.Format)
	}
	return nil
}
