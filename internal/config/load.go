package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps configuration keys to the command-line flags that override them.
var flagKeys = map[string]string{
	"baud_rate":     "baud-rate",
	"data_bits":     "data-bits",
	"parity":        "parity",
	"stop_bits":     "stop-bits",
	"flow_control":  "flow-control",
	"prefix":        "prefix",
	"chunk_size":    "chunk-size",
	"write_timeout": "write-timeout",
}

// Load resolves the configuration. When path is empty DefaultPath is tried
// and a missing file is not an error; an explicit path must exist. Flags in
// flags override the file and environment only when they were set on the
// command line. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	explicit := path != ""
	if !explicit {
		defaultPath, err := DefaultPath()
		if err == nil {
			path = defaultPath
		}
	}

	cfg := Default()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("baud_rate", cfg.BaudRate)
	v.SetDefault("data_bits", cfg.DataBits)
	v.SetDefault("parity", cfg.Parity)
	v.SetDefault("stop_bits", cfg.StopBits)
	v.SetDefault("flow_control", cfg.FlowControl)
	v.SetDefault("prefix", cfg.Prefix)
	v.SetDefault("chunk_size", cfg.ChunkSize)
	v.SetDefault("write_timeout", cfg.WriteTimeout)

	v.SetEnvPrefix(EnvPrefix)
	for key := range flagKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
			if !missing || explicit {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
