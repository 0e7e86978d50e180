// Package config resolves console settings from defaults, an optional YAML
// file, SERCON_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	serial "github.com/luhtfiimanal/go-serial-console"
	"github.com/luhtfiimanal/go-serial-console/internal/prefix"
	"github.com/luhtfiimanal/go-serial-console/internal/transfer"
)

// EnvPrefix is prepended to every environment override, e.g. SERCON_BAUD_RATE.
const EnvPrefix = "SERCON"

// Config is the effective console configuration. Line settings are kept as
// text so the YAML form stays readable; SerialConfig and Keymap parse them.
type Config struct {
	BaudRate     int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits     int    `mapstructure:"data_bits" yaml:"data_bits"`
	Parity       string `mapstructure:"parity" yaml:"parity"`
	StopBits     string `mapstructure:"stop_bits" yaml:"stop_bits"`
	FlowControl  string `mapstructure:"flow_control" yaml:"flow_control"`
	Prefix       string `mapstructure:"prefix" yaml:"prefix"`
	ChunkSize    int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// Default returns 115200 8N1, no flow control, prefix Ctrl-T.
func Default() Config {
	return Config{
		BaudRate:     115200,
		DataBits:     8,
		Parity:       serial.ParityNone.String(),
		StopBits:     serial.StopBitsOne.String(),
		FlowControl:  serial.FlowNone.String(),
		Prefix:       "ctrl-t",
		ChunkSize:    transfer.DefaultChunkSize,
		WriteTimeout: serial.DefaultWriteTimeout.String(),
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/sercon/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sercon", "config.yaml"), nil
}

// SerialConfig converts the line settings for device.
func (c Config) SerialConfig(device string) (serial.Config, error) {
	cfg := serial.DefaultConfig(device)
	cfg.BaudRate = c.BaudRate
	cfg.DataBits = c.DataBits

	var err error
	if cfg.Parity, err = serial.ParseParity(c.Parity); err != nil {
		return serial.Config{}, fmt.Errorf("parity: %w", err)
	}
	if cfg.StopBits, err = serial.ParseStopBits(c.StopBits); err != nil {
		return serial.Config{}, fmt.Errorf("stop_bits: %w", err)
	}
	if cfg.FlowControl, err = serial.ParseFlowControl(c.FlowControl); err != nil {
		return serial.Config{}, fmt.Errorf("flow_control: %w", err)
	}
	if c.WriteTimeout != "" {
		d, err := time.ParseDuration(c.WriteTimeout)
		if err != nil || d < 0 {
			return serial.Config{}, fmt.Errorf("write_timeout: invalid duration %q", c.WriteTimeout)
		}
		cfg.WriteTimeout = d
	}
	if err := cfg.Validate(); err != nil {
		return serial.Config{}, err
	}
	return cfg, nil
}

// Keymap returns the default command bindings under the configured prefix.
func (c Config) Keymap() (prefix.Keymap, error) {
	km := prefix.DefaultKeymap()
	key, err := prefix.ParseKey(c.Prefix)
	if err != nil {
		return prefix.Keymap{}, fmt.Errorf("prefix: %w", err)
	}
	km.Prefix = key
	if err := km.Validate(); err != nil {
		return prefix.Keymap{}, fmt.Errorf("prefix: %w", err)
	}
	return km, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if _, err := c.SerialConfig(""); err != nil {
		return err
	}
	if _, err := c.Keymap(); err != nil {
		return err
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	return nil
}
