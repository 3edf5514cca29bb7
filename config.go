package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Options are the command-line flags and their environment fallbacks.
type Options struct {
	ConfigFile  string `short:"c" long:"config" env:"SARA_CONFIG" description:"Path to TOML configuration file"`
	SerialPort  string `long:"serial-port" env:"SERIAL_PORT" description:"Serial port to connect to the module"`
	BaudRate    int    `long:"baud-rate" env:"BAUD_RATE" description:"Baud rate for serial communication"`
	BindAddress string `long:"bind-address" env:"BIND_ADDRESS" description:"Bind address for the HTTP server"`
	Debug       bool   `short:"d" long:"debug" env:"DEBUG" description:"Enable debug logging"`
	APN         string `long:"apn" env:"APN" description:"Access point name for the PDP context"`
}

// Config holds the daemon configuration.
type Config struct {
	// BindAddress is the address the HTTP server listens on.
	BindAddress string `toml:"bind_address"`
	// SerialPort is the path to the module's serial port.
	SerialPort string `toml:"serial_port"`
	// BaudRate is the baud rate for serial communication.
	BaudRate int `toml:"baud_rate"`
	// Debug enables debug logging.
	Debug bool `toml:"debug"`
	// APN is the access point name configured on the PDP context.
	APN string `toml:"apn"`
}

// ConfigOption is a function that modifies a Config.
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values.
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		return nil
	}
}

// WithFile loads a TOML configuration file. A missing path is a no-op so
// the flag stays optional.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithOptions overlays values given on the command line or environment.
func WithOptions(opts Options) ConfigOption {
	return func(c *Config) error {
		if opts.SerialPort != "" {
			c.SerialPort = opts.SerialPort
		}
		if opts.BaudRate != 0 {
			c.BaudRate = opts.BaudRate
		}
		if opts.BindAddress != "" {
			c.BindAddress = opts.BindAddress
		}
		if opts.Debug {
			c.Debug = true
		}
		if opts.APN != "" {
			c.APN = opts.APN
		}
		return nil
	}
}
