// Package config provides configuration management for rdmaxfer.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMAXFER_* prefix)
//  3. Configuration file (rdmaxfer.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdmaxfer/rdmaxfer.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/piwi3910/rdmaxfer/internal/handshake"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "RDMAXFER"

// Config holds all configuration for rdmaxfer
type Config struct {
	// Port is the TCP control channel port
	Port int `mapstructure:"port" yaml:"port"`

	// Device is the RDMA device name (e.g., "mlx5_0")
	Device string `mapstructure:"device" yaml:"device"`

	// DevicePort is the physical port number on the device
	DevicePort int `mapstructure:"device_port" yaml:"device_port"`

	// Backend selects the verbs backend by name
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SendSize and RecvSize are the registered buffer sizes in bytes
	SendSize int `mapstructure:"send_size" yaml:"send_size"`
	RecvSize int `mapstructure:"recv_size" yaml:"recv_size"`

	// TxDepth is the send queue depth; the CQ holds twice as many entries
	TxDepth int `mapstructure:"tx_depth" yaml:"tx_depth"`

	CompletionTimeout time.Duration `mapstructure:"completion_timeout" yaml:"completion_timeout"`
	CQPollInterval    time.Duration `mapstructure:"cq_poll_interval" yaml:"cq_poll_interval"`
	UseCompChannel    bool          `mapstructure:"use_comp_channel" yaml:"use_comp_channel"`
	DoorbellInterval  time.Duration `mapstructure:"doorbell_interval" yaml:"doorbell_interval"`

	// ReplyTimeout bounds how long the client waits for the server's reply
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	IOTimeout    time.Duration `mapstructure:"io_timeout" yaml:"io_timeout"`

	MaxMessageSize int `mapstructure:"max_message_size" yaml:"max_message_size"`

	// ClientValue is what the client writes, ReplyValue what the server
	// writes back. Zero means "nothing arrived" and is rejected.
	ClientValue int32 `mapstructure:"client_value" yaml:"client_value"`
	ReplyValue  int32 `mapstructure:"reply_value" yaml:"reply_value"`
	AutoReply   bool  `mapstructure:"auto_reply" yaml:"auto_reply"`

	// Iters is advertised in the payload; it does not change the transfer
	Iters uint32 `mapstructure:"iters" yaml:"iters"`

	// MetricsAddr enables the /metrics and /healthz listener when set
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Options are command line overrides
type Options struct {
	Port        int
	Device      string
	Backend     string
	MetricsAddr string
	LogLevel    string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("rdmaxfer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdmaxfer")
		v.AddConfigPath("$HOME/.rdmaxfer")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.Port != 0 {
		v.Set("port", opts.Port)
	}
	if opts.Device != "" {
		v.Set("device", opts.Device)
	}
	if opts.Backend != "" {
		v.Set("backend", opts.Backend)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics_addr", opts.MetricsAddr)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Control channel
	v.SetDefault("port", handshake.DefaultPort)
	v.SetDefault("max_message_size", handshake.DefaultMaxMessageSize)
	v.SetDefault("io_timeout", handshake.DefaultIOTimeout)
	v.SetDefault("dial_timeout", 10*time.Second)
	v.SetDefault("drain_timeout", 30*time.Second)

	// Device
	v.SetDefault("device", rdma.DefaultDevice)
	v.SetDefault("device_port", rdma.DefaultPort)
	v.SetDefault("backend", rdma.BackendSimulated)

	// Queues and buffers
	v.SetDefault("send_size", rdma.DoorbellSize)
	v.SetDefault("recv_size", rdma.DoorbellSize)
	v.SetDefault("tx_depth", rdma.DefaultTxDepth)
	v.SetDefault("completion_timeout", rdma.DefaultCompletionTimeout)
	v.SetDefault("cq_poll_interval", rdma.DefaultPollInterval)
	v.SetDefault("use_comp_channel", true)
	v.SetDefault("doorbell_interval", rdma.DefaultPollInterval)

	// Transfer
	v.SetDefault("reply_timeout", 10*time.Second)
	v.SetDefault("client_value", 1)
	v.SetDefault("reply_value", 2)
	v.SetDefault("auto_reply", true)
	v.SetDefault("iters", 1)

	// Observability
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > math.MaxUint16 {
		return fmt.Errorf("invalid port %d", c.Port)
	}

	if c.Device == "" {
		return fmt.Errorf("device cannot be empty")
	}

	if c.DevicePort < 1 {
		return fmt.Errorf("invalid device_port %d", c.DevicePort)
	}

	if c.SendSize <= 0 || c.RecvSize <= 0 {
		return fmt.Errorf("send_size and recv_size must be positive")
	}

	// Both ends exchange the doorbell value through the first four bytes
	if c.SendSize < rdma.DoorbellSize || c.RecvSize < rdma.DoorbellSize {
		return fmt.Errorf("send_size and recv_size must be at least %d bytes", rdma.DoorbellSize)
	}

	if c.TxDepth < 1 {
		return fmt.Errorf("tx_depth must be at least 1")
	}

	if c.MaxMessageSize < handshake.PayloadSize {
		return fmt.Errorf("max_message_size %d is smaller than the %d byte payload", c.MaxMessageSize, handshake.PayloadSize)
	}

	for name, d := range map[string]time.Duration{
		"completion_timeout": c.CompletionTimeout,
		"cq_poll_interval":   c.CQPollInterval,
		"doorbell_interval":  c.DoorbellInterval,
		"reply_timeout":      c.ReplyTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.DrainTimeout < 0 || c.DialTimeout < 0 || c.IOTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if c.ClientValue == 0 || c.ReplyValue == 0 {
		return fmt.Errorf("client_value and reply_value must be non-zero")
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	return nil
}

// EndpointConfig returns the endpoint settings for one side of a transfer.
// The server side watches its receive buffer and answers automatically.
func (c *Config) EndpointConfig(server bool) rdma.EndpointConfig {
	ec := rdma.DefaultEndpointConfig()
	ec.DeviceName = c.Device
	ec.Port = c.DevicePort
	ec.SendSize = c.SendSize
	ec.RecvSize = c.RecvSize
	ec.TxDepth = c.TxDepth
	ec.CompletionTimeout = c.CompletionTimeout
	ec.CQPollInterval = c.CQPollInterval
	ec.DoorbellInterval = c.DoorbellInterval
	ec.UseCompChannel = c.UseCompChannel

	if server {
		ec.Name = "server"
		ec.Doorbell = true
		ec.AutoReply = c.AutoReply
	} else {
		ec.Name = "client"
	}

	return ec
}

// SessionConfig returns the control channel settings.
func (c *Config) SessionConfig() handshake.SessionConfig {
	return handshake.SessionConfig{
		MaxMessageSize: c.MaxMessageSize,
		IOTimeout:      c.IOTimeout,
	}
}
