// Package config loads the settings shared by the serve and send commands.
//
// Values come from three layers, later ones winning: Default(), an optional YAML file,
// and QEX_* environment variables. The result is validated before use.
package config

import (
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"quic-exchange/logging"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       logging.Config  `yaml:"log"`
}

type ServerConfig struct {
	Address         string        `yaml:"address" env:"QEX_SERVER_ADDR" validate:"required,hostname_port"`
	AdvertiseAddr   string        `yaml:"advertise_addr" env:"QEX_ADVERTISE_ADDR" validate:"omitempty,hostname_port"`
	CertPath        string        `yaml:"cert_path" env:"QEX_CERT_PATH" validate:"required"`
	KeyPath         string        `yaml:"key_path" env:"QEX_KEY_PATH" validate:"required"`
	Hosts           []string      `yaml:"hosts" validate:"min=1,dive,required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"` // exchanges per second, 0 disables
	RateBurst       int           `yaml:"rate_burst" validate:"gte=0"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"QEX_METRICS_ADDR" validate:"omitempty,hostname_port"`
}

type ClientConfig struct {
	ServerAddr      string        `yaml:"server_addr" env:"QEX_CONNECT_ADDR" validate:"required,hostname_port"`
	ServerName      string        `yaml:"server_name" env:"QEX_SERVER_NAME" validate:"required"`
	TrustMode       string        `yaml:"trust_mode" env:"QEX_TRUST_MODE" validate:"oneof=trusted-cert insecure-no-verify"`
	CertPath        string        `yaml:"cert_path" env:"QEX_CERT_PATH"`
	Codec           string        `yaml:"codec" env:"QEX_CODEC" validate:"required"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout" validate:"gte=0"`
	Balancer        string        `yaml:"balancer" validate:"oneof=round-robin weighted-random consistent-hash"`
	AffinityKey     string        `yaml:"affinity_key"`
}

type TransportConfig struct {
	IdleTimeout        time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	KeepAlivePeriod    time.Duration `yaml:"keep_alive_period" validate:"gte=0"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" validate:"gte=0"`
	MaxIncomingStreams int64         `yaml:"max_incoming_streams" validate:"gte=0"`
}

type RegistryConfig struct {
	Type        string        `yaml:"type" env:"QEX_REGISTRY" validate:"oneof=static etcd"`
	Service     string        `yaml:"service" validate:"required"`
	Endpoints   []string      `yaml:"endpoints" validate:"required_if=Type etcd"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
	TTL         int64         `yaml:"ttl" validate:"gte=0"`
}

// Default returns a configuration that runs both roles on the loopback interface.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1:5000",
			CertPath:        "cert.der",
			KeyPath:         "key.der",
			Hosts:           []string{"localhost"},
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			ServerAddr:      "127.0.0.1:5000",
			ServerName:      "localhost",
			TrustMode:       "trusted-cert",
			CertPath:        "cert.der",
			Codec:           "binary",
			ExchangeTimeout: 30 * time.Second,
			Balancer:        "round-robin",
		},
		Transport: TransportConfig{
			IdleTimeout:        30 * time.Second,
			KeepAlivePeriod:    10 * time.Second,
			HandshakeTimeout:   10 * time.Second,
			MaxIncomingStreams: 100,
		},
		Registry: RegistryConfig{
			Type:        "static",
			Service:     "exchange",
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("config from environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
