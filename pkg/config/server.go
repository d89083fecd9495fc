package config

import (
	"os"
)

// Server is the full configuration for a zerog server process.
type Server struct {
	Service  ServiceConfig `mapstructure:"service" toml:"service"`
	Queue    QueueConfig   `mapstructure:"queue" toml:"queue"`
	Store    StoreConfig   `mapstructure:"store" toml:"store"`
	API      APIConfig     `mapstructure:"api" toml:"api"`
	LogLevel string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error" flag:"log-level" toml:"log_level,omitempty"`
}

func (s Server) Validate() error {
	return validateConfig(s)
}

// ServiceConfig identifies the worker fleet this process belongs to.
type ServiceConfig struct {
	// Name is shared by every server leasing from the same job tube.
	Name string `mapstructure:"name" validate:"required,excludesall=+$" flag:"service" toml:"name"`
	// Host overrides the hostname reported in worker ids; defaults to
	// os.Hostname when empty.
	Host string `mapstructure:"host" flag:"host" toml:"host,omitempty"`
}

func (s ServiceConfig) Validate() error {
	return validateConfig(s)
}

// ResolveHost returns the configured host or the OS hostname.
func (s ServiceConfig) ResolveHost() (string, error) {
	if s.Host != "" {
		return s.Host, nil
	}
	return os.Hostname()
}

// QueueConfig selects the lease-queue backend.
type QueueConfig struct {
	// Kind is "beanstalk", "sqlite" or "postgres".
	Kind string `mapstructure:"kind" validate:"required,oneof=beanstalk sqlite postgres" flag:"queue" toml:"kind"`
	// Address is the beanstalkd host:port (beanstalk only).
	Address string `mapstructure:"address" validate:"required_if=Kind beanstalk" flag:"queue-address" toml:"address,omitempty"`
	// Path is the SQLite database file (sqlite only).
	Path string `mapstructure:"path" validate:"required_if=Kind sqlite" flag:"queue-path" toml:"path,omitempty"`
	// DSN is the PostgreSQL connection string (postgres only).
	DSN string `mapstructure:"dsn" validate:"required_if=Kind postgres" flag:"queue-dsn" toml:"dsn,omitempty"`
}

func (q QueueConfig) Validate() error {
	return validateConfig(q)
}

// StoreConfig selects the document-store backend.
type StoreConfig struct {
	// Kind is "memory", "sqlite" or "postgres".
	Kind string `mapstructure:"kind" validate:"required,oneof=memory sqlite postgres" flag:"store" toml:"kind"`
	Path string `mapstructure:"path" validate:"required_if=Kind sqlite" flag:"store-path" toml:"path,omitempty"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Kind postgres" flag:"store-dsn" toml:"dsn,omitempty"`
}

func (s StoreConfig) Validate() error {
	return validateConfig(s)
}

// APIConfig configures the management REST listener.
type APIConfig struct {
	Port uint   `mapstructure:"port" validate:"required,min=1,max=65535" flag:"port" toml:"port"`
	Host string `mapstructure:"host" flag:"api-host" toml:"host,omitempty"`
}

func (a APIConfig) Validate() error {
	return validateConfig(a)
}
