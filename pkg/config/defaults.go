package config

import (
	"github.com/spf13/viper"
)

// Key is a configuration key path used with Viper.
type Key string

const (
	ServiceName Key = "service.name"
	ServiceHost Key = "service.host"

	QueueKind    Key = "queue.kind"
	QueueAddress Key = "queue.address"
	QueuePath    Key = "queue.path"
	QueueDSN     Key = "queue.dsn"

	StoreKind Key = "store.kind"
	StorePath Key = "store.path"
	StoreDSN  Key = "store.dsn"

	APIPort Key = "api.port"
	APIHost Key = "api.host"

	LogLevel Key = "log_level"
)

// Empty defaults still register their key with viper, which is what lets
// environment variables bind to them during Unmarshal.
var defaultValues = map[Key]any{
	ServiceName: "",
	ServiceHost: "",

	QueueKind:    "beanstalk",
	QueueAddress: "127.0.0.1:11300",
	QueuePath:    "",
	QueueDSN:     "",

	StoreKind: "memory",
	StorePath: "",
	StoreDSN:  "",

	APIPort:  8379,
	APIHost:  "0.0.0.0",
	LogLevel: "info",
}

// SetDefaults sets all viper defaults for configuration.
// Called before viper.Unmarshal() to ensure defaults are available.
func SetDefaults() {
	for k, v := range defaultValues {
		viper.SetDefault(string(k), v)
	}
}
