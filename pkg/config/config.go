package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/viper"
)

var log = logging.Logger("zerog/config")

// Validatable is implemented by configuration structs that can check
// their own invariants after being unmarshalled.
type Validatable interface {
	Validate() error
}

// Load unmarshals the current viper state into T and validates it.
func Load[T Validatable]() (T, error) {
	var out T
	if err := viper.Unmarshal(&out); err != nil {
		return out, err
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateConfig(cfg any) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
