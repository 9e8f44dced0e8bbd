package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags first, then rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if len(cfg.Providers.Enabled()) == 0 {
		return fmt.Errorf("providers: at least one provider must be enabled")
	}
	if cfg.Providers.Internal.Enabled {
		if root, _ := cfg.Providers.Internal.Options["root"].(string); root == "" {
			return fmt.Errorf("providers.internal.options.root: must be set")
		}
	}
	if cfg.Providers.Network.Enabled {
		if root, _ := cfg.Providers.Network.Options["mount_root"].(string); root == "" {
			return fmt.Errorf("providers.network.options.mount_root: must be set")
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
