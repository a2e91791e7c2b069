package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittosock/pkg/dynbuf"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("listeners: at least one listener must be configured")
	}

	names := make(map[string]bool)
	ports := make(map[int]string)
	for i, l := range cfg.Listeners {
		if names[l.Name] {
			return fmt.Errorf("listeners[%d]: duplicate listener name %q", i, l.Name)
		}
		names[l.Name] = true

		// Port 0 asks the kernel for a free port, so it may repeat
		if l.Port != 0 {
			if other, ok := ports[l.Port]; ok {
				return fmt.Errorf("listeners[%d]: port %d already used by listener %q", i, l.Port, other)
			}
			ports[l.Port] = l.Name
		}

		if l.TLS && l.Protocol != "http" {
			return fmt.Errorf("listeners[%d]: tls is only supported for http listeners", i)
		}

		switch l.Protocol {
		case "http":
			if l.HTTP.ResponseCharset != "" {
				if _, err := dynbuf.LookupEncoding(l.HTTP.ResponseCharset); err != nil {
					return fmt.Errorf("listeners[%d]: response_charset: %w", i, err)
				}
			}
		case "mpx":
			if len(l.MPX.Magic) == 0 || len(l.MPX.Magic) > 16 {
				return fmt.Errorf("listeners[%d]: mpx magic must be 1-16 bytes", i)
			}
			if l.MPX.LowWatermark > l.MPX.HighWatermark {
				return fmt.Errorf("listeners[%d]: mpx low_watermark %d exceeds high_watermark %d",
					i, l.MPX.LowWatermark, l.MPX.HighWatermark)
			}
		}
	}

	if cfg.Metrics.Enabled {
		if _, ok := ports[cfg.Metrics.Port]; ok {
			return fmt.Errorf("metrics: port %d already used by listener %q", cfg.Metrics.Port, ports[cfg.Metrics.Port])
		}
	}

	if cfg.Buffers.Pool == "bounded" && cfg.Buffers.MaxFreeFragments == 0 {
		return fmt.Errorf("buffers: bounded pool requires max_free_fragments > 0")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
