package config

import (
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/upstream"
)

// getValidationMessage returns a human-readable message for a validation error
func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "required_if":
		return "field is required when enabled"
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "ip_literal", "ip_literal_or_empty":
		return "must be a bare IPv4 or IPv6 address (no brackets, zone or whitespace)"
	case "hostport_or_empty":
		return "must be in format 'host:port' or empty"
	case "bootstrap_server":
		return "must be an IP address with an optional port (e.g. 8.8.8.8 or [2001:4860:4860::8888]:53)"
	case "resolver_url":
		return "must be an https:// DoH resolver URL"
	case "dscp":
		return fmt.Sprintf("must be between 0 and %d", bind.MaxDSCP)
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// ValidationError represents a single validation error with context
type ValidationError struct {
	FieldPath string // Dot-notation field path (e.g., "source.addr", "bootstrap.servers[1]")
	Message   string // Human-readable error message
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("validation failed with %d error(s):\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.FieldPath, err.Message))
	}
	return sb.String()
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	if err := validate.RegisterValidation("ip_literal", validateIPLiteral); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("ip_literal_or_empty", validateIPLiteralOrEmpty); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("hostport_or_empty", validateHostPortOrEmpty); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("bootstrap_server", validateBootstrapServer); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("resolver_url", validateResolverURL); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("dscp", validateDSCP); err != nil {
		panic(err)
	}

	// Register function to get field name from "toml" tag
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Custom validator: strict IPv4 or IPv6 literal
func validateIPLiteral(fl validator.FieldLevel) bool {
	return addr.Classify(fl.Field().String()).Valid()
}

// Custom validator: strict IP literal or empty
func validateIPLiteralOrEmpty(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return value == "" || addr.Classify(value).Valid()
}

// Custom validator: host:port format or empty
func validateHostPortOrEmpty(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	_, _, err := net.SplitHostPort(value)
	return err == nil
}

// Custom validator: bootstrap server (IP literal with optional port)
func validateBootstrapServer(fl validator.FieldLevel) bool {
	_, err := bootstrap.ParseServer(fl.Field().String())
	return err == nil
}

// Custom validator: DoH resolver URL
func validateResolverURL(fl validator.FieldLevel) bool {
	_, err := upstream.ParseResolverURL(fl.Field().String())
	return err == nil
}

// Custom validator: DSCP codepoint
func validateDSCP(fl validator.FieldLevel) bool {
	v := fl.Field().Int()
	return v >= 0 && v <= bind.MaxDSCP
}
