package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/log"
)

// ValidateConfig validates the entire configuration and returns all validation
// errors. Non-fatal findings are logged as warnings (see Warnings).
func (c *Config) ValidateConfig() error {
	c.EnsureSections()

	var validationErrors ValidationErrors
	validationErrors = append(validationErrors, validateSection(c.General, "general")...)
	validationErrors = append(validationErrors, validateSection(c.Listen, "listen")...)
	validationErrors = append(validationErrors, validateSection(c.Upstream, "upstream")...)
	validationErrors = append(validationErrors, validateSection(c.Bootstrap, "bootstrap")...)
	validationErrors = append(validationErrors, validateSection(c.Source, "source")...)
	validationErrors = append(validationErrors, validateSection(c.API, "api")...)
	validationErrors = append(validationErrors, validateSection(c.Redirect, "redirect")...)

	validationErrors = append(validationErrors, c.validateSource()...)
	validationErrors = append(validationErrors, c.validateBootstrap()...)

	for _, w := range c.Warnings() {
		log.Warnf("%s", w)
	}

	if len(validationErrors) > 0 {
		return validationErrors
	}
	return nil
}

func validateSection(section any, prefix string) ValidationErrors {
	if err := validate.Struct(section); err != nil {
		return convertValidatorErrors(err, prefix)
	}
	return nil
}

// validateSource checks that per-family source addresses belong to their family.
func (c *Config) validateSource() ValidationErrors {
	var validationErrors ValidationErrors

	check := func(prefix string, s *SourceAddrs) {
		if s == nil {
			return
		}
		if s.AddrIPv4 != "" {
			if d := bind.Decide(s.AddrIPv4, bind.FamilyIPv4Only); d.Reason() == bind.ReasonFamilyMismatch {
				validationErrors = append(validationErrors, ValidationError{
					FieldPath: prefix + ".addr_ipv4",
					Message:   fmt.Sprintf("%s is not an IPv4 address", s.AddrIPv4),
				})
			}
		}
		if s.AddrIPv6 != "" {
			if d := bind.Decide(s.AddrIPv6, bind.FamilyIPv6Only); d.Reason() == bind.ReasonFamilyMismatch {
				validationErrors = append(validationErrors, ValidationError{
					FieldPath: prefix + ".addr_ipv6",
					Message:   fmt.Sprintf("%s is not an IPv6 address", s.AddrIPv6),
				})
			}
		}
	}
	check("source", &c.Source.SourceAddrs)
	check("source.bootstrap", c.Source.Bootstrap)

	if c.Bootstrap.IsIPv4Only() {
		policy := c.HTTPSPolicy()
		if policy.Configured() && !bind.Decide(policy.For(bind.FamilyIPv4Only), bind.FamilyIPv4Only).Bound() {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: "source.addr",
				Message:   "IPv4-only mode needs an IPv4 source address",
			})
		}
	}

	return validationErrors
}

// validateBootstrap fails when no bootstrap server can be queried at all.
func (c *Config) validateBootstrap() ValidationErrors {
	servers, err := bootstrap.ParseServers(c.Bootstrap.GetServers())
	if err != nil {
		// Reported per entry by the struct validator.
		return nil
	}

	usable := 0
	for _, s := range servers {
		if c.serverUsable(s.Addr().Is4(), s.Addr().String()) == "" {
			usable++
		}
	}
	if usable == 0 {
		return ValidationErrors{{
			FieldPath: "bootstrap.servers",
			Message:   "no bootstrap server is reachable with the configured source address and address family",
		}}
	}
	return nil
}

// Warnings lists bootstrap servers that will always be skipped.
func (c *Config) Warnings() []string {
	servers, err := bootstrap.ParseServers(c.Bootstrap.GetServers())
	if err != nil {
		return nil
	}

	var warnings []string
	for _, s := range servers {
		if reason := c.serverUsable(s.Addr().Is4(), s.Addr().String()); reason != "" {
			warnings = append(warnings, fmt.Sprintf("Bootstrap server %s will be skipped: %s", s, reason))
		}
	}
	return warnings
}

// serverUsable returns why a bootstrap server can never be queried, or "".
func (c *Config) serverUsable(is4 bool, literal string) string {
	if c.Bootstrap.IsIPv4Only() && !is4 {
		return "IPv6 server in IPv4-only mode"
	}
	policy := c.BootstrapPolicy()
	if !policy.Configured() {
		return ""
	}
	family := bind.FamilyIPv6Only
	if is4 {
		family = bind.FamilyIPv4Only
	}
	d := bind.Decide(policy.For(family), family)
	if d.Reason() == bind.ReasonFamilyMismatch || d.Reason() == bind.ReasonMissingAddress {
		return fmt.Sprintf("source %q %s for %s", d.Literal(), d.Reason(), literal)
	}
	return ""
}

// convertValidatorErrors converts go-playground/validator errors to our ValidationError format
func convertValidatorErrors(err error, fieldPrefix string) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if errors.As(err, &validatorErrs) {
		for _, e := range validatorErrs {
			// The namespace starts with the Go struct name; replace it with the section name.
			fieldPath := fieldPrefix
			ns := strings.ReplaceAll(e.Namespace(), ".SourceAddrs", "")
			if idx := strings.IndexByte(ns, '.'); idx != -1 {
				fieldPath = fieldPrefix + ns[idx:]
			}

			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fieldPath,
				Message:   getValidationMessage(e),
			})
		}
	}

	return validationErrors
}
