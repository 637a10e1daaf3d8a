package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/ruleplane/internal/engine"
	"grimm.is/ruleplane/internal/logging"
	"grimm.is/ruleplane/internal/rule"
	"grimm.is/ruleplane/internal/validation"
	"grimm.is/ruleplane/internal/zone"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration. Rule seeds are checked against
// the zones the same file declares.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateZones()...)
	errs = append(errs, c.validateInterfaces()...)
	errs = append(errs, c.validateSettings()...)

	// Seeds can only be resolved against a consistent zone table
	if !errs.HasErrors() {
		errs = append(errs, c.validateSeeds()...)
	}
	return errs
}

func (c *Config) validateZones() ValidationErrors {
	var errs ValidationErrors
	names := make(map[string]bool)
	ids := make(map[uint32]string)

	for i, z := range c.Zones {
		field := fmt.Sprintf("zones[%s]", z.Name)
		if z.Name == "" {
			field = fmt.Sprintf("zones[%d]", i)
		}

		if err := validation.ValidateIdentifier(z.Name); err != nil {
			errs = append(errs, ValidationError{Field: field + ".name", Message: err.Error()})
		}
		if strings.EqualFold(z.Name, zone.AnyName) {
			errs = append(errs, ValidationError{Field: field + ".name", Message: "name is reserved for the any zone"})
		}
		if names[z.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "zone declared more than once"})
		}
		names[z.Name] = true

		if z.ID == rule.AnyZone {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "id 0 is reserved for the any zone"})
			continue
		}
		if other, dup := ids[z.ID]; dup {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("id %d already used by zone %s", z.ID, other),
			})
		}
		ids[z.ID] = z.Name
	}
	return errs
}

func (c *Config) validateInterfaces() ValidationErrors {
	var errs ValidationErrors
	zones := make(map[string]bool)
	for _, z := range c.Zones {
		zones[z.Name] = true
	}
	seen := make(map[string]bool)

	for _, iface := range c.Interfaces {
		field := fmt.Sprintf("interfaces[%s]", iface.Name)
		if err := validation.ValidateInterfaceName(iface.Name); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		if seen[iface.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "interface declared more than once"})
		}
		seen[iface.Name] = true
		if !zones[iface.Zone] {
			errs = append(errs, ValidationError{
				Field:   field + ".zone",
				Message: fmt.Sprintf("zone %q is not declared", iface.Zone),
			})
		}
	}
	return errs
}

var engineDrivers = []string{engine.DriverMemory, engine.DriverNFTables}

func (c *Config) validateSettings() ValidationErrors {
	var errs ValidationErrors

	if c.Engine != nil {
		if c.Engine.Driver != "" {
			if err := validation.ValidateAllowlist(c.Engine.Driver, engineDrivers); err != nil {
				errs = append(errs, ValidationError{
					Field:   "engine.driver",
					Message: fmt.Sprintf("%v (must be memory or nftables)", err),
				})
			}
		}
		if c.Engine.Table != "" {
			if err := validation.ValidateIdentifier(c.Engine.Table); err != nil {
				errs = append(errs, ValidationError{Field: "engine.table", Message: err.Error()})
			}
		}
	}

	if c.Monitor != nil {
		errs = append(errs, checkDuration("monitor.poll_interval", c.Monitor.PollInterval)...)
	}
	if c.State != nil {
		errs = append(errs, checkDuration("state.journal_retention", c.State.JournalRetention)...)
	}
	if c.Metrics != nil {
		errs = append(errs, checkDuration("metrics.interval", c.Metrics.Interval)...)
		if c.Metrics.Listen != "" {
			if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
				errs = append(errs, ValidationError{Field: "metrics.listen", Message: err.Error()})
			}
		}
	}
	if c.Logging != nil {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, ValidationError{Field: "logging.level", Message: err.Error()})
		}
	}
	return errs
}

func checkDuration(field, v string) ValidationErrors {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", v)}}
	}
	if d < 0 {
		return ValidationErrors{{Field: field, Message: "must not be negative"}}
	}
	return nil
}

// validateSeeds runs every rule block through the create pipeline against a
// scratch registry holding this file's zones.
func (c *Config) validateSeeds() ValidationErrors {
	if len(c.Rules) == 0 {
		return nil
	}
	snap, err := c.ZoneSnapshot()
	if err != nil {
		return ValidationErrors{{Field: "zones", Message: err.Error()}}
	}
	reg := zone.New(zone.WithLogger(logging.Nop()))
	if err := reg.Load(snap); err != nil {
		return ValidationErrors{{Field: "zones", Message: err.Error()}}
	}

	var errs ValidationErrors
	for i, fields := range c.Seeds() {
		if _, err := validation.ValidateCreate(fields, reg); err != nil {
			field := fmt.Sprintf("rules[%d]", i)
			var ve *validation.ValidationError
			if errors.As(err, &ve) {
				field += "." + ve.Field
			}
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}
	return errs
}
