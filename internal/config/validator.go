package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: "stderr", "file://<abs-path>", or "sqlite://<abs-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	// tcp_mode: one of the supported child topologies
	if err := v.RegisterValidation("tcp_mode", validateTCPMode); err != nil {
		return fmt.Errorf("failed to register tcp_mode validator: %w", err)
	}
	// listen_addr: host:port with a valid port; empty host binds all interfaces
	if err := v.RegisterValidation("listen_addr", validateListenAddr); err != nil {
		return fmt.Errorf("failed to register listen_addr validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stderr", "file://<absolute-path>", "sqlite://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	if output == "stderr" {
		return true
	}

	for _, scheme := range []string{"file://", "sqlite://"} {
		if strings.HasPrefix(output, scheme) {
			path := strings.TrimPrefix(output, scheme)
			return path != "" && filepath.IsAbs(path)
		}
	}

	return false
}

// validateTCPMode validates the TCP listener mode field.
func validateTCPMode(fl validator.FieldLevel) bool {
	mode := fl.Field().String()
	return mode == TCPModeDedicated || mode == TCPModeShared
}

// validateListenAddr validates a bindable host:port address.
// The host may be empty or an IP/hostname; the port must be 1-65535.
func validateListenAddr(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: the health endpoint is unauthenticated and
	// must never be reachable off-host.
	if err := c.validateHealthLoopback(); err != nil {
		return err
	}

	// Cross-field validation: a listener without a child to front is a
	// misconfiguration, not a degenerate success.
	if err := c.validateChildCommand(); err != nil {
		return err
	}

	return nil
}

// validateHealthLoopback ensures the health listener binds a loopback host.
func (c *Config) validateHealthLoopback() error {
	host, _, err := net.SplitHostPort(c.Health.Listen)
	if err != nil {
		return fmt.Errorf("health.listen: invalid address %q", c.Health.Listen)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("health.listen: %q is not a loopback address (the health endpoint is unauthenticated)", c.Health.Listen)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// validateChildCommand ensures a child argv is configured whenever at least
// one listener will accept sessions.
func (c *Config) validateChildCommand() error {
	if !c.Listeners.WS.Enabled && !c.Listeners.TCP.Enabled {
		return nil
	}
	if len(c.Child.Command) == 0 {
		return errors.New("child.command: required when any listener is enabled")
	}
	if strings.TrimSpace(c.Child.Command[0]) == "" {
		return errors.New("child.command: first element (program) must not be empty")
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "listen_addr":
		return fmt.Sprintf("%s must be a bindable host:port", field)
	case "tcp_mode":
		return fmt.Sprintf("%s must be %q or %q", field, TCPModeDedicated, TCPModeShared)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stderr', 'file://<absolute-path>', or 'sqlite://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
