package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Wire limits the validator checks credentials against. One byte of each
// 24-byte field is reserved for the terminator.
const (
	maxCredentialLen = 23
	maxCharSlots     = 15
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	client := cfg.GetClientData()
	app := cfg.GetApplicationData()
	validateClientData(&client, result)
	validateApplicationData(&app, result)

	return result
}

func validateClientData(data *ClientData, result *ValidationResult) {
	if _, port, err := net.SplitHostPort(data.LoginAddress); err != nil {
		result.AddError("client_data.login_address", fmt.Sprintf("must be host:port: %v", err))
	} else if p, err := strconv.Atoi(port); err != nil {
		result.AddError("client_data.login_address", fmt.Sprintf("invalid port %q", port))
	} else {
		validatePort(p, "client_data.login_address", result)
	}

	if strings.TrimSpace(data.Username) == "" {
		result.AddError("client_data.username", "username is required")
	} else if len(data.Username) > maxCredentialLen {
		result.AddError("client_data.username",
			fmt.Sprintf("username longer than %d bytes", maxCredentialLen))
	}

	if data.Password == "" {
		result.AddError("client_data.password", "password is required")
	} else if len(data.Password) > maxCredentialLen {
		result.AddError("client_data.password",
			fmt.Sprintf("password longer than %d bytes", maxCredentialLen))
	}

	if _, err := data.ClientHashBytes(); err != nil {
		result.AddError("client_data.client_hash", err.Error())
	}

	if data.CharServerIndex < 0 {
		result.AddError("client_data.char_server_index", "must not be negative")
	}
	if data.CharacterSlot < 0 || data.CharacterSlot >= maxCharSlots {
		result.AddError("client_data.character_slot",
			fmt.Sprintf("slot %d out of range 0-%d", data.CharacterSlot, maxCharSlots-1))
	}

	if data.WorkerThreads < 0 {
		result.AddError("client_data.worker_threads", "must not be negative")
	}
	if data.ConnectTimeoutSec < 1 {
		result.AddError("client_data.connect_timeout_sec", "connect timeout must be at least 1 second")
	}
	if data.ReadTimeoutSec < 0 {
		result.AddError("client_data.read_timeout_sec", "must not be negative")
	}

	if data.KeepAliveIntervalSec < 1 {
		result.AddError("client_data.keepalive_interval_sec", "keepalive interval must be at least 1 second")
	} else if data.ReadTimeoutSec > 0 && data.KeepAliveIntervalSec >= data.ReadTimeoutSec {
		result.AddWarning("client_data.keepalive_interval_sec",
			"keepalive interval is not shorter than the read timeout, the map server may be dropped while idle")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.TLSEnabled && (data.API.TLSCertFile == "" || data.API.TLSKeyFile == "") {
			result.AddError("application_data.api.tls_cert_file",
				"certificate and key paths are required when TLS is enabled")
		}
		if data.API.RateLimitRPS < 0 {
			result.AddError("application_data.api.rate_limit_rps", "must not be negative")
		}
		if data.API.Token != "" && !data.API.TLSEnabled && data.API.Host != "127.0.0.1" && data.API.Host != "localhost" {
			result.AddWarning("application_data.api.token", "the API token is sent in clear text without TLS")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.UseTLS && data.MQTT.CertFile != "" && data.MQTT.KeyFile == "" {
			result.AddError("application_data.mqtt.key_file", "key file is required with a client certificate")
		}
	}

	if data.Journal.Enabled && data.Journal.MaxRows < 0 {
		result.AddError("application_data.journal.max_rows", "must not be negative")
	}
	if data.Journal.Enabled && data.Journal.MaxRows == 0 {
		result.AddWarning("application_data.journal.max_rows", "journal is unbounded")
	}

	if data.Metrics.Enabled {
		if !strings.HasPrefix(data.Metrics.Path, "/") {
			result.AddError("application_data.metrics.path", "metrics path must start with /")
		}
		if !data.API.Enabled {
			result.AddWarning("application_data.metrics.enabled", "metrics are collected but not served while the API is disabled")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
