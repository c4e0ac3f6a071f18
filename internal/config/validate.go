package config

import (
	"fmt"
	"path"
	"strings"

	"schemarest/internal/schemafilter"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult collects all configuration errors so they can be reported
// together instead of one per restart.
type ValidationResult struct {
	Errors []ValidationError
}

func (r *ValidationResult) add(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns an error combining every
// problem found.
func (c *Config) Validate() error {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Server.validate(result)
	c.Engine.validate(result)
	c.Observability.validate(result)
	validateSchemaFilters(result, c.SchemaFilters)

	if result.HasErrors() {
		return fmt.Errorf("invalid configuration: %s", result.Error())
	}
	return nil
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if d.ConnectionString == "" {
		if d.Host == "" {
			result.add("database.host", "database host is required", "set database.host or provide database.dsn")
		}
		if d.Port < 1 || d.Port > 65535 {
			result.add("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
		}
		if d.User == "" {
			result.add("database.user", "database user is required", "set database.user or provide database.dsn")
		}
	}

	switch d.TLS.Mode {
	case "", "off", "skip-verify":
	case "verify-ca", "verify-full":
		if d.TLS.CAFile == "" {
			result.add("database.tls.ca_file", "CA file is required for "+d.TLS.Mode+" mode", "")
		}
	default:
		result.add("database.tls.mode", fmt.Sprintf("unknown TLS mode %q", d.TLS.Mode),
			"use off, skip-verify, verify-ca, or verify-full")
	}

	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.add("database.pool.max_idle", "max_idle cannot exceed max_open", "")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.add("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.Auth.Enabled && s.Auth.JWTSecret == "" && s.Auth.JWTSecretFile == "" {
		result.add("server.auth.jwt_secret", "a JWT secret is required when auth is enabled",
			"set server.auth.jwt_secret or server.auth.jwt_secret_file")
	}
	if s.CORSEnabled && len(s.CORSAllowedOrigins) == 0 {
		result.add("server.cors_allowed_origins", "at least one origin is required when CORS is enabled", "")
	}
}

func (e *EngineConfig) validate(result *ValidationResult) {
	if e.MaxLimit < 1 {
		result.add("engine.max_limit", "max_limit must be at least 1", "")
	}
	if e.DefaultLimit < 1 {
		result.add("engine.default_limit", "default_limit must be at least 1", "")
	}
	if e.DefaultLimit > e.MaxLimit {
		result.add("engine.default_limit", "default_limit cannot exceed max_limit", "")
	}
	if e.MaxNestingDepth < 1 {
		result.add("engine.max_nesting_depth", "max_nesting_depth must be at least 1", "")
	}
	if e.BatchTxTimeout <= 0 {
		result.add("engine.batch_tx_timeout", "batch_tx_timeout must be positive", "")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.add("observability.trace_sample_ratio", "trace_sample_ratio must be between 0.0 and 1.0", "")
	}
	switch o.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		result.add("observability.logging.level", fmt.Sprintf("unknown log level %q", o.Logging.Level),
			"use debug, info, warn, or error")
	}
	switch o.Logging.Format {
	case "", "json", "text":
	default:
		result.add("observability.logging.format", fmt.Sprintf("unknown log format %q", o.Logging.Format),
			"use json or text")
	}
	if o.TracingEnabled || o.Logging.ExportsEnabled {
		switch o.OTLP.Protocol {
		case "", "grpc", "http/protobuf":
		default:
			result.add("observability.otlp.protocol", fmt.Sprintf("unknown OTLP protocol %q", o.OTLP.Protocol),
				"use grpc or http/protobuf")
		}
	}
}

func validateSchemaFilters(result *ValidationResult, filters schemafilter.Config) {
	validateGlobList(result, "schema_filters.allow_entities", filters.AllowEntities)
	validateGlobList(result, "schema_filters.deny_entities", filters.DenyEntities)
	validateGlobList(result, "schema_filters.deny_mutation_entities", filters.DenyMutationEntities)
	validatePatternMap(result, "schema_filters.allow_fields", filters.AllowFields)
	validatePatternMap(result, "schema_filters.deny_fields", filters.DenyFields)
	validatePatternMap(result, "schema_filters.deny_mutation_fields", filters.DenyMutationFields)
}

func validateGlobList(result *ValidationResult, field string, patterns []string) {
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, "probe"); err != nil {
			result.add(field, fmt.Sprintf("invalid glob pattern %q", pattern), "")
		}
	}
}

func validatePatternMap(result *ValidationResult, field string, patterns map[string][]string) {
	for entity, list := range patterns {
		if _, err := path.Match(entity, "probe"); err != nil {
			result.add(field, fmt.Sprintf("invalid entity glob pattern %q", entity), "")
		}
		for _, pattern := range list {
			if _, err := path.Match(pattern, "probe"); err != nil {
				result.add(field, fmt.Sprintf("invalid field glob pattern %q under %q", pattern, entity), "")
			}
		}
	}
}
