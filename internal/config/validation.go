package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"storage.retain_raw_text",
		"export.title",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && e.HasErrors()
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{Field: field, Message: "required field is missing"}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ValidateConfig checks every section and returns all problems found.
func ValidateConfig(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateAssist(&c.Assist)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateExport(&c.Export)...)
	errs = append(errs, validateVerify(&c.Verify)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, RequiredFieldError("storage.path"))
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	if s.BusyTimeoutMs < 0 || s.BusyTimeoutMs > 60000 {
		errs = append(errs, RangeError("storage.busy_timeout_ms", 0, 60000))
	}

	if s.RetainRawText {
		errs = append(errs, ValidationError{
			Field:   "storage.retain_raw_text",
			Message: "inserted text will be stored in plain form alongside its hash",
		})
	}

	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors
	if s.KeyPath == "" {
		errs = append(errs, RequiredFieldError("signing.key_path"))
	}
	if s.PublicKeyPath != "" && s.PublicKeyPath == s.KeyPath {
		errs = append(errs, ValidationError{
			Field:   "signing.public_key_path",
			Message: "must differ from signing.key_path",
		})
	}
	return errs
}

func validateAssist(a *AssistConfig) ValidationErrors {
	var errs ValidationErrors

	if !isValidURL(a.Endpoint) {
		errs = append(errs, ValidationError{
			Field:   "assist.endpoint",
			Message: fmt.Sprintf("invalid URL: %q", a.Endpoint),
		})
	}
	if a.Model == "" {
		errs = append(errs, RequiredFieldError("assist.model"))
	}
	if a.MaxTokens < 1 || a.MaxTokens > 32768 {
		errs = append(errs, RangeError("assist.max_tokens", 1, 32768))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		errs = append(errs, RangeError("assist.temperature", 0, 2))
	}
	if a.TimeoutSec < 1 || a.TimeoutSec > 600 {
		errs = append(errs, RangeError("assist.timeout_sec", 1, 600))
	}
	if a.APIKeyEnv == "" {
		errs = append(errs, RequiredFieldError("assist.api_key_env"))
	}
	if a.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "assist.requests_per_minute",
			Message: "cannot be negative",
		})
	}

	return errs
}

func validateWatch(w *WatchConfig) ValidationErrors {
	if w.DebounceMs < 10 || w.DebounceMs > 60000 {
		return ValidationErrors{RangeError("watch.debounce_ms", 10, 60000)}
	}
	return nil
}

func validateExport(e *ExportConfig) ValidationErrors {
	if strings.TrimSpace(e.Title) == "" {
		return ValidationErrors{{
			Field:   "export.title",
			Message: "artifacts will be exported without a title",
		}}
	}
	return nil
}

func validateVerify(v *VerifyConfig) ValidationErrors {
	if v.Parallelism < 1 || v.Parallelism > 256 {
		return ValidationErrors{RangeError("verify.parallelism", 1, 256)}
	}
	return nil
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
