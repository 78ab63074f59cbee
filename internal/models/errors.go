package models

import "fmt"

// ProviderError reports a non-2xx response or a transport failure from a calendar backend.
type ProviderError struct {
	Provider   CredentialType
	Op         string
	StatusCode int    // 0 for transport failures
	Body       string // raw provider message
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthRefreshError reports a failed token exchange.
type AuthRefreshError struct {
	Provider   CredentialType
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthRefreshError) Error() string {
	msg := fmt.Sprintf("%s token refresh failed", e.Provider)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthRefreshError) Unwrap() error { return e.Err }

// ConfigurationError reports malformed credentials or missing required configuration.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid configuration: %s", e.Field)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
