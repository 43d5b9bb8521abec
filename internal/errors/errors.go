package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/asr/pkg/backend"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// Is lets errors.Is(err, backend.ErrConfig) match configuration errors
func (e ConfigError) Is(target error) bool {
	return target == backend.ErrConfig
}

// ExitError carries a process exit code for a command that already
// reported its own failure details
type ExitError struct {
	Code    int
	Message string
}

func (e ExitError) Error() string {
	return e.Message
}

// BackendError enhances backend errors with context. The original error
// stays reachable through Unwrap so its taxonomy marks still classify.
func BackendError(kind backend.Kind, operation string, err error) error {
	if err == nil {
		return nil
	}
	return UserError{
		Message:    fmt.Sprintf("%s error during %s: %v", kind.DisplayName(), operation, err),
		Suggestion: getBackendSuggestion(kind, err),
		Err:        err,
	}
}

// getBackendSuggestion returns helpful suggestions based on backend and error
func getBackendSuggestion(kind backend.Kind, err error) string {
	errStr := err.Error()
	lower := strings.ToLower(errStr)

	switch kind {
	case backend.KindVault:
		switch {
		case strings.Contains(lower, "permission denied") || backend.IsAuth(err):
			return "Check the Vault token and its policy. Set VAULT_TOKEN or store the token in the OS keyring (service asr, user vault-token)"
		case strings.Contains(lower, "address is not set"):
			return "Set VAULT_ADDR or backend.vault.address in asr.yaml"
		case backend.IsNotFound(err):
			return "Verify the path and the KV v2 mount (VAULT_MOUNT, default 'secret')"
		}

	case backend.KindAWS, backend.KindSSM:
		switch {
		case strings.Contains(errStr, "AccessDenied"):
			if kind == backend.KindSSM {
				return "Check IAM permissions for ssm:GetParameter, ssm:PutParameter and ssm:AddTagsToResource"
			}
			return "Check IAM permissions for secretsmanager:GetSecretValue, PutSecretValue and TagResource"
		case strings.Contains(lower, "credentials") || strings.Contains(lower, "authorization"):
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		case strings.Contains(errStr, "ResourceNotFoundException") || strings.Contains(errStr, "ParameterNotFound") || backend.IsNotFound(err):
			return "Verify the secret name and region (AWS_REGION)"
		case strings.Contains(errStr, "ThrottlingException"):
			return "AWS rate limit exceeded. Lower rotation.requests_per_second or --workers"
		}

	case backend.KindGCP:
		switch {
		case strings.Contains(errStr, "PermissionDenied"):
			return "Check IAM permissions: secretmanager.secrets.get, secretmanager.versions.access, secretmanager.versions.add"
		case strings.Contains(errStr, "Unauthenticated"):
			return "Check authentication: set GOOGLE_APPLICATION_CREDENTIALS or run 'gcloud auth application-default login'"
		case strings.Contains(errStr, "NotFound") || backend.IsNotFound(err):
			return "Verify the secret name and project ID. Check that the secret exists"
		case strings.Contains(errStr, "ResourceExhausted"):
			return "Request was throttled. Lower rotation.requests_per_second or --workers"
		case strings.Contains(lower, "project"):
			return "Check that the project ID is correct (backend.gcp.project_id or GOOGLE_CLOUD_PROJECT)"
		}

	case backend.KindAzure:
		switch {
		case strings.Contains(lower, "forbidden") || strings.Contains(lower, "access denied"):
			return "Check Key Vault access policies: Get, List and Set permissions are required for secrets"
		case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401"):
			return "Check authentication: verify managed identity, service principal, or Azure CLI login"
		case strings.Contains(lower, "secretnotfound") || backend.IsNotFound(err):
			return "Verify the secret name exists in the Key Vault. Path separators are stored as '--'"
		case strings.Contains(lower, "throttled") || strings.Contains(lower, "429"):
			return "Request was throttled. Lower rotation.requests_per_second or --workers"
		case strings.Contains(lower, "tenant"):
			return "Check that the tenant ID is correct and the application is registered"
		}

	case backend.KindFile:
		switch {
		case backend.IsNotFound(err):
			return "Verify the path exists below the file backend directory (ASR_FILE_DIR)"
		case backend.IsAuth(err):
			return "Check permissions on the file backend directory"
		}
	}

	// Generic suggestions
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") {
		return "Unable to connect. Check your network and backend configuration"
	}

	return ""
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	// Already a user-friendly error
	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}
	var exitErr ExitError
	if errors.As(err, &exitErr) {
		return err
	}

	// Unwrap to get the root cause
	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	// Simplify common technical errors
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	// Return original error if we can't simplify it
	return err
}

// ExitCode maps an error onto the process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	return 1
}
