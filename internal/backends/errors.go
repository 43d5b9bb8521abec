package backends

import (
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cockroachdb/errors"

	"github.com/systmms/asr/pkg/backend"
)

var awsAuthCodes = map[string]bool{
	"AccessDeniedException":       true,
	"AccessDenied":                true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ExpiredTokenException":       true,
	"ExpiredToken":                true,
	"InvalidSignatureException":   true,
	"SignatureDoesNotMatch":       true,
	"UnauthorizedOperation":       true,
}

var awsNotFoundCodes = map[string]bool{
	"ResourceNotFoundException": true,
	"ParameterNotFound":         true,
	"InvalidResourceId":         true,
}

// handleAWSError maps AWS SDK errors onto the backend error taxonomy
func handleAWSError(name, path string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsNotFoundCodes[code]:
			return backend.NotFoundError{Backend: name, Path: path}
		case awsAuthCodes[code]:
			return backend.AuthError{Backend: name, Message: fmt.Sprintf("AWS authentication/authorization failed: %s", code)}
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 500 {
			return backend.MarkConnection(errors.Wrapf(err, "%s %s", name, path))
		}
		return errors.Wrapf(err, "%s %s", name, path)
	}
	if isAuthError(err) {
		return backend.AuthError{Backend: name, Message: "AWS authentication/authorization failed"}
	}
	// No API response at all: DNS, TLS, timeouts, refused connections,
	// missing credentials.
	return backend.MarkConnection(errors.Wrapf(err, "%s %s", name, path))
}

func isAuthError(err error) bool {
	// Credential resolution failures never reach the API
	errStr := err.Error()
	return strings.Contains(errStr, "AccessDenied") ||
		strings.Contains(errStr, "UnauthorizedOperation") ||
		strings.Contains(errStr, "InvalidUserID") ||
		strings.Contains(errStr, "Forbidden") ||
		strings.Contains(errStr, "failed to retrieve credentials")
}
