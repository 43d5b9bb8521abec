package backend

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel markers for the error taxonomy. Adapters attach one of these to
// every error they return so callers can classify failures with errors.Is
// without knowing which backend produced them.
var (
	ErrNotFound   = errors.New("secret not found")
	ErrAuth       = errors.New("authentication failed")
	ErrConnection = errors.New("connection failed")
	ErrConfig     = errors.New("invalid configuration")
	ErrEntropy    = errors.New("secure random source unavailable")
)

// NotFoundError is returned when a secret does not exist at a path.
type NotFoundError struct {
	Backend string
	Path    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("secret not found in %s: %s", e.Backend, e.Path)
}

// Is makes NotFoundError match ErrNotFound.
func (e NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AuthError is returned when the backend rejects credentials.
type AuthError struct {
	Backend string
	Message string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Backend, e.Message)
}

// Is makes AuthError match ErrAuth.
func (e AuthError) Is(target error) bool {
	return target == ErrAuth
}

// MarkAuth tags err as an authentication failure.
func MarkAuth(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrAuth)
}

// MarkConnection tags err as a transport failure.
func MarkConnection(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrConnection)
}

// MarkConfig tags err as a configuration problem.
func MarkConfig(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrConfig)
}

// MarkEntropy tags err as a failure of the secure random source.
func MarkEntropy(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrEntropy)
}

// ErrorClass is the taxonomy bucket an error falls into.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassNotFound   ErrorClass = "not_found"
	ClassAuth       ErrorClass = "auth"
	ClassConnection ErrorClass = "connection"
	ClassConfig     ErrorClass = "config"
	ClassEntropy    ErrorClass = "entropy"
	ClassOther      ErrorClass = "other"
)

// Classify maps err onto the taxonomy. Context deadline and cancellation
// errors count as connection failures.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConnection),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassConnection
	case errors.Is(err, ErrConfig):
		return ClassConfig
	case errors.Is(err, ErrEntropy):
		return ClassEntropy
	default:
		return ClassOther
	}
}

// IsNotFound reports whether err means the secret is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsFatalForBatch reports whether err should make a batch run exit non-zero.
func IsFatalForBatch(err error) bool {
	c := Classify(err)
	return c == ClassAuth || c == ClassConnection
}
