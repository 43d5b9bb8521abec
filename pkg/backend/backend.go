package backend

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strings"
)

// DefaultField is the payload field rotated when no field is specified.
const DefaultField = "password"

// Backend defines the contract every secret backend adapter implements.
//
// A Backend is selected once at startup from configuration and held as an
// opaque handle for the rest of the process. The rotation engine only ever
// talks to this interface and never branches on the concrete kind.
//
// Implementations must be safe for concurrent use: batch operations may
// call methods from several goroutines, each for a different path.
type Backend interface {
	// Name returns the configured instance name, used in logs and errors.
	Name() string

	// Kind reports which backend implementation this is.
	Kind() Kind

	// ReadPayload returns every field stored at path.
	//
	// Returns an error marked ErrNotFound when the secret does not exist,
	// ErrAuth when credentials are rejected and ErrConnection for transport
	// failures.
	ReadPayload(ctx context.Context, path string) (Payload, error)

	// WritePayload stores payload at path, creating the secret if needed.
	//
	// With merge=true fields absent from payload are preserved from the
	// currently stored payload (read-modify-write). With merge=false the
	// stored payload is replaced.
	WritePayload(ctx context.Context, path string, payload Payload, merge bool) error

	// ReadMetadata returns the rotation bookkeeping for path.
	//
	// A secret that carries no rotation metadata yields the zero
	// RotationMetadata (not flagged) and a nil error.
	ReadMetadata(ctx context.Context, path string) (RotationMetadata, error)

	// WriteMetadata stores the rotation bookkeeping for path. Last writer
	// wins; there is no optimistic concurrency.
	WriteMetadata(ctx context.Context, path string, meta RotationMetadata) error

	// List lazily enumerates the secrets below prefix. Backends that
	// paginate remotely fetch pages as the sequence is consumed. A listing
	// failure is yielded once as a non-nil error and ends the sequence.
	List(ctx context.Context, prefix string) iter.Seq2[SecretRef, error]
}

// Kind identifies a backend implementation.
type Kind string

const (
	KindVault Kind = "vault"
	KindAWS   Kind = "aws"
	KindSSM   Kind = "aws-ssm"
	KindGCP   Kind = "gcp"
	KindAzure Kind = "azure"
	KindFile  Kind = "file"

	// KindMemory is the in-memory backend used by tests. It cannot be
	// selected from configuration.
	KindMemory Kind = "memory"
)

// StoreClass groups backend kinds by the kind of system they talk to.
type StoreClass string

const (
	ClassKVStore      StoreClass = "kv-store"
	ClassCloudSecrets StoreClass = "cloud-secrets-manager"
	ClassFileStore    StoreClass = "file"
	ClassMemoryStore  StoreClass = "memory"
)

var kindAliases = map[string]Kind{
	"vault":              KindVault,
	"hashicorp.vault":    KindVault,
	"aws":                KindAWS,
	"aws.secretsmanager": KindAWS,
	"aws-secretsmanager": KindAWS,
	"aws-ssm":            KindSSM,
	"aws.ssm":            KindSSM,
	"ssm":                KindSSM,
	"gcp":                KindGCP,
	"gcp.secretmanager":  KindGCP,
	"azure":              KindAzure,
	"azure.keyvault":     KindAzure,
	"file":               KindFile,
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", MarkConfig(fmt.Errorf("unknown backend type: %s. Supported: vault, aws, aws-ssm, gcp, azure, file", s))
}

// Class reports the store class of the kind.
func (k Kind) Class() StoreClass {
	switch k {
	case KindVault:
		return ClassKVStore
	case KindFile:
		return ClassFileStore
	case KindMemory:
		return ClassMemoryStore
	default:
		return ClassCloudSecrets
	}
}

// DisplayName returns a human readable backend name.
func (k Kind) DisplayName() string {
	switch k {
	case KindVault:
		return "HashiCorp Vault"
	case KindAWS:
		return "AWS Secrets Manager"
	case KindSSM:
		return "AWS SSM Parameter Store"
	case KindGCP:
		return "GCP Secret Manager"
	case KindAzure:
		return "Azure Key Vault"
	case KindFile:
		return "File"
	case KindMemory:
		return "In-memory"
	default:
		return string(k)
	}
}

// SecretRef identifies a secret within a backend. It is immutable once
// constructed.
type SecretRef struct {
	path string
	kind Kind
}

// NewSecretRef returns a reference to path on a backend of the given kind.
func NewSecretRef(kind Kind, path string) SecretRef {
	return SecretRef{path: CleanPath(path), kind: kind}
}

// Path returns the slash separated, backend relative path.
func (r SecretRef) Path() string { return r.path }

// Backend returns the kind of backend the secret lives in.
func (r SecretRef) Backend() Kind { return r.kind }

func (r SecretRef) String() string {
	return string(r.kind) + ":" + r.path
}

// Payload maps field names to values.
type Payload map[string]string

// Clone returns an independent copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	maps.Copy(out, p)
	return out
}

// Merge returns a copy of p with every field of update applied on top.
func (p Payload) Merge(update Payload) Payload {
	out := p.Clone()
	maps.Copy(out, update)
	return out
}

// Keys returns the field names of p.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	return keys
}

// CleanPath trims surrounding slashes and whitespace from a secret path.
func CleanPath(p string) string {
	return strings.Trim(strings.TrimSpace(p), "/")
}

// JoinPath joins a listing prefix and a child name.
func JoinPath(prefix, name string) string {
	prefix = CleanPath(prefix)
	name = CleanPath(name)
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "/" + name
}

// HasPathPrefix reports whether path is prefix itself or lies below it.
// Matching is on whole segments, so "app" matches "app/db" but not
// "application/db". An empty prefix matches everything.
func HasPathPrefix(path, prefix string) bool {
	prefix = CleanPath(prefix)
	if prefix == "" {
		return true
	}
	path = CleanPath(path)
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
