// Package backend defines the storage abstraction the rotation engine works against.
//
// A backend is the system of record for secret values and for the rotation
// bookkeeping attached to them. asr supports key-value stores (HashiCorp
// Vault KV v2), cloud secrets managers (AWS Secrets Manager, AWS SSM
// Parameter Store, GCP Secret Manager, Azure Key Vault) and a local file
// store. Each is implemented under internal/backends and selected once at
// startup.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                    CLI Commands                             │
//	│                  (cmd/asr/commands/)                        │
//	└─────────────────────────┬───────────────────────────────────┘
//	                          │
//	┌─────────────────────────▼───────────────────────────────────┐
//	│          Rotation Engine / Scanner / Batch Runner           │
//	│                    (pkg/rotation/)                          │
//	└─────────────────────────┬───────────────────────────────────┘
//	                          │
//	┌─────────────────────────▼───────────────────────────────────┐
//	│                  Backend Interface                          │
//	│                   (pkg/backend/)                 ◄──────────┤
//	└─────────────────────────┬───────────────────────────────────┘
//	                          │
//	┌─────────────────────────▼───────────────────────────────────┐
//	│               Backend Implementations                       │
//	│                (internal/backends/)                         │
//	│                                                             │
//	│  ┌─────────┐  ┌─────────┐  ┌─────────┐  ┌─────────┐         │
//	│  │  Vault  │  │   AWS   │  │   GCP   │  │  File   │  ...    │
//	│  └─────────┘  └─────────┘  └─────────┘  └─────────┘         │
//	└─────────────────────────────────────────────────────────────┘
//
// # Metadata
//
// Rotation state lives next to the secret in whatever native metadata the
// backend offers: custom metadata on Vault, resource tags on the cloud
// managers and a ".meta" sidecar file for the file store. Adapters decode
// the raw strings into RotationMetadata straight after reading and encode
// them back only when writing, so nothing above this package handles raw
// metadata strings.
//
// The canonical keys are:
//
//	rotation_enabled        "true" or "false"
//	last_rotated            RFC3339 UTC timestamp
//	rotation_period_months  decimal integer
//
// # Errors
//
// Every adapter error carries one of the ErrNotFound, ErrAuth,
// ErrConnection, ErrConfig or ErrEntropy markers. Use Classify or errors.Is
// to branch on them. Error text never includes secret values.
//
// # Testing
//
// RunContractTests exercises any Backend implementation against the
// behaviour the rotation engine relies on, including merge-write
// preservation and metadata round trips.
package backend
