package rag

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable wraps connection and schema failures of a vector
// store. It is fatal for the current call and never retried internally.
var ErrStorageUnavailable = errors.New("rag: storage unavailable")

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension the store was configured with.
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// ConfigurationError reports a missing provider credential or setting.
// It is surfaced to the caller and never retried.
type ConfigurationError struct {
	// Component names the subsystem that failed to configure (e.g. "embedder").
	Component string

	// Setting is the environment variable or field that is missing.
	Setting string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s is not configured", e.Component, e.Setting)
}

// ProviderInvocationError reports a failed call to a generation provider.
type ProviderInvocationError struct {
	// Provider is the backend that was invoked (e.g. "openai").
	Provider string

	// FlattenedRetry is true when the single flattened-prompt retry also ran.
	FlattenedRetry bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ProviderInvocationError) Error() string {
	if e.FlattenedRetry {
		return fmt.Sprintf("provider %s: generation failed after flattened retry: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s: generation failed: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProviderInvocationError) Unwrap() error { return e.Err }

// IngestionError reports a failure embedding or storing the chunks of one
// document. The ingestion caller decides whether to continue with others.
type IngestionError struct {
	// CollectionID is the target knowledge base.
	CollectionID string

	// DocumentID is the document being ingested, empty when unknown.
	DocumentID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *IngestionError) Error() string {
	if e.DocumentID == "" {
		return fmt.Sprintf("ingest into %q: %v", e.CollectionID, e.Err)
	}
	return fmt.Sprintf("ingest document %q into %q: %v", e.DocumentID, e.CollectionID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *IngestionError) Unwrap() error { return e.Err }

// unavailable wraps err so callers can match it with [ErrStorageUnavailable].
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
