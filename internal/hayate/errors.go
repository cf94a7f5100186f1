package hayate

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or inconsistent build request. It is
// raised before any external process starts and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid build request: %s: %s", e.Field, e.Reason)
}

// ResolutionConflictError means the resolver cannot produce a consistent
// dependency graph for the manifest. Conflicts are deterministic given a
// manifest, so retrying is pointless; only a new manifest can help.
type ResolutionConflictError struct {
	Spec string
	Tail string
}

func (e *ResolutionConflictError) Error() string {
	return fmt.Sprintf("resolution conflict for %s", e.Spec)
}

// TransientIOError wraps network/mirror fetch errors and lock contention.
// Eligible for bounded retry with backoff.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient I/O failure during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// BuildFailureError means a package failed to compile from source during
// install. The same package failing twice in a row indicates a real defect,
// not transient infrastructure, so only one retry is warranted.
type BuildFailureError struct {
	Package string
	Tail    string
}

func (e *BuildFailureError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("source build failed for %s", e.Package)
	}
	return "source build failed"
}

// RelocationError means an installed path does not fit the reserved padding.
// Caught by the Package stage, before anything is published.
type RelocationError struct {
	Path    string
	PathLen int
	Padded  int
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("installed path %s (%d bytes) exceeds reserved padding of %d bytes",
		e.Path, e.PathLen, e.Padded)
}

// SigningSetupError names the exact directory or permission the signing
// toolchain needs and did not get, instead of the generic I/O error gpg
// would otherwise surface.
type SigningSetupError struct {
	Path   string
	Reason string
}

func (e *SigningSetupError) Error() string {
	return fmt.Sprintf("signing setup failed: %s: %s", e.Path, e.Reason)
}

// IndexStaleError means artifacts were uploaded but the cache index update
// failed, leaving them undiscoverable. Discoverability is part of the
// publish contract, so this fails the run even though bytes were written.
type IndexStaleError struct {
	Err error
}

func (e *IndexStaleError) Error() string {
	return fmt.Sprintf("cache index update failed after upload: %v", e.Err)
}

func (e *IndexStaleError) Unwrap() error { return e.Err }

// VerificationError means the post-publish cache-only reinstall failed or
// fell back to building from source.
type VerificationError struct {
	Reason  string
	Missing []string
}

func (e *VerificationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("publish verification failed: %s (missing: %v)", e.Reason, e.Missing)
	}
	return fmt.Sprintf("publish verification failed: %s", e.Reason)
}

// IsRetryable reports whether an error may be retried with backoff. Only
// transient I/O failures qualify; everything else in the taxonomy is
// deterministic and retrying cannot change the outcome.
func IsRetryable(err error) bool {
	var tio *TransientIOError
	return errors.As(err, &tio)
}
