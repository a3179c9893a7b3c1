package types

import "errors"

// Sentinel error kinds for the core's failure taxonomy, not a hierarchy
// of error types: callers match with errors.Is and wrap with the usual
// %w.
var (
	// ErrInvalidDigestPrefix is returned when neither the repo digest nor
	// the image ID starts with "sha256:".
	ErrInvalidDigestPrefix = errors.New("image digest does not start with sha256:")

	// ErrDockerAPI wraps a non-404/304 error from the container runtime API.
	ErrDockerAPI = errors.New("container runtime api error")

	// ErrNoMatchingManifest is returned when a pull succeeds but no
	// manifest matches the platform the daemon requested.
	ErrNoMatchingManifest = errors.New("no matching manifest for image")
)
