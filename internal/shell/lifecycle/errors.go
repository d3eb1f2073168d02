// Package lifecycle sequences site provisioning, teardown and database
// imports. This is part of the Imperative Shell - it drives the engine,
// proxy, importer and registry and owns the operation-level error
// taxonomy the API layer maps onto responses.
package lifecycle

import "errors"

// =============================================================================
// Operation Errors
// =============================================================================

var (
	// ErrPortExhaustion is returned when no free host port remains in
	// the configured allocation range.
	ErrPortExhaustion = errors.New("no free port in the configured range")

	// ErrStackStartFailure is returned when the container stack could
	// not be brought up.
	ErrStackStartFailure = errors.New("container stack failed to start")

	// ErrReadinessTimeout is returned when the new site's database did
	// not accept connections within the readiness window.
	ErrReadinessTimeout = errors.New("database did not become ready in time")

	// ErrVhostValidationFailure is returned when the rendered vhost was
	// rejected by the proxy's config check. The previously active
	// configuration is untouched when this is returned.
	ErrVhostValidationFailure = errors.New("vhost configuration failed validation")

	// ErrSiteNotFound is returned when an operation names a site with
	// no registry row.
	ErrSiteNotFound = errors.New("site not found")

	// ErrSiteExists is returned when a create collides with a live site
	// holding the same name, domain or port.
	ErrSiteExists = errors.New("site already exists")

	// ErrImportFailure is returned when a database dump could not be
	// read or loaded.
	ErrImportFailure = errors.New("database import failed")

	// ErrSearchReplaceFailure is returned when the URL rewrite ahead of
	// an import failed or was invoked inconsistently.
	ErrSearchReplaceFailure = errors.New("url rewrite failed")

	// ErrInvalidThemeSlug is returned when a request names a theme slug
	// unusable as a directory name.
	ErrInvalidThemeSlug = errors.New("invalid theme slug")
)
