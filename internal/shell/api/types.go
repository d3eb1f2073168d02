package api

import "time"

// =============================================================================
// Request Types
// =============================================================================

// CreateSiteRequest is the request body for creating a site. Name is
// optional; when empty it is derived from the domain. Files maps
// relative paths to file contents dropped into the site's wp-content
// tree before the stack starts.
type CreateSiteRequest struct {
	Name      string            `json:"name,omitempty"`
	Domain    string            `json:"domain"`
	ThemeSlug string            `json:"theme_slug,omitempty"`
	Files     map[string]string `json:"files,omitempty"`
}

// ImportDatabaseForm describes the multipart fields of a database
// import: the dump file plus an optional source/target URL pair for
// the rewrite.
type ImportDatabaseForm struct {
	Dump      []byte `json:"dump"`
	SourceURL string `json:"source_url,omitempty"`
	TargetURL string `json:"target_url,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// SiteResponse is the response for site operations. Credentials never
// appear here; the generated database password stays inside the site
// directory on the host.
type SiteResponse struct {
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	Status       string    `json:"status"`
	Port         int       `json:"port"`
	Path         string    `json:"path"`
	ThemeSlug    string    `json:"theme_slug,omitempty"`
	DBName       string    `json:"db_name"`
	DBUser       string    `json:"db_user"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListSitesResponse is the response for listing sites.
type ListSitesResponse struct {
	Sites  []SiteResponse `json:"sites"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ImportDatabaseResponse acknowledges a completed dump import.
type ImportDatabaseResponse struct {
	Site   string `json:"site"`
	Status string `json:"status"`
	Bytes  int64  `json:"bytes"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
