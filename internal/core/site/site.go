// Package site defines the core site model: the record describing one
// provisioned WordPress installation, its status lifecycle, and the
// deterministic naming rules for everything the site owns on the host
// (containers, network, volumes, database).
//
// The package is pure. It performs no I/O and touches no clocks beyond
// stamping time.Now on transitions.
package site

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidName       = errors.New("invalid site name")
	ErrInvalidDomain     = errors.New("invalid domain")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// =============================================================================
// Site Status
// =============================================================================

type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusDeleting     Status = "deleting"
	StatusDeleted      Status = "deleted"
	StatusError        Status = "error"
)

// =============================================================================
// Site
// =============================================================================

// Site represents one provisioned WordPress installation. Name is the
// primary key; Domain and Port are unique across all sites.
type Site struct {
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	Port         int       `json:"port"`
	Path         string    `json:"path"`
	ThemeSlug    string    `json:"theme_slug,omitempty"`
	DBName       string    `json:"db_name"`
	DBUser       string    `json:"db_user"`
	DBPassword   string    `json:"-"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New creates a site record in provisioning state with all derived names
// filled in. The caller supplies the already-allocated port and the
// generated database password.
func New(name, domain string, port int, dbPassword string) (*Site, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Site{
		Name:       name,
		Domain:     domain,
		Port:       port,
		DBName:     DatabaseName(name),
		DBUser:     DatabaseUser(name),
		DBPassword: dbPassword,
		Status:     StatusProvisioning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Transition attempts to move the site to a new status.
func (s *Site) Transition(to Status) error {
	if err := ValidateTransition(s.Status, to); err != nil {
		return err
	}

	s.Status = to
	s.UpdatedAt = time.Now().UTC()

	// Clear a stale error once the site reaches running.
	if to == StatusRunning {
		s.ErrorMessage = ""
	}

	return nil
}

// TransitionToError moves the site to error with a message. Allowed from
// any non-terminal state.
func (s *Site) TransitionToError(errorMessage string) error {
	if s.Status == StatusDeleted {
		return ErrInvalidTransition
	}
	s.Status = StatusError
	s.ErrorMessage = errorMessage
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed status transitions. Error is
// reachable from every non-terminal state via TransitionToError.
var validTransitions = map[Status][]Status{
	StatusProvisioning: {StatusRunning, StatusDeleting, StatusError},
	StatusRunning:      {StatusStopped, StatusDeleting, StatusError},
	StatusStopped:      {StatusRunning, StatusDeleting, StatusError},
	StatusError:        {StatusDeleting, StatusError},
	StatusDeleting:     {StatusDeleted, StatusError},
	StatusDeleted:      {}, // Terminal state
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// =============================================================================
// Naming
// =============================================================================

const (
	// namePrefix scopes every host-level resource the orchestrator owns.
	namePrefix = "pressmux"

	// maxNameLen bounds site names so derived container and volume names
	// stay well inside engine limits.
	maxNameLen = 63

	// maxDatabaseNameLen is the MySQL identifier limit.
	maxDatabaseNameLen = 64
)

// WebContainerName returns the name of the site's WordPress container.
func WebContainerName(siteName string) string {
	return fmt.Sprintf("%s-web", siteName)
}

// DBContainerName returns the name of the site's database container.
func DBContainerName(siteName string) string {
	return fmt.Sprintf("%s-db", siteName)
}

// NetworkName returns the name of the site's private bridge network.
func NetworkName(siteName string) string {
	return fmt.Sprintf("%s_%s", namePrefix, siteName)
}

// VolumeName scopes a stack-local volume name to the site. The engine
// driver applies it to every named volume the stack document declares.
func VolumeName(siteName, localName string) string {
	return fmt.Sprintf("%s_%s_%s", namePrefix, siteName, localName)
}

// UploadsVolumeName returns the named volume holding wp-content/uploads.
// Uploads live on a volume, not the content bind mount, so imported media
// survives content re-syncs.
func UploadsVolumeName(siteName string) string {
	return VolumeName(siteName, "uploads")
}

// DBVolumeName returns the named volume holding the MySQL data directory.
func DBVolumeName(siteName string) string {
	return VolumeName(siteName, "db_data")
}

// DatabaseName derives the WordPress database name from the site name.
// Hyphens become underscores to keep the identifier quoting-free.
func DatabaseName(siteName string) string {
	name := "wp_" + strings.ReplaceAll(siteName, "-", "_")
	if len(name) > maxDatabaseNameLen {
		name = name[:maxDatabaseNameLen]
	}
	return name
}

// DatabaseUser derives the WordPress database user from the site name.
// MySQL caps user names at 32 characters.
func DatabaseUser(siteName string) string {
	user := "wp_" + strings.ReplaceAll(siteName, "-", "_")
	if len(user) > 32 {
		user = user[:32]
	}
	return user
}

// =============================================================================
// Derivation
// =============================================================================

// DeriveName produces a site name from a domain when the caller did not
// supply one. Dots map to hyphens so "shop.example.com" becomes
// "shop-example-com".
func DeriveName(domain string) string {
	name := Slugify(domain)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	name = strings.Trim(name, "-")
	return name
}

// Slugify converts a string to a name-safe slug: lowercase letters,
// digits and hyphens. Dots and spaces become hyphens, everything else is
// dropped.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + 32)
		case r == '.', r == ' ', r == '_':
			b.WriteRune('-')
		}
	}

	return b.String()
}

// =============================================================================
// Validation
// =============================================================================

// ValidateName checks that a site name is usable as the stem for
// container, network, volume and database identifiers.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, maxNameLen)
	}
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
		if !ok {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidName, r)
		}
		if r == '-' && (i == 0 || i == len(name)-1) {
			return fmt.Errorf("%w: must not start or end with a hyphen", ErrInvalidName)
		}
	}
	return nil
}

// ValidateDomain checks that a domain looks like a plausible hostname.
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return fmt.Errorf("%w: must be 1-253 characters", ErrInvalidDomain)
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("%w: must not start or end with a dot", ErrInvalidDomain)
	}
	for _, r := range domain {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
			r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidDomain, r)
		}
	}
	return nil
}
