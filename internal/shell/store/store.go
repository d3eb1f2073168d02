package store

import (
	"context"

	"github.com/pressmux/pressmux/internal/core/site"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for the site registry.
type Store interface {
	// Site operations
	CreateSite(ctx context.Context, s *site.Site) error
	GetSite(ctx context.Context, name string) (*site.Site, error)
	GetSiteByDomain(ctx context.Context, domain string) (*site.Site, error)
	UpdateSite(ctx context.Context, s *site.Site) error
	DeleteSite(ctx context.Context, name string) error
	ListSites(ctx context.Context, opts ListOptions) ([]site.Site, error)
	ListSitesByStatus(ctx context.Context, status site.Status, opts ListOptions) ([]site.Site, error)

	// UsedPorts returns every host port currently reserved by a registry
	// row, including rows still provisioning or being deleted.
	UsedPorts(ctx context.Context) ([]int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
