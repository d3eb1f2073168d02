package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressmux/pressmux/internal/core/creds"
	"github.com/pressmux/pressmux/internal/core/ports"
	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/core/stack"
	"github.com/pressmux/pressmux/internal/core/vhost"
	"github.com/pressmux/pressmux/internal/shell/engine"
	"github.com/pressmux/pressmux/internal/shell/importer"
	"github.com/pressmux/pressmux/internal/shell/nginx"
	"github.com/pressmux/pressmux/internal/shell/store"
)

// =============================================================================
// Configuration
// =============================================================================

// defaultReadinessTimeout bounds how long a create waits for a fresh
// database container to initialize and accept connections.
const defaultReadinessTimeout = 60 * time.Second

// DefaultThemeSlug is the theme directory used when a request ships
// theme files without naming a slug.
const DefaultThemeSlug = "wordpress-starter"

// probeDialTimeout is how long the default port probe waits for a local
// listener to answer before declaring the port free.
const probeDialTimeout = 250 * time.Millisecond

// Config carries the orchestrator's tunables. Zero values fall back to
// defaults so tests can construct partial configs.
type Config struct {
	// SitesDir is the directory holding one subdirectory per site with
	// its stack descriptor, environment file and wp-content tree.
	SitesDir string

	// PortRangeStart is the first host port considered for allocation.
	PortRangeStart int

	// ReadinessTimeout bounds how long CreateSite waits for a new
	// site's database to accept connections.
	ReadinessTimeout time.Duration

	// ControlPlanePort is the management API listener's port, routed
	// under /api/ on every published domain. Zero disables the route.
	ControlPlanePort int

	// PasswordLength is the length of generated database passwords.
	PasswordLength int

	// WebImage and DBImage override the stack's default images.
	WebImage string
	DBImage  string

	// PortProbe reports whether something already listens on a host
	// port. Defaults to a TCP dial against localhost.
	PortProbe ports.Probe
}

func (c Config) withDefaults() Config {
	if c.PortRangeStart == 0 {
		c.PortRangeStart = ports.DefaultRangeStart
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = defaultReadinessTimeout
	}
	if c.PasswordLength == 0 {
		c.PasswordLength = creds.DefaultLength
	}
	if c.PortProbe == nil {
		c.PortProbe = portInUse
	}
	return c
}

// portInUse reports whether a local listener already occupies the port.
// A successful dial disqualifies the port even when the registry has no
// record of it; some other process owns it.
func portInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// StackEngine drives one site's container stack. Implemented by
// engine.StackDriver.
type StackEngine interface {
	Up(ctx context.Context, siteName, siteDir string) (*engine.StackStatus, error)
	Down(ctx context.Context, siteName string, removeVolumes bool) error
	Inspect(ctx context.Context, siteName string) (*engine.StackStatus, error)
	WaitForDatabase(ctx context.Context, siteName string, timeout time.Duration) (bool, error)
}

// VhostPublisher manages the reverse-proxy routing for a domain.
// Implemented by nginx.Manager.
type VhostPublisher interface {
	Publish(ctx context.Context, p vhost.Params) error
	Remove(ctx context.Context, domain string) error
}

// SiteImporter loads database dumps and runs in-container fix-ups.
// Implemented by importer.Importer.
type SiteImporter interface {
	Import(ctx context.Context, s *site.Site, dump []byte, p importer.Params) error
	ActivateTheme(ctx context.Context, s *site.Site, slug string)
	FixUploadsOwnership(ctx context.Context, s *site.Site)
}

// =============================================================================
// Controller
// =============================================================================

// Controller sequences the lifecycle operations. Every operation blocks
// its caller until the external work completes; there is no task queue.
type Controller struct {
	cfg      Config
	store    store.Store
	engine   StackEngine
	proxy    VhostPublisher
	importer SiteImporter
	logger   *slog.Logger

	// portMu makes port allocation and row reservation atomic with
	// respect to concurrent creates. Without it two requests can agree
	// on the same free port before either has written its row.
	portMu sync.Mutex

	// siteMus serializes operations per site name. A create racing a
	// delete for the same name would interleave engine calls.
	siteMusMu sync.Mutex
	siteMus   map[string]*sync.Mutex
}

// NewController creates the lifecycle controller.
func NewController(cfg Config, st store.Store, eng StackEngine, proxy VhostPublisher, imp SiteImporter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		store:    st,
		engine:   eng,
		proxy:    proxy,
		importer: imp,
		logger:   logger,
		siteMus:  make(map[string]*sync.Mutex),
	}
}

func (c *Controller) siteLock(name string) *sync.Mutex {
	c.siteMusMu.Lock()
	defer c.siteMusMu.Unlock()
	mu, ok := c.siteMus[name]
	if !ok {
		mu = &sync.Mutex{}
		c.siteMus[name] = mu
	}
	return mu
}

// =============================================================================
// Create Site
// =============================================================================

// CreateSiteRequest describes a new site. Files maps relative paths to
// content written under the site's wp-content tree before the stack
// starts: keys rooted at "themes/" or "plugins/" keep their position,
// keys rooted at "theme/" and bare keys land in the theme's directory.
type CreateSiteRequest struct {
	// Name identifies the site; derived from Domain when empty.
	Name string

	// Domain is the public hostname to route to the new site.
	Domain string

	// ThemeSlug names the theme directory to install files into and
	// activate once the stack is up.
	ThemeSlug string

	// Files holds theme and plugin content, keyed by relative path.
	Files map[string]string
}

// CreateSite provisions a complete WordPress stack and blocks until the
// site is serving or a step has failed. The registry row is written in
// provisioning state while the allocation lock is held, so the name,
// domain and port are reserved before the first container starts. At
// the end the row is promoted to running; on failure it is flipped to
// error so the attempt stays queryable and reclaimable instead of
// leaking untracked containers.
func (c *Controller) CreateSite(ctx context.Context, req CreateSiteRequest) (*site.Site, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = site.DeriveName(req.Domain)
	}
	if err := site.ValidateName(name); err != nil {
		return nil, err
	}
	if err := site.ValidateDomain(req.Domain); err != nil {
		return nil, err
	}
	if err := validateThemeSlug(req.ThemeSlug); err != nil {
		return nil, err
	}

	mu := c.siteLock(name)
	mu.Lock()
	defer mu.Unlock()

	dbPassword, err := creds.Generate(c.cfg.PasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate credentials: %w", err)
	}
	// The root password lives only in the site directory's stack files.
	// MySQL reads it on first initialization of the data volume and
	// ignores it afterwards, so it is never persisted in the registry.
	dbRootPassword, err := creds.Generate(c.cfg.PasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate credentials: %w", err)
	}

	s, err := c.reserve(ctx, name, req.Domain, req.ThemeSlug, dbPassword)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With("site", s.Name, "domain", s.Domain, "port", s.Port)
	logger.Info("provisioning site")

	if err := c.writeSiteFiles(s, dbRootPassword, req.Files); err != nil {
		c.failSite(ctx, s, "write site files: "+err.Error())
		return nil, fmt.Errorf("write site files: %w", err)
	}

	if _, err := c.engine.Up(ctx, s.Name, s.Path); err != nil {
		c.failSite(ctx, s, "start containers: "+err.Error())
		return nil, fmt.Errorf("start containers: %w: %v", ErrStackStartFailure, err)
	}

	ready, err := c.engine.WaitForDatabase(ctx, s.Name, c.cfg.ReadinessTimeout)
	if err != nil {
		c.failSite(ctx, s, "wait for database: "+err.Error())
		return nil, fmt.Errorf("wait for database: %w", err)
	}
	if !ready {
		c.failSite(ctx, s, fmt.Sprintf("database not ready after %s", c.cfg.ReadinessTimeout))
		return nil, fmt.Errorf("wait for database: %w: not ready after %s", ErrReadinessTimeout, c.cfg.ReadinessTimeout)
	}

	// The uploads volume starts root-owned; hand it to the web server's
	// runtime user. Failure is logged inside the importer, not fatal.
	c.importer.FixUploadsOwnership(ctx, s)

	if s.ThemeSlug != "" {
		c.importer.ActivateTheme(ctx, s, s.ThemeSlug)
	}

	if err := c.proxy.Publish(ctx, vhost.Params{
		Domain:           s.Domain,
		Port:             s.Port,
		ControlPlanePort: c.cfg.ControlPlanePort,
	}); err != nil {
		c.failSite(ctx, s, "publish vhost: "+err.Error())
		if errors.Is(err, nginx.ErrValidationFailed) {
			return nil, fmt.Errorf("publish vhost: %w: %v", ErrVhostValidationFailure, err)
		}
		return nil, fmt.Errorf("publish vhost: %w", err)
	}

	if err := s.Transition(site.StatusRunning); err != nil {
		c.failSite(ctx, s, "promote to running: "+err.Error())
		return nil, fmt.Errorf("promote to running: %w", err)
	}
	if err := c.store.UpdateSite(ctx, s); err != nil {
		c.failSite(ctx, s, "commit running status: "+err.Error())
		return nil, fmt.Errorf("commit running status: %w", err)
	}

	logger.Info("site created")
	return s, nil
}

// reserve allocates a free port and writes the provisioning row while
// holding the allocation lock. A failed earlier attempt for the same
// name and domain is adopted: its port and database password are reused
// so a retry converges on whatever the first attempt left behind.
func (c *Controller) reserve(ctx context.Context, name, domain, themeSlug, dbPassword string) (*site.Site, error) {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	used, err := c.store.UsedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list used ports: %w", err)
	}
	usedSet := make(map[int]bool, len(used))
	for _, p := range used {
		usedSet[p] = true
	}

	r := ports.Range{Start: c.cfg.PortRangeStart, End: ports.Ceiling}
	allocated, err := ports.Allocate(r, 1, usedSet, c.cfg.PortProbe)
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w: %v", ErrPortExhaustion, err)
	}

	s, err := site.New(name, domain, allocated[0], dbPassword)
	if err != nil {
		return nil, err
	}
	s.ThemeSlug = themeSlug
	s.Path = filepath.Join(c.cfg.SitesDir, name)

	err = c.store.CreateSite(ctx, s)
	if err == nil {
		return s, nil
	}
	if !isDuplicate(err) {
		return nil, fmt.Errorf("reserve site: %w", err)
	}
	return c.adopt(ctx, s)
}

// adopt replaces the registry row of a failed or crashed earlier create
// for the same name and domain, keeping its port and database password.
// The database volume, if the earlier attempt got that far, was
// initialized with those credentials; fresh ones would never match it.
func (c *Controller) adopt(ctx context.Context, s *site.Site) (*site.Site, error) {
	existing, err := c.store.GetSite(ctx, s.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("reserve site: %w: domain or port held by another site", ErrSiteExists)
		}
		return nil, fmt.Errorf("reserve site: %w", err)
	}

	if existing.Domain != s.Domain {
		return nil, fmt.Errorf("reserve site: %w: name %q is taken", ErrSiteExists, s.Name)
	}
	if existing.Status != site.StatusError && existing.Status != site.StatusProvisioning {
		return nil, fmt.Errorf("reserve site: %w: site %q is %s", ErrSiteExists, s.Name, existing.Status)
	}

	s.Port = existing.Port
	s.DBPassword = existing.DBPassword
	s.CreatedAt = existing.CreatedAt

	err = c.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteSite(ctx, existing.Name); err != nil {
			return err
		}
		return tx.CreateSite(ctx, s)
	})
	if err != nil {
		return nil, fmt.Errorf("reserve site: %w", err)
	}

	c.logger.Info("adopted failed provisioning attempt", "site", s.Name, "port", s.Port)
	return s, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, store.ErrDuplicateName) ||
		errors.Is(err, store.ErrDuplicateDomain) ||
		errors.Is(err, store.ErrDuplicatePort)
}

// writeSiteFiles lays out the site directory: the request's theme and
// plugin files under wp-content, then the stack descriptor and the
// operator .env summary. An existing directory is reused so a retry
// does not lose content written by the failed attempt.
func (c *Controller) writeSiteFiles(s *site.Site, dbRootPassword string, files map[string]string) error {
	contentDir := filepath.Join(s.Path, stack.ContentDirName)
	for _, sub := range []string{"themes", "plugins"} {
		if err := os.MkdirAll(filepath.Join(contentDir, sub), 0o755); err != nil {
			return err
		}
	}

	resolvedSlug := s.ThemeSlug
	if resolvedSlug == "" {
		resolvedSlug = DefaultThemeSlug
	}

	for rel, content := range files {
		dest, ok := fileDestination(contentDir, resolvedSlug, rel)
		if !ok {
			c.logger.Warn("skipping unsafe file path", "site", s.Name, "path", rel)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return err
		}
	}

	p := stack.Params{
		SiteName:       s.Name,
		Domain:         s.Domain,
		Port:           s.Port,
		DBName:         s.DBName,
		DBUser:         s.DBUser,
		DBPassword:     s.DBPassword,
		DBRootPassword: dbRootPassword,
		WebImage:       c.cfg.WebImage,
		DBImage:        c.cfg.DBImage,
	}

	rendered, err := stack.Render(stack.Build(p))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.Path, stack.ComposeFileName), rendered, 0o644); err != nil {
		return err
	}

	// The .env summary repeats the credentials; keep it operator-only.
	return os.WriteFile(filepath.Join(s.Path, stack.EnvFileName), stack.RenderEnvFile(p), 0o600)
}

// fileDestination maps a request file key onto the wp-content tree.
// Keys rooted at themes/ or plugins/ keep their position; "theme/" and
// bare keys are theme content. Absolute paths and parent traversal are
// rejected.
func fileDestination(contentDir, themeSlug, rel string) (string, bool) {
	rel = strings.TrimSpace(rel)
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "..") {
		return "", false
	}

	switch {
	case strings.HasPrefix(rel, "themes/") || strings.HasPrefix(rel, "plugins/"):
		return filepath.Join(contentDir, rel), true
	case strings.HasPrefix(rel, "theme/"):
		return filepath.Join(contentDir, "themes", themeSlug, strings.TrimPrefix(rel, "theme/")), true
	default:
		return filepath.Join(contentDir, "themes", themeSlug, rel), true
	}
}

// validateThemeSlug accepts the characters WordPress theme directories
// use. Empty means no theme.
func validateThemeSlug(slug string) error {
	if slug == "" {
		return nil
	}
	if len(slug) > 64 {
		return fmt.Errorf("%w: longer than 64 characters", ErrInvalidThemeSlug)
	}
	for _, r := range slug {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidThemeSlug, r)
		}
	}
	return nil
}

// failSite records a failed step on the registry row so the failure is
// queryable and the name, domain and port stay reserved for a retry or
// an explicit delete.
func (c *Controller) failSite(ctx context.Context, s *site.Site, msg string) {
	c.logger.Error("site operation failed", "site", s.Name, "error", msg)
	if err := s.TransitionToError(msg); err != nil {
		c.logger.Warn("cannot mark site failed", "site", s.Name, "status", string(s.Status), "error", err)
		return
	}
	if err := c.store.UpdateSite(ctx, s); err != nil {
		c.logger.Warn("failed to record error state", "site", s.Name, "error", err)
	}
}

// =============================================================================
// Delete Site
// =============================================================================

// DeleteSite tears a site down: containers and volumes, routing, files,
// then the registry row. The registry delete is the only fatal step;
// everything before it is logged and skipped past, so a half-provisioned
// or already-gone site never blocks reclamation. Deleting a site that
// has no registry row succeeds once the host-side sweep confirms its
// resources are absent.
func (c *Controller) DeleteSite(ctx context.Context, name, domain string) error {
	if err := site.ValidateName(name); err != nil {
		return err
	}

	mu := c.siteLock(name)
	mu.Lock()
	defer mu.Unlock()

	logger := c.logger.With("site", name)

	var dir string
	s, err := c.store.GetSite(ctx, name)
	switch {
	case err == nil:
		domain = s.Domain
		dir = s.Path
		if terr := s.Transition(site.StatusDeleting); terr == nil {
			if uerr := c.store.UpdateSite(ctx, s); uerr != nil {
				logger.Warn("failed to record deleting status", "error", uerr)
			}
		}
	case errors.Is(err, store.ErrNotFound):
		// No row. Still sweep host resources under the given name; a
		// crashed create may have left containers or files behind.
	default:
		return fmt.Errorf("lookup site: %w", err)
	}
	if dir == "" {
		dir = filepath.Join(c.cfg.SitesDir, name)
	}

	if err := c.engine.Down(ctx, name, true); err != nil {
		logger.Warn("stack teardown failed", "error", err)
	}

	if domain != "" {
		if err := c.proxy.Remove(ctx, domain); err != nil {
			logger.Warn("vhost removal failed", "domain", domain, "error", err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		logger.Warn("site directory removal failed", "dir", dir, "error", err)
	}

	if err := c.store.DeleteSite(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("site deleted", "already_absent", true)
			return nil
		}
		return fmt.Errorf("delete registry row: %w", err)
	}

	logger.Info("site deleted")
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// GetSite returns one site by name.
func (c *Controller) GetSite(ctx context.Context, name string) (*site.Site, error) {
	s, err := c.store.GetSite(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, name)
		}
		return nil, err
	}
	return s, nil
}

// ListSites returns registry rows, newest first.
func (c *Controller) ListSites(ctx context.Context, opts store.ListOptions) ([]site.Site, error) {
	return c.store.ListSites(ctx, opts)
}

// =============================================================================
// Import Database
// =============================================================================

// ImportDatabase reads a SQL dump from disk and loads it into an
// existing site's database. When both sourceURL and targetURL are given
// the dump is structurally rewritten from one base URL to the other
// before loading.
func (c *Controller) ImportDatabase(ctx context.Context, name, dumpPath, sourceURL, targetURL string) error {
	dump, err := os.ReadFile(dumpPath)
	if err != nil {
		return fmt.Errorf("read dump: %w: %v", ErrImportFailure, err)
	}
	return c.ImportDatabaseDump(ctx, name, dump, sourceURL, targetURL)
}

// ImportDatabaseDump loads an in-memory SQL dump into an existing
// site's database. The API layer hands uploaded dumps straight here.
func (c *Controller) ImportDatabaseDump(ctx context.Context, name string, dump []byte, sourceURL, targetURL string) error {
	mu := c.siteLock(name)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.store.GetSite(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("lookup site: %w: %s", ErrSiteNotFound, name)
		}
		return fmt.Errorf("lookup site: %w", err)
	}

	err = c.importer.Import(ctx, s, dump, importer.Params{
		SourceURL: sourceURL,
		TargetURL: targetURL,
		ThemeSlug: s.ThemeSlug,
	})
	switch {
	case err == nil:
	case errors.Is(err, importer.ErrSearchReplace):
		return fmt.Errorf("rewrite urls: %w: %v", ErrSearchReplaceFailure, err)
	case errors.Is(err, importer.ErrImportFailed):
		return fmt.Errorf("load dump: %w: %v", ErrImportFailure, err)
	default:
		return fmt.Errorf("import database: %w", err)
	}

	c.logger.Info("database imported", "site", s.Name, "bytes", len(dump))
	return nil
}
