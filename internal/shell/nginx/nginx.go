// Package nginx publishes site vhosts into a local nginx. A candidate
// config goes live only after nginx accepts it; a rejected candidate is
// rolled back so the previously active config stays byte-for-byte
// identical and nginx is never reloaded onto broken configuration.
package nginx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pressmux/pressmux/internal/core/vhost"
)

var (
	// ErrValidationFailed means nginx rejected the candidate config.
	ErrValidationFailed = errors.New("nginx configuration validation failed")

	// ErrReloadFailed means the config is valid and enabled but nginx
	// could not be signaled to pick it up.
	ErrReloadFailed = errors.New("nginx reload failed")
)

// Runner executes nginx management commands. The command variant shells
// out; tests substitute an in-process fake.
type Runner interface {
	// Validate checks the full nginx configuration and returns the
	// check's combined output.
	Validate(ctx context.Context) (string, error)

	// Reload signals nginx to re-read its configuration.
	Reload(ctx context.Context) error
}

// CommandRunner drives a local nginx through its command line.
type CommandRunner struct {
	// Binary overrides the nginx executable path when set.
	Binary string
}

func (r *CommandRunner) bin() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "nginx"
}

// Validate runs "nginx -t".
func (r *CommandRunner) Validate(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.bin(), "-t").CombinedOutput()
	return string(out), err
}

// Reload runs "nginx -s reload".
func (r *CommandRunner) Reload(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, r.bin(), "-s", "reload").CombinedOutput(); err != nil {
		return fmt.Errorf("nginx -s reload: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Manager publishes and removes per-site vhost configs using the
// sites-available / sites-enabled layout.
type Manager struct {
	availableDir string
	enabledDir   string
	runner       Runner
	logger       *slog.Logger
}

// NewManager creates a vhost manager.
func NewManager(availableDir, enabledDir string, runner Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		availableDir: availableDir,
		enabledDir:   enabledDir,
		runner:       runner,
		logger:       logger,
	}
}

func (m *Manager) availablePath(domain string) string {
	return filepath.Join(m.availableDir, domain+".conf")
}

func (m *Manager) enabledPath(domain string) string {
	return filepath.Join(m.enabledDir, domain+".conf")
}

// Publish renders the vhost for p, enables it and reloads nginx. The
// candidate is validated before any reload; when nginx rejects it, the
// previous config (or its absence) is restored exactly and the error
// carries the validation output.
func (m *Manager) Publish(ctx context.Context, p vhost.Params) error {
	if p.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if p.Port <= 0 {
		return fmt.Errorf("port is required")
	}

	rendered := vhost.Render(p)

	if err := os.MkdirAll(m.availableDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.MkdirAll(m.enabledDir, 0755); err != nil {
		return fmt.Errorf("failed to create enabled dir: %w", err)
	}

	availablePath := m.availablePath(p.Domain)
	enabledPath := m.enabledPath(p.Domain)

	// Snapshot the current state so a rejected candidate can be rolled
	// back exactly.
	previous, err := os.ReadFile(availablePath)
	hadConfig := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read existing config: %w", err)
	}
	_, err = os.Lstat(enabledPath)
	hadSymlink := err == nil

	stagingPath := availablePath + ".staging"
	if err := os.WriteFile(stagingPath, rendered, 0644); err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}
	if err := os.Rename(stagingPath, availablePath); err != nil {
		_ = os.Remove(stagingPath)
		return fmt.Errorf("failed to place config: %w", err)
	}

	if err := m.ensureSymlink(availablePath, enabledPath); err != nil {
		m.restore(availablePath, enabledPath, previous, hadConfig, hadSymlink)
		return fmt.Errorf("failed to enable config: %w", err)
	}

	output, err := m.runner.Validate(ctx)
	if err != nil {
		m.restore(availablePath, enabledPath, previous, hadConfig, hadSymlink)
		m.logger.Warn("vhost config rejected",
			"domain", p.Domain,
			"output", strings.TrimSpace(output),
		)
		return fmt.Errorf("%w: %s", ErrValidationFailed, strings.TrimSpace(output))
	}

	if err := m.runner.Reload(ctx); err != nil {
		// The config is valid and enabled; nginx keeps serving the old
		// one until a later reload succeeds.
		return fmt.Errorf("%w: %v", ErrReloadFailed, err)
	}

	m.logger.Info("vhost published", "domain", p.Domain, "port", p.Port)
	return nil
}

// Remove takes a site's vhost out of nginx. Missing files count as
// removed. A failed reload is logged rather than returned; the config
// is already off disk at that point.
func (m *Manager) Remove(ctx context.Context, domain string) error {
	removed := false

	if err := os.Remove(m.enabledPath(domain)); err == nil {
		removed = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove enabled config: %w", err)
	}

	if err := os.Remove(m.availablePath(domain)); err == nil {
		removed = true
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove config: %w", err)
	}

	if !removed {
		return nil
	}

	if err := m.runner.Reload(ctx); err != nil {
		m.logger.Warn("reload after vhost removal failed", "domain", domain, "error", err)
	}

	m.logger.Info("vhost removed", "domain", domain)
	return nil
}

// ensureSymlink points link at target, replacing whatever was there.
func (m *Manager) ensureSymlink(target, link string) error {
	if existing, err := os.Readlink(link); err == nil && existing == target {
		return nil
	}
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(target, link)
}

// restore puts the pre-publish state back after a rejected candidate.
func (m *Manager) restore(availablePath, enabledPath string, previous []byte, hadConfig, hadSymlink bool) {
	if hadConfig {
		if err := os.WriteFile(availablePath, previous, 0644); err != nil {
			m.logger.Error("failed to restore previous vhost config", "path", availablePath, "error", err)
		}
		if !hadSymlink {
			_ = os.Remove(enabledPath)
		}
		return
	}
	_ = os.Remove(enabledPath)
	_ = os.Remove(availablePath)
}
