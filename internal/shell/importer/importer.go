// Package importer loads SQL dumps into a site's database and applies
// the WordPress fix-ups that make an imported site immediately usable:
// URL retargeting, theme activation, cache and rewrite-rule flushes.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/pressmux/pressmux/internal/core/phpser"
	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/shell/engine"
)

var (
	// ErrImportFailed means the database refused the dump.
	ErrImportFailed = errors.New("database import failed")

	// ErrSearchReplace means the URL rewrite could not be applied. A
	// partial rewrite would leave mixed old and new URLs, so this is
	// always fatal.
	ErrSearchReplace = errors.New("url rewrite failed")
)

const (
	// tablePrefix is the WordPress table prefix the stack provisions.
	tablePrefix = "wp_"

	// scratchDir receives dump files inside the db container.
	scratchDir = "/tmp"

	webRoot = "/var/www/html"

	// stderrExcerptLimit bounds external tool output quoted in errors.
	stderrExcerptLimit = 500
)

// wooWizardDone is the serialized option value WooCommerce reads to
// decide whether to show the store setup wizard. An imported store is
// already set up.
const wooWizardDone = `a:2:{s:9:"completed";b:1;s:7:"skipped";b:1;}`

// StackExec is the slice of the engine driver the importer needs:
// running commands inside stack containers and copying files into them.
type StackExec interface {
	Exec(ctx context.Context, containerName string, opts engine.ExecOptions) (*engine.ExecResult, error)
	CopyIn(ctx context.Context, containerName, destDir, fileName string, content io.Reader, size int64) error
}

// Params controls one import run. SourceURL and TargetURL must be set
// together; when they are, every occurrence of SourceURL in the dump is
// rewritten to TargetURL with serialized length prefixes recomputed.
type Params struct {
	SourceURL string
	TargetURL string

	// ThemeSlug, when set, is activated after the import.
	ThemeSlug string
}

// Importer runs database imports against provisioned site stacks.
type Importer struct {
	stacks StackExec
	logger *slog.Logger
}

// NewImporter creates an importer.
func NewImporter(stacks StackExec, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		stacks: stacks,
		logger: logger,
	}
}

// Import loads dump into the site's already-provisioned schema. The
// rewrite (when requested) happens on the dump text before it reaches
// mysql, with serialized string lengths recomputed, so values read back
// by WordPress carry consistent length prefixes. Post-import fix-ups
// are best-effort; the import itself is not.
func (im *Importer) Import(ctx context.Context, s *site.Site, dump []byte, p Params) error {
	if (p.SourceURL == "") != (p.TargetURL == "") {
		return fmt.Errorf("%w: source and target URLs must be provided together", ErrSearchReplace)
	}

	if p.SourceURL != "" && p.SourceURL != p.TargetURL {
		rewritten, n := phpser.RewriteURLs(string(dump), p.SourceURL, p.TargetURL)
		dump = []byte(rewritten)
		im.logger.Info("rewrote dump urls",
			"site", s.Name,
			"source", p.SourceURL,
			"target", p.TargetURL,
			"replacements", n,
		)
	}

	if err := im.load(ctx, s, dump); err != nil {
		return err
	}

	im.markWooCommerceWizardDone(ctx, s)

	if p.ThemeSlug != "" {
		im.ActivateTheme(ctx, s, p.ThemeSlug)
	}

	im.FlushCaches(ctx, s)

	im.logger.Info("database import completed", "site", s.Name, "bytes", len(dump))
	return nil
}

// load copies the dump into the db container and feeds it to mysql.
// Credentials travel via MYSQL_PWD in the exec environment, never on
// the command line, so they cannot surface in error output.
func (im *Importer) load(ctx context.Context, s *site.Site, dump []byte) error {
	dbContainer := site.DBContainerName(s.Name)
	scratch := fmt.Sprintf("import-%s.sql", uuid.NewString())
	scratchPath := path.Join(scratchDir, scratch)

	if err := im.stacks.CopyIn(ctx, dbContainer, scratchDir, scratch, bytes.NewReader(dump), int64(len(dump))); err != nil {
		return fmt.Errorf("%w: failed to copy dump into database container: %v", ErrImportFailed, err)
	}
	defer im.removeScratch(ctx, dbContainer, scratchPath)

	// -h 127.0.0.1 forces TCP; the socket path inside the image varies.
	res, err := im.stacks.Exec(ctx, dbContainer, engine.ExecOptions{
		Cmd: []string{"sh", "-c", fmt.Sprintf("mysql -h 127.0.0.1 -u%s %s < %s", s.DBUser, s.DBName, scratchPath)},
		Env: []string{"MYSQL_PWD=" + s.DBPassword},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: mysql exited %d: %s", ErrImportFailed, res.ExitCode, excerpt(res.Stderr))
	}
	return nil
}

func (im *Importer) removeScratch(ctx context.Context, container, scratchPath string) {
	if _, err := im.stacks.Exec(ctx, container, engine.ExecOptions{
		Cmd: []string{"rm", "-f", scratchPath},
	}); err != nil {
		im.logger.Debug("failed to remove import scratch file", "container", container, "error", err)
	}
}

// runSQL executes one statement against the site's schema.
func (im *Importer) runSQL(ctx context.Context, s *site.Site, stmt string) error {
	res, err := im.stacks.Exec(ctx, site.DBContainerName(s.Name), engine.ExecOptions{
		Cmd: []string{"mysql", "-h", "127.0.0.1", "-u" + s.DBUser, s.DBName, "-e", stmt},
		Env: []string{"MYSQL_PWD=" + s.DBPassword},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mysql exited %d: %s", res.ExitCode, excerpt(res.Stderr))
	}
	return nil
}

// markWooCommerceWizardDone marks the store setup wizard completed so a
// mirrored store does not greet its operator with onboarding again.
func (im *Importer) markWooCommerceWizardDone(ctx context.Context, s *site.Site) {
	stmt := fmt.Sprintf(
		"INSERT INTO %soptions (option_name, option_value, autoload) "+
			"VALUES ('woocommerce_onboarding_profile', '%s', 'no') "+
			"ON DUPLICATE KEY UPDATE option_value = '%s';",
		tablePrefix, wooWizardDone, wooWizardDone,
	)
	if err := im.runSQL(ctx, s, stmt); err != nil {
		im.logger.Warn("could not mark woocommerce wizard completed", "site", s.Name, "error", err)
	}
}

// ActivateTheme makes slug the active theme. The template and
// stylesheet options are set directly in SQL first, then the theme's
// own activation script runs inside the web container so WordPress
// switch_theme hooks fire. Both halves are best-effort.
func (im *Importer) ActivateTheme(ctx context.Context, s *site.Site, slug string) {
	slug = sanitizeSlug(slug)
	if slug == "" {
		return
	}

	for _, option := range []string{"template", "stylesheet"} {
		stmt := fmt.Sprintf(
			"UPDATE %soptions SET option_value = '%s' WHERE option_name = '%s';",
			tablePrefix, slug, option,
		)
		if err := im.runSQL(ctx, s, stmt); err != nil {
			im.logger.Warn("could not set theme option",
				"site", s.Name,
				"option", option,
				"error", err,
			)
		}
	}

	script := fmt.Sprintf("%s/wp-content/themes/%s/activate_theme.php", webRoot, slug)
	res, err := im.stacks.Exec(ctx, site.WebContainerName(s.Name), engine.ExecOptions{
		Cmd: []string{"php", script},
	})
	if err != nil {
		im.logger.Warn("theme activation script failed", "site", s.Name, "theme", slug, "error", err)
		return
	}
	if res.ExitCode != 0 {
		im.logger.Warn("theme activation script failed",
			"site", s.Name,
			"theme", slug,
			"output", excerpt(res.Stderr),
		)
		return
	}
	im.logger.Info("theme activated", "site", s.Name, "theme", slug)
}

// FlushCaches drops the object cache and regenerates rewrite rules so
// imported options take effect without waiting for expiry.
func (im *Importer) FlushCaches(ctx context.Context, s *site.Site) {
	web := site.WebContainerName(s.Name)
	for _, args := range [][]string{
		{"wp", "cache", "flush", "--allow-root"},
		{"wp", "rewrite", "flush", "--allow-root"},
	} {
		res, err := im.stacks.Exec(ctx, web, engine.ExecOptions{
			Cmd:        args,
			WorkingDir: webRoot,
		})
		if err != nil {
			im.logger.Warn("cache flush failed", "site", s.Name, "cmd", strings.Join(args, " "), "error", err)
			continue
		}
		if res.ExitCode != 0 {
			im.logger.Debug("cache flush exited non-zero",
				"site", s.Name,
				"cmd", strings.Join(args, " "),
				"exit_code", res.ExitCode,
			)
		}
	}
}

// FixUploadsOwnership hands the uploads tree to the web server's
// runtime user so media uploads work on a fresh site.
func (im *Importer) FixUploadsOwnership(ctx context.Context, s *site.Site) {
	res, err := im.stacks.Exec(ctx, site.WebContainerName(s.Name), engine.ExecOptions{
		Cmd: []string{"chown", "-R", "33:33", webRoot + "/wp-content/uploads"},
	})
	if err != nil {
		im.logger.Warn("could not fix uploads ownership", "site", s.Name, "error", err)
		return
	}
	if res.ExitCode != 0 {
		im.logger.Warn("could not fix uploads ownership", "site", s.Name, "output", excerpt(res.Stderr))
	}
}

// sanitizeSlug rejects anything that could escape a path or an SQL
// string literal; theme slugs are plain directory names.
func sanitizeSlug(slug string) string {
	slug = strings.TrimSpace(slug)
	if len(slug) > 64 {
		slug = slug[:64]
	}
	if slug == "" || strings.ContainsAny(slug, `/\'`) {
		return ""
	}
	return slug
}

// excerpt bounds external tool output for error messages, keeping the
// tail where mysql puts the actual error.
func excerpt(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > stderrExcerptLimit {
		out = "..." + out[len(out)-stderrExcerptLimit:]
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}
