package importer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/shell/engine"
)

type execCall struct {
	container string
	opts      engine.ExecOptions
}

func (c execCall) cmdLine() string {
	return strings.Join(c.opts.Cmd, " ")
}

type copyCall struct {
	container string
	destDir   string
	fileName  string
	data      []byte
	size      int64
}

type fakeStack struct {
	mu     sync.Mutex
	execs  []execCall
	copies []copyCall

	// respond overrides the default all-succeed reply when set.
	respond func(container string, opts engine.ExecOptions) (*engine.ExecResult, error)

	copyErr error
}

func (f *fakeStack) Exec(ctx context.Context, containerName string, opts engine.ExecOptions) (*engine.ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, execCall{container: containerName, opts: opts})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(containerName, opts)
	}
	return &engine.ExecResult{}, nil
}

func (f *fakeStack) CopyIn(ctx context.Context, containerName, destDir, fileName string, content io.Reader, size int64) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, copyCall{
		container: containerName,
		destDir:   destDir,
		fileName:  fileName,
		data:      data,
		size:      size,
	})
	return nil
}

func (f *fakeStack) findExec(substr string) *execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.execs {
		if strings.Contains(f.execs[i].cmdLine(), substr) {
			return &f.execs[i]
		}
	}
	return nil
}

func setupTestImporter(t *testing.T) (*Importer, *fakeStack) {
	t.Helper()
	fake := &fakeStack{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewImporter(fake, logger), fake
}

func testSite(t *testing.T) *site.Site {
	t.Helper()
	s, err := site.New("acme", "acme.example.com", 9080, "v3rys3cretDBpass")
	require.NoError(t, err)
	return s
}

const sampleDump = "CREATE TABLE wp_options (option_id bigint);\nINSERT INTO wp_options VALUES (1);\n"

// =============================================================================
// Import
// =============================================================================

func TestImport_LoadsDumpThroughScratchFile(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{})
	require.NoError(t, err)

	require.Len(t, fake.copies, 1)
	copied := fake.copies[0]
	assert.Equal(t, "acme-db", copied.container)
	assert.Equal(t, "/tmp", copied.destDir)
	assert.True(t, strings.HasPrefix(copied.fileName, "import-"))
	assert.True(t, strings.HasSuffix(copied.fileName, ".sql"))
	assert.Equal(t, sampleDump, string(copied.data))
	assert.Equal(t, int64(len(sampleDump)), copied.size)

	load := fake.findExec("mysql -h 127.0.0.1")
	require.NotNil(t, load, "expected a mysql load command")
	assert.Equal(t, "acme-db", load.container)
	assert.Contains(t, load.cmdLine(), "/tmp/"+copied.fileName)
	assert.Contains(t, load.opts.Env, "MYSQL_PWD="+s.DBPassword)
	// The password must never ride on the command line.
	assert.NotContains(t, load.cmdLine(), s.DBPassword)

	cleanup := fake.findExec("rm -f /tmp/" + copied.fileName)
	assert.NotNil(t, cleanup, "scratch file should be removed")
}

func TestImport_RewritesURLsStructurally(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	dump := `INSERT INTO wp_options VALUES ('theme_mods', 'a:1:{s:4:"logo";s:28:"http://old.example:8080/logo";}');`

	err := im.Import(context.Background(), s, []byte(dump), Params{
		SourceURL: "http://old.example:8080",
		TargetURL: "http://new.example",
	})
	require.NoError(t, err)

	require.Len(t, fake.copies, 1)
	imported := string(fake.copies[0].data)

	// "http://new.example/logo" is 23 bytes; the prefix must follow.
	assert.Contains(t, imported, `s:23:"http://new.example/logo"`)
	assert.NotContains(t, imported, "old.example")

	// A raw substitution would have kept the stale 28-byte prefix,
	// which WordPress unserializes to a corrupt value.
	naive := strings.ReplaceAll(dump, "http://old.example:8080", "http://new.example")
	assert.Contains(t, naive, `s:28:"http://new.example/logo"`)
}

func TestImport_SameURLSkipsRewrite(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{
		SourceURL: "http://acme.example.com",
		TargetURL: "http://acme.example.com",
	})
	require.NoError(t, err)

	require.Len(t, fake.copies, 1)
	assert.Equal(t, sampleDump, string(fake.copies[0].data))
}

func TestImport_MismatchedURLParamsFails(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{SourceURL: "http://old.example"})
	require.ErrorIs(t, err, ErrSearchReplace)
	assert.Empty(t, fake.copies, "nothing should reach the container")

	err = im.Import(context.Background(), s, []byte(sampleDump), Params{TargetURL: "http://new.example"})
	require.ErrorIs(t, err, ErrSearchReplace)
}

func TestImport_MySQLFailureIsFatal(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)
	fake.respond = func(container string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		if strings.Contains(strings.Join(opts.Cmd, " "), "<") {
			return &engine.ExecResult{
				ExitCode: 1,
				Stderr:   "ERROR 1064 (42000) at line 5: You have an error in your SQL syntax",
			}, nil
		}
		return &engine.ExecResult{}, nil
	}

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{})
	require.ErrorIs(t, err, ErrImportFailed)
	assert.Contains(t, err.Error(), "1064")
	assert.NotContains(t, err.Error(), s.DBPassword)

	// A failed load stops the run before any fix-up.
	assert.Nil(t, fake.findExec("wp cache flush"))
}

func TestImport_CopyFailureIsFatal(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)
	fake.copyErr = engine.ErrContainerNotRunning

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{})
	require.ErrorIs(t, err, ErrImportFailed)
}

func TestImport_PostProcessingIsBestEffort(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)
	fake.respond = func(container string, opts engine.ExecOptions) (*engine.ExecResult, error) {
		cmd := strings.Join(opts.Cmd, " ")
		if strings.HasPrefix(cmd, "wp ") || strings.HasPrefix(cmd, "php ") ||
			strings.Contains(cmd, "UPDATE") || strings.Contains(cmd, "INSERT") {
			return &engine.ExecResult{ExitCode: 1, Stderr: "not available"}, nil
		}
		return &engine.ExecResult{}, nil
	}

	err := im.Import(context.Background(), s, []byte(sampleDump), Params{ThemeSlug: "storefront"})
	require.NoError(t, err, "fix-up failures must not fail the import")

	assert.NotNil(t, fake.findExec("wp cache flush"))
	assert.NotNil(t, fake.findExec("wp rewrite flush"))
}

func TestImport_MarksWooCommerceWizardDone(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	require.NoError(t, im.Import(context.Background(), s, []byte(sampleDump), Params{}))

	woo := fake.findExec("woocommerce_onboarding_profile")
	require.NotNil(t, woo)
	assert.Equal(t, "acme-db", woo.container)
	assert.Contains(t, woo.cmdLine(), "ON DUPLICATE KEY UPDATE")
}

// =============================================================================
// Theme Activation
// =============================================================================

func TestImport_ActivatesThemeWhenGiven(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	require.NoError(t, im.Import(context.Background(), s, []byte(sampleDump), Params{ThemeSlug: "storefront"}))

	tmpl := fake.findExec("option_name = 'template'")
	require.NotNil(t, tmpl)
	assert.Equal(t, "acme-db", tmpl.container)
	assert.Contains(t, tmpl.cmdLine(), "'storefront'")

	style := fake.findExec("option_name = 'stylesheet'")
	require.NotNil(t, style)

	activate := fake.findExec("activate_theme.php")
	require.NotNil(t, activate)
	assert.Equal(t, "acme-web", activate.container)
	assert.Contains(t, activate.cmdLine(), "/var/www/html/wp-content/themes/storefront/activate_theme.php")
}

func TestActivateTheme_RejectsUnsafeSlug(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	for _, slug := range []string{"../escape", `bad\slash`, "quo'te", "  "} {
		im.ActivateTheme(context.Background(), s, slug)
	}
	assert.Empty(t, fake.execs, "unsafe slugs must not reach a container")
}

// =============================================================================
// Fix-Ups
// =============================================================================

func TestFixUploadsOwnership(t *testing.T) {
	im, fake := setupTestImporter(t)
	s := testSite(t)

	im.FixUploadsOwnership(context.Background(), s)

	chown := fake.findExec("chown -R 33:33")
	require.NotNil(t, chown)
	assert.Equal(t, "acme-web", chown.container)
	assert.Contains(t, chown.cmdLine(), "/var/www/html/wp-content/uploads")
}
