package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressmux/pressmux/internal/core/crypto"
	"github.com/pressmux/pressmux/internal/core/site"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// Credential Cipher
// =============================================================================

// encryptedPrefix marks a db_password column value as sealed. Rows written
// before encryption was enabled stay readable.
const encryptedPrefix = "enc:"

// credentialCipher seals and opens database passwords at rest. A nil
// cipher passes values through unchanged.
type credentialCipher struct {
	key []byte
}

func newCredentialCipher(key []byte) (*credentialCipher, error) {
	if len(key) == 0 {
		return nil, nil
	}
	if len(key) < 32 {
		return nil, crypto.ErrKeyTooShort
	}
	return &credentialCipher{key: key}, nil
}

func (c *credentialCipher) seal(plain string) (string, error) {
	if c == nil {
		return plain, nil
	}
	sealed, err := crypto.EncryptToBase64([]byte(plain), c.key)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + sealed, nil
}

func (c *credentialCipher) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	if c == nil {
		return "", errors.New("encrypted credential but no encryption key configured")
	}
	plain, err := crypto.DecryptFromBase64(strings.TrimPrefix(stored, encryptedPrefix), c.key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sqlx.DB
	cipher *credentialCipher
}

// NewSQLiteStore creates a new SQLite store and runs migrations. When
// encryptionKey is non-empty (32 bytes minimum), database passwords are
// sealed with AES-256-GCM before they touch disk.
func NewSQLiteStore(dsn string, encryptionKey []byte) (*SQLiteStore, error) {
	cipher, err := newCredentialCipher(encryptionKey)
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "invalid encryption key", err)
	}

	// WAL keeps readers unblocked during lifecycle writes; the busy
	// timeout rides out short write bursts instead of failing fast.
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=30000&_journal_mode=WAL")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, cipher: cipher}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Site Operations
// =============================================================================

// siteRow represents a site row in the database.
type siteRow struct {
	Name         string `db:"name"`
	Domain       string `db:"domain"`
	Port         int    `db:"port"`
	Path         string `db:"path"`
	ThemeSlug    string `db:"theme_slug"`
	DBName       string `db:"db_name"`
	DBUser       string `db:"db_user"`
	DBPassword   string `db:"db_password"`
	Status       string `db:"status"`
	ErrorMessage string `db:"error_message"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func (s *SQLiteStore) CreateSite(ctx context.Context, st *site.Site) error {
	return createSite(ctx, s.db, s.cipher, st)
}

func (s *SQLiteStore) GetSite(ctx context.Context, name string) (*site.Site, error) {
	return getSite(ctx, s.db, s.cipher, name)
}

func (s *SQLiteStore) GetSiteByDomain(ctx context.Context, domain string) (*site.Site, error) {
	return getSiteByDomain(ctx, s.db, s.cipher, domain)
}

func (s *SQLiteStore) UpdateSite(ctx context.Context, st *site.Site) error {
	return updateSite(ctx, s.db, s.cipher, st)
}

func (s *SQLiteStore) DeleteSite(ctx context.Context, name string) error {
	return deleteSite(ctx, s.db, name)
}

func (s *SQLiteStore) ListSites(ctx context.Context, opts ListOptions) ([]site.Site, error) {
	return listSites(ctx, s.db, s.cipher, opts)
}

func (s *SQLiteStore) ListSitesByStatus(ctx context.Context, status site.Status, opts ListOptions) ([]site.Site, error) {
	return listSitesByStatus(ctx, s.db, s.cipher, status, opts)
}

func (s *SQLiteStore) UsedPorts(ctx context.Context) ([]int, error) {
	return usedPorts(ctx, s.db)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, cipher: s.cipher}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx     *sqlx.Tx
	cipher *credentialCipher
}

func (s *txSQLiteStore) CreateSite(ctx context.Context, st *site.Site) error {
	return createSite(ctx, s.tx, s.cipher, st)
}

func (s *txSQLiteStore) GetSite(ctx context.Context, name string) (*site.Site, error) {
	return getSite(ctx, s.tx, s.cipher, name)
}

func (s *txSQLiteStore) GetSiteByDomain(ctx context.Context, domain string) (*site.Site, error) {
	return getSiteByDomain(ctx, s.tx, s.cipher, domain)
}

func (s *txSQLiteStore) UpdateSite(ctx context.Context, st *site.Site) error {
	return updateSite(ctx, s.tx, s.cipher, st)
}

func (s *txSQLiteStore) DeleteSite(ctx context.Context, name string) error {
	return deleteSite(ctx, s.tx, name)
}

func (s *txSQLiteStore) ListSites(ctx context.Context, opts ListOptions) ([]site.Site, error) {
	return listSites(ctx, s.tx, s.cipher, opts)
}

func (s *txSQLiteStore) ListSitesByStatus(ctx context.Context, status site.Status, opts ListOptions) ([]site.Site, error) {
	return listSitesByStatus(ctx, s.tx, s.cipher, status, opts)
}

func (s *txSQLiteStore) UsedPorts(ctx context.Context) ([]int, error) {
	return usedPorts(ctx, s.tx)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createSite(ctx context.Context, exec executor, cipher *credentialCipher, st *site.Site) error {
	password, err := cipher.seal(st.DBPassword)
	if err != nil {
		return NewStoreError("CreateSite", "site", st.Name, "failed to seal credential", ErrInvalidData)
	}

	query := `
		INSERT INTO sites (
			name, domain, port, path, theme_slug,
			db_name, db_user, db_password,
			status, error_message, created_at, updated_at
		) VALUES (
			:name, :domain, :port, :path, :theme_slug,
			:db_name, :db_user, :db_password,
			:status, :error_message, :created_at, :updated_at
		)`

	row := map[string]any{
		"name":          st.Name,
		"domain":        st.Domain,
		"port":          st.Port,
		"path":          st.Path,
		"theme_slug":    st.ThemeSlug,
		"db_name":       st.DBName,
		"db_user":       st.DBUser,
		"db_password":   password,
		"status":        string(st.Status),
		"error_message": st.ErrorMessage,
		"created_at":    st.CreatedAt.Format(time.RFC3339),
		"updated_at":    st.UpdatedAt.Format(time.RFC3339),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sites.name") {
			return NewStoreError("CreateSite", "site", st.Name, "site with this name already exists", ErrDuplicateName)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sites.domain") {
			return NewStoreError("CreateSite", "site", st.Name, "site with this domain already exists", ErrDuplicateDomain)
		}
		if strings.Contains(err.Error(), "UNIQUE constraint failed: sites.port") {
			return NewStoreError("CreateSite", "site", st.Name, "site with this port already exists", ErrDuplicatePort)
		}
		return NewStoreError("CreateSite", "site", st.Name, err.Error(), err)
	}

	return nil
}

func getSite(ctx context.Context, exec executor, cipher *credentialCipher, name string) (*site.Site, error) {
	query := `SELECT * FROM sites WHERE name = ?`

	var row siteRow
	err := exec.GetContext(ctx, &row, query, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSite", "site", name, "site not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSite", "site", name, err.Error(), err)
	}

	return rowToSite(&row, cipher)
}

func getSiteByDomain(ctx context.Context, exec executor, cipher *credentialCipher, domain string) (*site.Site, error) {
	query := `SELECT * FROM sites WHERE domain = ?`

	var row siteRow
	err := exec.GetContext(ctx, &row, query, domain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetSiteByDomain", "site", domain, "site not found", ErrNotFound)
		}
		return nil, NewStoreError("GetSiteByDomain", "site", domain, err.Error(), err)
	}

	return rowToSite(&row, cipher)
}

func updateSite(ctx context.Context, exec executor, cipher *credentialCipher, st *site.Site) error {
	password, err := cipher.seal(st.DBPassword)
	if err != nil {
		return NewStoreError("UpdateSite", "site", st.Name, "failed to seal credential", ErrInvalidData)
	}

	query := `
		UPDATE sites SET
			domain = :domain,
			port = :port,
			path = :path,
			theme_slug = :theme_slug,
			db_name = :db_name,
			db_user = :db_user,
			db_password = :db_password,
			status = :status,
			error_message = :error_message,
			updated_at = :updated_at
		WHERE name = :name`

	row := map[string]any{
		"name":          st.Name,
		"domain":        st.Domain,
		"port":          st.Port,
		"path":          st.Path,
		"theme_slug":    st.ThemeSlug,
		"db_name":       st.DBName,
		"db_user":       st.DBUser,
		"db_password":   password,
		"status":        string(st.Status),
		"error_message": st.ErrorMessage,
		"updated_at":    st.UpdatedAt.Format(time.RFC3339),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateSite", "site", st.Name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateSite", "site", st.Name, "site not found", ErrNotFound)
	}

	return nil
}

func deleteSite(ctx context.Context, exec executor, name string) error {
	query := `DELETE FROM sites WHERE name = ?`

	result, err := exec.ExecContext(ctx, query, name)
	if err != nil {
		return NewStoreError("DeleteSite", "site", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteSite", "site", name, "site not found", ErrNotFound)
	}

	return nil
}

func listSites(ctx context.Context, exec executor, cipher *credentialCipher, opts ListOptions) ([]site.Site, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM sites ORDER BY created_at DESC, name ASC LIMIT ? OFFSET ?`

	var rows []siteRow
	err := exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListSites", "site", "", err.Error(), err)
	}

	return rowsToSites(rows, cipher)
}

func listSitesByStatus(ctx context.Context, exec executor, cipher *credentialCipher, status site.Status, opts ListOptions) ([]site.Site, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM sites WHERE status = ? ORDER BY created_at DESC, name ASC LIMIT ? OFFSET ?`

	var rows []siteRow
	err := exec.SelectContext(ctx, &rows, query, string(status), opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListSitesByStatus", "site", "", err.Error(), err)
	}

	return rowsToSites(rows, cipher)
}

func usedPorts(ctx context.Context, exec executor) ([]int, error) {
	query := `SELECT port FROM sites ORDER BY port ASC`

	var ports []int
	err := exec.SelectContext(ctx, &ports, query)
	if err != nil {
		return nil, NewStoreError("UsedPorts", "site", "", err.Error(), err)
	}

	return ports, nil
}

// =============================================================================
// Row Conversion Functions
// =============================================================================

// rowToSite converts a database row to a site.Site.
func rowToSite(row *siteRow, cipher *credentialCipher) (*site.Site, error) {
	createdAt, _ := time.Parse(time.RFC3339, row.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, row.UpdatedAt)

	password, err := cipher.open(row.DBPassword)
	if err != nil {
		return nil, NewStoreError("rowToSite", "site", row.Name, "failed to open credential", ErrInvalidData)
	}

	return &site.Site{
		Name:         row.Name,
		Domain:       row.Domain,
		Port:         row.Port,
		Path:         row.Path,
		ThemeSlug:    row.ThemeSlug,
		DBName:       row.DBName,
		DBUser:       row.DBUser,
		DBPassword:   password,
		Status:       site.Status(row.Status),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func rowsToSites(rows []siteRow, cipher *credentialCipher) ([]site.Site, error) {
	sites := make([]site.Site, 0, len(rows))
	for i := range rows {
		s, err := rowToSite(&rows[i], cipher)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *s)
	}
	return sites, nil
}
