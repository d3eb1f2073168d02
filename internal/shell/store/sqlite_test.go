package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressmux/pressmux/internal/core/site"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

func setupEncryptedTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	st, err := NewSQLiteStore(":memory:", key)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

func newTestSite(t *testing.T, name string, port int) *site.Site {
	t.Helper()
	s, err := site.New(name, name+".example.com", port, "s3cretDbPass4tests")
	require.NoError(t, err)
	s.Path = "/var/lib/pressmux/sites/" + name
	return s
}

func createTestSite(t *testing.T, st Store, name string, port int) *site.Site {
	t.Helper()
	s := newTestSite(t, name, port)
	require.NoError(t, st.CreateSite(context.Background(), s))
	return s
}

// =============================================================================
// Site CRUD Tests
// =============================================================================

func TestCreateSite_Success(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	s := newTestSite(t, "acme", 9080)
	require.NoError(t, st.CreateSite(ctx, s))

	retrieved, err := st.GetSite(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", retrieved.Name)
	assert.Equal(t, "acme.example.com", retrieved.Domain)
	assert.Equal(t, 9080, retrieved.Port)
	assert.Equal(t, "/var/lib/pressmux/sites/acme", retrieved.Path)
	assert.Equal(t, s.DBName, retrieved.DBName)
	assert.Equal(t, s.DBUser, retrieved.DBUser)
	assert.Equal(t, s.DBPassword, retrieved.DBPassword)
	assert.Equal(t, site.StatusProvisioning, retrieved.Status)
	assert.WithinDuration(t, s.CreatedAt, retrieved.CreatedAt, time.Second)
	assert.WithinDuration(t, s.UpdatedAt, retrieved.UpdatedAt, time.Second)
}

func TestCreateSite_DuplicateName(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "acme", 9080)

	duplicate := newTestSite(t, "acme", 9081)
	duplicate.Domain = "other.example.com"

	err := st.CreateSite(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateSite_DuplicateDomain(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "acme", 9080)

	duplicate := newTestSite(t, "other", 9081)
	duplicate.Domain = "acme.example.com"

	err := st.CreateSite(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateDomain)
}

func TestCreateSite_DuplicatePort(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "acme", 9080)

	duplicate := newTestSite(t, "other", 9080)

	err := st.CreateSite(ctx, duplicate)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePort)
}

func TestGetSite_NotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetSite(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetSiteByDomain_Success(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	s := createTestSite(t, st, "acme", 9080)

	retrieved, err := st.GetSiteByDomain(ctx, "acme.example.com")
	require.NoError(t, err)
	assert.Equal(t, s.Name, retrieved.Name)
	assert.Equal(t, s.Port, retrieved.Port)
}

func TestGetSiteByDomain_NotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetSiteByDomain(context.Background(), "missing.example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateSite_PersistsStatusTransition(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	s := createTestSite(t, st, "acme", 9080)

	require.NoError(t, s.Transition(site.StatusRunning))
	s.ThemeSlug = "storefront"
	require.NoError(t, st.UpdateSite(ctx, s))

	retrieved, err := st.GetSite(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, site.StatusRunning, retrieved.Status)
	assert.Equal(t, "storefront", retrieved.ThemeSlug)
	assert.Empty(t, retrieved.ErrorMessage)
}

func TestUpdateSite_PersistsErrorMessage(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	s := createTestSite(t, st, "acme", 9080)

	require.NoError(t, s.TransitionToError("stack failed to start"))
	require.NoError(t, st.UpdateSite(ctx, s))

	retrieved, err := st.GetSite(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, site.StatusError, retrieved.Status)
	assert.Equal(t, "stack failed to start", retrieved.ErrorMessage)
}

func TestUpdateSite_NotFound(t *testing.T) {
	st := setupTestStore(t)

	s := newTestSite(t, "ghost", 9099)
	err := st.UpdateSite(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSite_Success(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "acme", 9080)

	require.NoError(t, st.DeleteSite(ctx, "acme"))

	_, err := st.GetSite(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSite_NotFound(t *testing.T) {
	st := setupTestStore(t)

	err := st.DeleteSite(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSite_FreesDomainAndPort(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "acme", 9080)
	require.NoError(t, st.DeleteSite(ctx, "acme"))

	// Same domain and port must be reusable once the row is gone.
	replacement := newTestSite(t, "acme", 9080)
	require.NoError(t, st.CreateSite(ctx, replacement))
}

// =============================================================================
// List Tests
// =============================================================================

func TestListSites_Empty(t *testing.T) {
	st := setupTestStore(t)

	sites, err := st.ListSites(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestListSites_ReturnsAll(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "alpha", 9080)
	createTestSite(t, st, "bravo", 9081)
	createTestSite(t, st, "charlie", 9082)

	sites, err := st.ListSites(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, sites, 3)

	names := make([]string, 0, len(sites))
	for _, s := range sites {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"alpha", "bravo", "charlie"}, names)
}

func TestListSites_Pagination(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "alpha", 9080)
	createTestSite(t, st, "bravo", 9081)
	createTestSite(t, st, "charlie", 9082)

	page1, err := st.ListSites(ctx, ListOptions{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := st.ListSites(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestListSitesByStatus(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "alpha", 9080)
	running := createTestSite(t, st, "bravo", 9081)
	require.NoError(t, running.Transition(site.StatusRunning))
	require.NoError(t, st.UpdateSite(ctx, running))

	provisioning, err := st.ListSitesByStatus(ctx, site.StatusProvisioning, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, provisioning, 1)
	assert.Equal(t, "alpha", provisioning[0].Name)

	runningSites, err := st.ListSitesByStatus(ctx, site.StatusRunning, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runningSites, 1)
	assert.Equal(t, "bravo", runningSites[0].Name)
}

// =============================================================================
// Port Reservation Tests
// =============================================================================

func TestUsedPorts_Empty(t *testing.T) {
	st := setupTestStore(t)

	ports, err := st.UsedPorts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestUsedPorts_IncludesAllRows(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createTestSite(t, st, "alpha", 9090)
	createTestSite(t, st, "bravo", 9080)
	deleting := createTestSite(t, st, "charlie", 9085)
	require.NoError(t, deleting.Transition(site.StatusDeleting))
	require.NoError(t, st.UpdateSite(ctx, deleting))

	ports, err := st.UsedPorts(ctx)
	require.NoError(t, err)
	// Rows mid-deletion still hold their reservation.
	assert.Equal(t, []int{9080, 9085, 9090}, ports)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx Store) error {
		s := newTestSite(t, "acme", 9080)
		return tx.CreateSite(ctx, s)
	})
	require.NoError(t, err)

	_, err = st.GetSite(ctx, "acme")
	assert.NoError(t, err)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := st.WithTx(ctx, func(tx Store) error {
		s := newTestSite(t, "acme", 9080)
		if err := tx.CreateSite(ctx, s); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = st.GetSite(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_ReservationVisibleInsideTx(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx Store) error {
		s := newTestSite(t, "acme", 9080)
		if err := tx.CreateSite(ctx, s); err != nil {
			return err
		}
		ports, err := tx.UsedPorts(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []int{9080}, ports)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// Credential Encryption Tests
// =============================================================================

func TestEncryptedStore_SealsCredentialAtRest(t *testing.T) {
	st := setupEncryptedTestStore(t)
	ctx := context.Background()

	s := createTestSite(t, st, "acme", 9080)

	var stored string
	require.NoError(t, st.db.Get(&stored, `SELECT db_password FROM sites WHERE name = ?`, "acme"))
	assert.True(t, strings.HasPrefix(stored, encryptedPrefix))
	assert.NotContains(t, stored, s.DBPassword)

	retrieved, err := st.GetSite(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, s.DBPassword, retrieved.DBPassword)
}

func TestEncryptedStore_ReadsPlaintextRows(t *testing.T) {
	st := setupEncryptedTestStore(t)
	ctx := context.Background()

	// Rows written before encryption was enabled carry raw values.
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := st.db.Exec(
		`INSERT INTO sites (name, domain, port, theme_slug, db_name, db_user, db_password, status, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"legacy", "legacy.example.com", 9070, "", "wp_legacy", "wp_legacy", "plainpass", "running", "", now, now,
	)
	require.NoError(t, err)

	retrieved, err := st.GetSite(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "plainpass", retrieved.DBPassword)
}

func TestNewSQLiteStore_RejectsShortEncryptionKey(t *testing.T) {
	_, err := NewSQLiteStore(":memory:", []byte("too-short"))
	require.Error(t, err)
}
