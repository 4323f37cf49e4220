package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/config"
	"doc-access/internal/db"
	"doc-access/internal/domain"
	"doc-access/internal/middleware"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	users := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(users, []byte("- {id: 7, email: dir@example.com, name: Dir, access: editors}\n"), 0o600))
	return &config.Config{
		DocDBPath:            filepath.Join(dir, "doc.sqlite"),
		DocID:                "doc",
		DirectoryPath:        users,
		SeedPath:             filepath.Join("..", "fixture", "testdata", "docs.yaml"),
		RateLimitRPS:         100,
		RateLimitBurst:       100,
		CORSAllowedOrigins:   []string{"*"},
		BroadcastConcurrency: 2,
		TrustIdentityHeaders: true,
		AllowAnonymous:       true,
	}
}

func TestNew_SeedsAndServes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := db.OpenDocument(cfg.DocDBPath, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(ctx, Deps{Cfg: cfg, DB: p, Logger: logger})
	require.NoError(t, err)

	tables, err := a.Store.TableIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs", "Members"}, tables)

	editor := &domain.Session{ID: "s-editor", Access: domain.RoleEditors,
		User: domain.UserProfile{UserID: 2, Email: "ed@example.com"}}
	data, err := a.Document.Table(ctx, editor, "Docs")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, data.RowIDs)

	// Seeding is skipped once the document has tables.
	_, err = New(ctx, Deps{Cfg: cfg, DB: p, Logger: logger})
	require.NoError(t, err)
	data, err = a.Document.Table(ctx, &domain.Session{ID: "s-owner", Access: domain.RoleOwners,
		User: domain.UserProfile{UserID: 1, Email: "own@example.com"}}, "Docs")
	require.NoError(t, err)
	assert.Len(t, data.RowIDs, 2)

	srv := httptest.NewServer(a.Router(ctx))
	t.Cleanup(srv.Close)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/view-as", nil)
	require.NoError(t, err)
	req.Header.Set(middleware.HeaderUserEmail, "own@example.com")
	req.Header.Set(middleware.HeaderDocAccess, "owners")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_BadPaths(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("directory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DirectoryPath = filepath.Join(t.TempDir(), "missing.yaml")
		p := db.OpenTestSQLite(t)
		_, err := New(ctx, Deps{Cfg: cfg, DB: p, Logger: logger})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user directory")
	})

	t.Run("seed", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SeedPath = filepath.Join(t.TempDir(), "missing.yaml")
		p := db.OpenTestSQLite(t)
		_, err := New(ctx, Deps{Cfg: cfg, DB: p, Logger: logger})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "seed")
	})
}
