package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-access/internal/domain"
	"doc-access/internal/service/document"
)

var docsFixture = filepath.Join("..", "..", "internal", "fixture", "testdata", "docs.yaml")

// isolateHome points HOME at a temp dir so no real config is loaded.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

// runCLI executes a fresh root command and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"ACLCTL_HOST", "ACLCTL_OUTPUT", "ACLCTL_EMAIL", "ACLCTL_ACCESS"} {
		t.Setenv(k, "")
	}
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "aclctl version dev")

	out, err = runCLI(t, "version", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"dev","commit":"none"}`, out)

	_, err = runCLI(t, "version", "-o", "yaml")
	assert.EqualError(t, err, `unsupported output format "yaml": use 'table' or 'json'`)
}

func TestRulesCheck(t *testing.T) {
	isolateHome(t)
	t.Run("valid fixture", func(t *testing.T) {
		out, err := runCLI(t, "rules", "check", docsFixture)
		require.NoError(t, err)
		assert.Contains(t, out, "private row")
		assert.Contains(t, out, "user.Member = Members")
		assert.Contains(t, out, "ok")
	})

	t.Run("json", func(t *testing.T) {
		out, err := runCLI(t, "rules", "check", docsFixture, "-o", "json")
		require.NoError(t, err)
		var report rulesReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.True(t, report.OK)
		require.Len(t, report.RuleSets, 1)
		assert.Equal(t, "Docs", report.RuleSets[0].TableID)
		assert.Equal(t, "-RUD", report.RuleSets[0].Rules[0].Permissions)
	})

	t.Run("broken formula", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - id: Docs
    columns: [Owner]
rules:
  - table: Docs
    formula: "rec.Owner =="
    permissions: -R
`), 0o600))
		out, err := runCLI(t, "rules", "check", path)
		require.Error(t, err)
		assert.Contains(t, out, "rule error")
	})

	t.Run("unknown column", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "column.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - id: Docs
    columns: [Owner]
rules:
  - table: Docs
    columns: Secret
    formula: "user.Access != OWNER"
    permissions: -R
`), 0o600))
		out, err := runCLI(t, "rules", "check", path, "-o", "json")
		require.Error(t, err)
		var report rulesReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.False(t, report.OK)
		assert.NotEmpty(t, report.EntityError)
	})
}

func TestAccess(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "access", docsFixture, "--email", "ed@example.com", "--role", "editors", "-o", "json")
	require.NoError(t, err)
	var report document.AccessReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, domain.RoleEditors, report.NominalAccess)
	require.Len(t, report.Tables, 2)
	assert.Equal(t, "Docs", report.Tables[0].TableID)
	assert.Equal(t, "Members", report.Tables[1].TableID)
	assert.EqualValues(t, "allow", report.Tables[1].Table["read"])

	out, err = runCLI(t, "access", docsFixture, "--session", "s-editor")
	require.NoError(t, err)
	assert.Contains(t, out, "Docs")
	assert.Contains(t, out, "editors")

	_, err = runCLI(t, "access", docsFixture, "--session", "nobody")
	assert.EqualError(t, err, `session "nobody" is not defined in the fixture`)

	_, err = runCLI(t, "access", docsFixture, "--role", "admins")
	assert.Error(t, err)
}

func TestViewAs(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "view-as", docsFixture, "--email", "own@example.com", "-o", "json")
	require.NoError(t, err)
	var users []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &users))
	emails := map[string]bool{}
	for _, u := range users {
		emails[u["email"].(string)] = true
	}
	assert.True(t, emails["ed@example.com"])
	assert.True(t, emails["owner@example.com"])

	_, err = runCLI(t, "view-as", docsFixture, "--email", "ed@example.com", "--role", "editors")
	require.Error(t, err)
	assert.True(t, domain.IsAccessDenied(err))
}

func TestSimulate(t *testing.T) {
	isolateHome(t)
	out, err := runCLI(t, "simulate", docsFixture, "-o", "json")
	require.NoError(t, err)
	var outcomes []bundleOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	got := outcomes[0]
	assert.Empty(t, got.Error)
	assert.Equal(t, int64(1), got.ActionNum)

	require.Contains(t, got.Deliveries, "s-owner")
	require.Len(t, got.Deliveries["s-owner"].DocActions, 1)
	assert.Equal(t, []int64{1, 2}, got.Deliveries["s-owner"].DocActions[0].(*domain.BulkUpdateRecord).RowIDs)

	require.Contains(t, got.Deliveries, "s-editor")
	assert.Equal(t, domain.ActionList{&domain.BulkUpdateRecord{
		TableID: "Docs", RowIDs: []int64{1}, Values: domain.BulkColValues{"Text": {"a2"}},
	}}, got.Deliveries["s-editor"].DocActions)

	out, err = runCLI(t, "simulate", docsFixture)
	require.NoError(t, err)
	assert.Contains(t, out, "bundle 1 by s-owner (update both rows): applied as #1")
}

func TestConfigProfiles(t *testing.T) {
	isolateHome(t)

	_, err := runCLI(t, "config", "set-profile", "--name", "prod", "--host", "https://docs.example.com",
		"--user-email", "ann@example.com", "--role", "owners")
	require.NoError(t, err)

	_, err = runCLI(t, "config", "set-profile", "--name", "bad", "--host", "docs.example.com")
	require.Error(t, err)

	_, err = runCLI(t, "config", "use-profile", "prod")
	require.NoError(t, err)
	_, err = runCLI(t, "config", "use-profile", "missing")
	assert.EqualError(t, err, `profile "missing" not found`)

	out, err := runCLI(t, "config", "show", "-o", "json")
	require.NoError(t, err)
	var cfg UserConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "prod", cfg.CurrentProfile)
	assert.Equal(t, Profile{Host: "https://docs.example.com", Email: "ann@example.com", Access: "owners"}, cfg.Profiles["prod"])

	_, err = runCLI(t, "version", "--profile", "missing")
	assert.EqualError(t, err, `profile "missing" not found`)
}
