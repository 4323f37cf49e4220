package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserConfig_ActiveProfile(t *testing.T) {
	cfg := &UserConfig{
		CurrentProfile: "default",
		Profiles: map[string]Profile{
			"default": {
				Host:   "http://localhost:8080",
				Output: "table",
			},
			"staging": {
				Host:   "https://staging.example.com",
				Output: "json",
				Email:  "ann@example.com",
				Access: "owners",
			},
		},
	}

	tests := []struct {
		name     string
		override string
		wantHost string
		wantErr  string
	}{
		{
			name:     "uses current profile",
			override: "",
			wantHost: "http://localhost:8080",
		},
		{
			name:     "override to staging",
			override: "staging",
			wantHost: "https://staging.example.com",
		},
		{
			name:     "nonexistent profile returns error",
			override: "nonexistent",
			wantErr:  `profile "nonexistent" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cfg.ActiveProfile(tt.override)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, p.Host)
		})
	}

	t.Run("missing current profile is empty", func(t *testing.T) {
		p, err := (&UserConfig{CurrentProfile: "gone"}).ActiveProfile("")
		require.NoError(t, err)
		assert.Equal(t, Profile{}, p)
	})
}

func TestLoadSaveUserConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	cfg := &UserConfig{
		CurrentProfile: "test",
		Profiles: map[string]Profile{
			"test": {
				Host:  "http://test:8080",
				Email: "ed@example.com",
			},
		},
	}
	require.NoError(t, SaveUserConfig(cfg))

	info, err := os.Stat(filepath.Join(dir, ".aclctl", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Equal(t, "test", loaded.CurrentProfile)
	require.Contains(t, loaded.Profiles, "test")
	assert.Equal(t, "http://test:8080", loaded.Profiles["test"].Host)
	assert.Equal(t, "ed@example.com", loaded.Profiles["test"].Email)
}

func TestLoadUserConfig_NotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := LoadUserConfig()
	require.Error(t, err)
}
