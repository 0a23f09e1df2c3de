// ABOUTME: Tests for TOML client profile loading
// ABOUTME: Covers permission sets, missing tokens, and empty files

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadProfiles(t *testing.T) {
	path := writeProfiles(t, `
[profiles.cli]
token = "cli-token"
permissions = ["chat", "sessions.read", "sessions.write", "events"]

[profiles.dashboard]
token = "dash-token"
permissions = ["sessions.read", "events"]
`)

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, "cli-token", profiles["cli"].Token)
	assert.Contains(t, profiles["cli"].Permissions, "sessions.write")
	assert.Equal(t, []string{"sessions.read", "events"}, profiles["dashboard"].Permissions)
}

func TestLoadProfiles_MissingTokenRejected(t *testing.T) {
	path := writeProfiles(t, `
[profiles.broken]
permissions = ["chat"]
`)

	_, err := LoadProfiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadProfiles_EmptyFile(t *testing.T) {
	path := writeProfiles(t, "")

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestLoadProfiles_MissingFile(t *testing.T) {
	_, err := LoadProfiles(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
