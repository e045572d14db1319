package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fexd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
watchpoint:
  - dir: /srv/project
    export: project
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSSHCommand, cfg.SSHCommand)
	assert.Equal(t, DefaultSSHUser, cfg.SSHUser)
	assert.True(t, cfg.AcceptKeys)
	assert.Equal(t, "/var/lib/fexd", cfg.StateDir)
	require.Len(t, cfg.WatchPoints, 1)
	assert.Equal(t, "/srv/project", cfg.WatchPoints[0].Dir)
	assert.Equal(t, "project", cfg.WatchPoints[0].Export)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
port: "4000"
ssh_user: alice
state_dir: /tmp/fexd-state
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "4000", cfg.Port)
	assert.Equal(t, "alice", cfg.SSHUser)
	assert.Equal(t, "/tmp/fexd-state", cfg.StateDir)
}

func TestLoadRejectsDuplicateWatchPointDir(t *testing.T) {
	path := writeConfig(t, `
watchpoint:
  - dir: /srv/a
  - dir: /srv/a
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate watchpoint dir")
}

func TestLoadRejectsWatchPointMissingDir(t *testing.T) {
	path := writeConfig(t, `
watchpoint:
  - export: project
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "missing dir")
}

func TestLoadRejectsImportMissingServerOrDir(t *testing.T) {
	path := writeConfig(t, `
import:
  - dir: /srv/mirror
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "missing server or dir")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestImportConfigKeyFallsBackToServerAsGateway(t *testing.T) {
	imp := ImportConfig{User: "fex", Server: "host.example.com", Port: "3025"}
	assert.Equal(t, "fex@host.example.com/host.example.com:3025", imp.Key())
}

func TestImportConfigKeyUsesExplicitGateway(t *testing.T) {
	imp := ImportConfig{User: "fex", Server: "host.internal", Gateway: "gw.example.com", Port: "3025"}
	assert.Equal(t, "fex@gw.example.com/host.internal:3025", imp.Key())
}

func TestImportConfigTranslatorBuildsRules(t *testing.T) {
	imp := ImportConfig{
		Translate: []TranslateRule{
			{Kind: "uid", Client: 1000, Server: 2000},
		},
	}
	tr := imp.Translator()
	require.NotNil(t, tr)
}

func TestWatchPointConfigsConvertsBlocks(t *testing.T) {
	cfg := &Config{
		WatchPoints: []WatchPointConfig{
			{Dir: "/srv/a", Export: "a", Include: []string{"**/*.go"}},
		},
	}
	out := cfg.WatchPointConfigs()
	require.Len(t, out, 1)
	assert.Equal(t, "/srv/a", out[0].Dir)
	assert.Equal(t, "a", out[0].Export)
	assert.Equal(t, []string{"**/*.go"}, out[0].Include)
}
