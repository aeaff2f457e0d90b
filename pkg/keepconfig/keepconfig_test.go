package keepconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("KEEPCORE_BUNKER_ENABLED")
	os.Unsetenv("KEEPCORE_BUNKER_RELAYS")
	os.Unsetenv("KEEPCORE_KILL_SWITCH")
	os.Unsetenv("KEEPCORE_GLOBAL_SIGN_POLICY")

	c := Load()
	snap := c.Snapshot()
	assert.False(t, snap.BunkerEnabled)
	assert.False(t, snap.KillSwitchEnabled)
	assert.Equal(t, AskPerApp, snap.GlobalSignPolicy)
	assert.Empty(t, snap.BunkerRelays)
}

func TestAuthorizeIsIdempotentAndRevokeRemoves(t *testing.T) {
	c := Load()
	c.Authorize("a")
	c.Authorize("a")
	assert.True(t, c.IsAuthorized("a"))

	c.Revoke("a")
	assert.False(t, c.IsAuthorized("a"))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := Load()
	c.Authorize("a")
	snap := c.Snapshot()
	c.Authorize("b")
	assert.NotContains(t, snap.AuthorizedClients, "b")
	assert.Contains(t, snap.AuthorizedClients, "a")
}

func TestSetRelaysRejectsOverMax(t *testing.T) {
	c := Load()
	relays := make([]string, MaxRelays+1)
	for i := range relays {
		relays[i] = "wss://relay.example"
	}
	err := c.SetRelays(relays)
	assert.Error(t, err)
}

func TestSetProxyRejectsNonLoopbackHost(t *testing.T) {
	c := Load()
	err := c.SetProxy(Proxy{Enabled: true, Host: "10.0.0.1", Port: 1080})
	assert.Error(t, err)

	err = c.SetProxy(Proxy{Enabled: true, Host: "127.0.0.1", Port: 1080})
	assert.NoError(t, err)
}

func TestSetProxyRejectsOutOfRangePort(t *testing.T) {
	c := Load()
	err := c.SetProxy(Proxy{Enabled: true, Host: "127.0.0.1", Port: 70000})
	assert.Error(t, err)
}

func TestLoadYAMLParsesFileState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
bunker_enabled: true
bunker_relays:
  - wss://relay.one
  - wss://relay.two
kill_switch_enabled: false
global_sign_policy: ASK_PER_KIND
proxy:
  enabled: true
  host: 127.0.0.1
  port: 9050
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	c, err := LoadYAML(path)
	require.NoError(t, err)
	snap := c.Snapshot()
	assert.True(t, snap.BunkerEnabled)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, snap.BunkerRelays)
	assert.Equal(t, AskPerKind, snap.GlobalSignPolicy)
	assert.Equal(t, 9050, snap.Proxy.Port)
}

func TestLoadYAMLRejectsInvalidProxy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
proxy:
  enabled: true
  host: not-an-ip
  port: 1080
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	_, err := LoadYAML(path)
	assert.Error(t, err)
}
