package instances

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/rcourtman/snowctl/internal/config"
	"github.com/rcourtman/snowctl/internal/credentials"
	snowerrors "github.com/rcourtman/snowctl/internal/errors"
)

func newManager(t *testing.T) (*Manager, *config.Config, *config.Store) {
	t.Helper()
	keyring.MockInit()
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}
	store := config.NewStore(cfg.ConfigFile())
	creds := credentials.NewStore(store, credentials.Options{DataDir: dir, ProbeTimeout: time.Second})
	return NewManager(cfg, store, creds), cfg, store
}

func defaults(t *testing.T, store *config.Store) int {
	t.Helper()
	list, err := credentials.NewStore(store, credentials.Options{DisableKeyring: true}).List()
	require.NoError(t, err)
	n := 0
	for _, s := range list {
		if s.IsDefault {
			n++
		}
	}
	return n
}

func TestFirstInstanceBecomesDefault(t *testing.T) {
	m, _, store := newManager(t)

	res, err := m.Add("https://Dev1.service-now.com/", "admin", "pw", false)
	require.NoError(t, err)
	assert.Equal(t, "dev1.service-now.com", res.Host)
	assert.True(t, res.IsDefault)
	assert.Equal(t, credentials.MethodKeyring, res.Storage)

	res, err = m.Add("dev2.service-now.com", "admin", "pw", false)
	require.NoError(t, err)
	assert.False(t, res.IsDefault)
	assert.Equal(t, 1, defaults(t, store))
}

func TestAtMostOneDefaultAcrossSequences(t *testing.T) {
	m, _, store := newManager(t)

	_, err := m.Add("a", "u", "pw", false)
	require.NoError(t, err)
	_, err = m.Add("b", "u", "pw", true)
	require.NoError(t, err)
	assert.Equal(t, 1, defaults(t, store))

	require.NoError(t, m.Use("a"))
	assert.Equal(t, 1, defaults(t, store))

	require.NoError(t, m.Remove("a"))
	assert.Equal(t, 0, defaults(t, store), "removing the default leaves no default")

	_, err = m.Add("c", "u", "pw", false)
	require.NoError(t, err)
	info, err := m.Info("c")
	require.NoError(t, err)
	assert.True(t, info.IsDefault)
	assert.Equal(t, 1, defaults(t, store))
}

func TestUseUnknownInstanceFails(t *testing.T) {
	m, _, _ := newManager(t)
	err := m.Use("ghost")
	assert.ErrorIs(t, err, snowerrors.ErrNotFound)
}

func TestRemoveDeletesStateDirectory(t *testing.T) {
	m, cfg, _ := newManager(t)
	_, err := m.Add("dev1", "admin", "pw", false)
	require.NoError(t, err)

	stateDir := cfg.InstanceDir("dev1")
	require.NoError(t, os.MkdirAll(stateDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "session.json"), []byte("{}"), 0o600))

	require.NoError(t, m.Remove("dev1"))
	_, err = os.Stat(stateDir)
	assert.True(t, os.IsNotExist(err))

	_, err = keyring.Get(credentials.ServiceID("dev1"), "admin")
	assert.ErrorIs(t, err, keyring.ErrNotFound)

	assert.ErrorIs(t, m.Remove("dev1"), snowerrors.ErrNotFound)
}

func TestAddValidatesInput(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Add(" ", "admin", "pw", false)
	assert.ErrorIs(t, err, snowerrors.ErrInvalidInput)
	_, err = m.Add("dev1", "", "pw", false)
	assert.ErrorIs(t, err, snowerrors.ErrInvalidInput)
	_, err = m.Add("dev1", "admin", "", false)
	assert.ErrorIs(t, err, snowerrors.ErrInvalidInput)
}

func TestResolveOrder(t *testing.T) {
	m, cfg, _ := newManager(t)

	_, err := m.Resolve("")
	assert.ErrorIs(t, err, snowerrors.ErrInvalidInput)

	_, err = m.Add("dflt", "admin", "pw", false)
	require.NoError(t, err)
	host, err := m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "dflt", host)

	cfg.Instance = "fromenv"
	host, err = m.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "fromenv", host)

	host, err = m.Resolve("Explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", host)
}

func TestCredentialsHonourOverrides(t *testing.T) {
	m, cfg, _ := newManager(t)
	_, err := m.Add("dev1", "admin", "stored", false)
	require.NoError(t, err)

	cred, err := m.Credentials().Get("dev1")
	require.NoError(t, err)
	assert.Equal(t, "stored", cred.Secret)

	cfg.Password = "override"
	cred, err = m.Credentials().Get("dev1")
	require.NoError(t, err)
	assert.Equal(t, "override", cred.Secret)
}
