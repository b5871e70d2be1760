package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/sshkeeper/internal/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{}
	c.LoadDefaults()
	c.DataDir = dir
	c.DatabaseDSN = filepath.Join(dir, "sshkeeper.db")
	c.SecretKeyFile = filepath.Join(dir, ".session-secret")
	c.MachineKeyFile = filepath.Join(dir, ".machine-key")
	c.BackupDir = filepath.Join(dir, "backups")
	c.MachineKeyEnv = "SSHKEEPER_TEST_MACHINE_KEY"
	c.LogLevel = "error"
	return c
}

func TestNewApp_RefusesPlaceholderSecret(t *testing.T) {
	c := testConfig(t)
	c.SecretKey = config.InsecureSecretKey

	app, err := NewApp(context.Background(), c)
	require.ErrorIs(t, err, config.ErrInsecureSecretKey)
	assert.Nil(t, app)

	_, statErr := os.Stat(c.DatabaseDSN)
	assert.True(t, os.IsNotExist(statErr), "nothing is opened before the secret is accepted")
}

func TestNewApp_GeneratesSessionSecret(t *testing.T) {
	c := testConfig(t)

	app, err := NewApp(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.db.Close() })

	b, err := os.ReadFile(c.SecretKeyFile)
	require.NoError(t, err)
	assert.Equal(t, c.SecretKey+"\n", string(b))
	assert.NotEqual(t, config.InsecureSecretKey, c.SecretKey)
}
