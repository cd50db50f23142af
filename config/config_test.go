package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-branch/result"
)

func TestApplyDefaults(t *testing.T) {
	var c BranchConfig
	c.ApplyDefaults()

	assert.Equal(t, []string{"localhost"}, c.AdvertisingInterfaces)
	assert.Equal(t, "ff02::8000:2439", c.AdvertisingAddress)
	assert.Equal(t, uint16(13531), c.AdvertisingPort)
	assert.Equal(t, time.Second, c.AdvertisingInterval)
	assert.Equal(t, time.Second*3, c.Timeout)
	assert.Equal(t, 35000, c.TxQueueSize)
	assert.Equal(t, 35000, c.RxQueueSize)
	assert.Equal(t, "info", c.Log.Level)
	require.NoError(t, c.Validate())
}

func TestValidateRejectsQueueSizes(t *testing.T) {
	var c BranchConfig
	c.ApplyDefaults()
	c.TxQueueSize = MinTxQueueSize - 1

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, result.ErrConfigNotValid))

	c.TxQueueSize = MaxTxQueueSize
	c.RxQueueSize = MaxRxQueueSize + 1
	assert.Error(t, c.Validate())
}

func TestValidateRejectsAdvertisingAddress(t *testing.T) {
	var c BranchConfig
	c.ApplyDefaults()
	c.AdvertisingAddress = "not-an-ip"
	assert.Error(t, c.Validate())
}

func TestLoadBytes(t *testing.T) {
	content := []byte(`
name: alpha
network_name: plant
network_password: secret
advertising_address: 127.0.0.1
advertising_port: 40123
advertising_interval: 250ms
timeout: 2s
tx_queue_size: 50000
log:
  level: debug
status:
  enabled: true
`)

	c, err := LoadBytes(content)
	require.NoError(t, err)

	assert.Equal(t, "alpha", c.Name)
	assert.Equal(t, "plant", c.NetworkName)
	assert.Equal(t, "secret", c.NetworkPassword)
	assert.Equal(t, "127.0.0.1", c.AdvertisingAddress)
	assert.Equal(t, uint16(40123), c.AdvertisingPort)
	assert.Equal(t, time.Millisecond*250, c.AdvertisingInterval)
	assert.Equal(t, time.Second*2, c.Timeout)
	assert.Equal(t, 50000, c.TxQueueSize)
	assert.Equal(t, 35000, c.RxQueueSize)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Status.Enabled)
	assert.Equal(t, StatusAddress, c.Status.Address)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nnetwork_name: plant\n"), 0600))

	t.Setenv("BRANCH_NAME", "from-env")
	t.Setenv("BRANCH_LOG_LEVEL", "warn")
	t.Setenv("BRANCH_GHOST_MODE", "true")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Name)
	assert.Equal(t, "plant", c.NetworkName)
	assert.Equal(t, "warn", c.Log.Level)
	assert.True(t, c.GhostMode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, result.CodeReadFileFailed, result.FromError(err))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "network_name", envKey("BRANCH_NETWORK_NAME"))
	assert.Equal(t, "log.level", envKey("BRANCH_LOG_LEVEL"))
	assert.Equal(t, "status.address", envKey("BRANCH_STATUS_ADDRESS"))
	assert.Equal(t, "tx_queue_size", envKey("BRANCH_TX_QUEUE_SIZE"))
}
