package cosmicconnect

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmic-connect/cosmic-connectd/internal/config"
)

func TestNewDerivesStableDeviceIDAndOpensIdentityStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	cfg.UDPPort = 0 // unused by New; LAN provider isn't started in this test
	cfg.TCPPort = 0

	core, err := New(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)
	assert.NotEmpty(t, core.Config.DeviceID)

	again, err := New(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, core.Config.DeviceID, again.Config.DeviceID, "device id must persist across restarts")
}

func TestDeviceNameFallsBackToDeviceIDWhenUnknown(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	core, err := New(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)

	assert.Equal(t, "unknown-peer", core.deviceName("unknown-peer"))
}

func TestDeviceIsPairedFalseForUnknownDevice(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	core, err := New(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)

	assert.False(t, core.deviceIsPaired("unknown-peer"))
}

func TestDeviceSenderIsNoopForUnknownDevice(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	core, err := New(context.Background(), cfg, logr.Discard())
	require.NoError(t, err)

	sender := core.deviceSender("unknown-peer")
	require.NoError(t, sender.SendPacket(nil))
}
