package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchRecommendedValues(t *testing.T) {
	c := Defaults()
	assert.Equal(t, 1716, c.UDPPort)
	assert.Equal(t, 1716, c.TCPPort)
	assert.Equal(t, 1<<20, c.MaxFrameBytes)
	assert.Equal(t, 30*time.Second, c.PairDeadline)
	assert.Equal(t, 10*time.Second, c.PayloadIdleTimeout)
	assert.Equal(t, 5*time.Minute, c.ForgetGrace)
	assert.NotEmpty(t, c.DeviceName)
	require.NotNil(t, c.MetricsBindAddress)
	assert.Equal(t, "0", *c.MetricsBindAddress)
}

func TestBindFlagsParsesTrustedNetworks(t *testing.T) {
	c := Defaults()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"-device-name=workstation",
		"-trusted-networks=home-wifi, office-wifi,,lab",
		"-trust-all-networks=false",
		"-udp-port=17160",
	}))

	assert.Equal(t, "workstation", c.DeviceName)
	assert.Equal(t, []string{"home-wifi", "office-wifi", "lab"}, c.TrustedNetworks)
	assert.False(t, c.TrustAllNetworks)
	assert.Equal(t, 17160, c.UDPPort)
}

func TestFinalizeDefaultsTCPPortToUDPPort(t *testing.T) {
	c := Defaults()
	c.UDPPort = 17161
	c.TCPPort = 0
	require.NoError(t, c.Finalize())
	assert.Equal(t, 17161, c.TCPPort)
}

func TestFinalizeRejectsEmptyDeviceName(t *testing.T) {
	c := Defaults()
	c.DeviceName = ""
	assert.Error(t, c.Finalize())
}
