package netpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedWithTrustAllNetworks(t *testing.T) {
	p := New(Config{TrustAllNetworks: true})
	assert.True(t, p.Allowed())

	p.SetCurrentIdentity("some-untrusted-ssid")
	assert.True(t, p.Allowed())
}

func TestAllowedRequiresMembershipWithoutTrustAll(t *testing.T) {
	p := New(Config{TrustedSet: []string{"home-wifi"}})
	assert.False(t, p.Allowed(), "unknown current identity must not be trusted")

	p.SetCurrentIdentity("office-wifi")
	assert.False(t, p.Allowed())

	p.SetCurrentIdentity("home-wifi")
	assert.True(t, p.Allowed())
}

func TestAddRemoveTrusted(t *testing.T) {
	p := New(Config{})
	p.SetCurrentIdentity("coffee-shop")
	assert.False(t, p.Allowed())

	p.AddTrusted("coffee-shop")
	assert.True(t, p.Allowed())
	assert.Contains(t, p.TrustedSet(), "coffee-shop")

	p.RemoveTrusted("coffee-shop")
	assert.False(t, p.Allowed())
}

func TestSetTrustAllNetworksToggle(t *testing.T) {
	p := New(Config{})
	p.SetCurrentIdentity("anywhere")
	assert.False(t, p.Allowed())

	p.SetTrustAllNetworks(true)
	assert.True(t, p.Allowed())

	p.SetTrustAllNetworks(false)
	assert.False(t, p.Allowed())
}
