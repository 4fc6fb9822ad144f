package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresPhoneNumber(t *testing.T) {
	_, err := Load([]string{})
	assert.Error(t, err)
}

func TestLoadParsesPositionalNumberAndInterface(t *testing.T) {
	cfg, err := Load([]string{"1001-0203", "eth0"})
	require.NoError(t, err)
	assert.Equal(t, "1001-0203", cfg.Number.String())
	assert.Equal(t, "eth0", cfg.Interface)
}

func TestLoadInterfaceFlagOverridesPositional(t *testing.T) {
	cfg, err := Load([]string{"-i", "eth1", "1001-0203", "eth0"})
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Interface)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"1001-0203"})
	require.NoError(t, err)
	assert.Equal(t, 7078, cfg.AudioPort)
	assert.Equal(t, 9078, cfg.VideoPort)
	assert.Equal(t, 6789, cfg.DiscoveryPort)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{"--audio", "10000", "--debug", "1001-0203"})
	require.NoError(t, err)
	assert.Equal(t, 10000, cfg.AudioPort)
	assert.True(t, cfg.Debug)
}

func TestLoadSIPPortDefaultsSeparatelyFromVoIPPort(t *testing.T) {
	cfg, err := Load([]string{"1001-0203"})
	require.NoError(t, err)
	assert.Equal(t, 5060, cfg.SIPPort)
	assert.Equal(t, 5060, cfg.VoIPPort)
}

func TestLoadSIPHostFlagOverridesAutodetect(t *testing.T) {
	cfg, err := Load([]string{"--sip-host", "203.0.113.9", "1001-0203"})
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", cfg.SIPHost)
}

func TestLoadSIPHostFallsBackToAutodetectWhenUnset(t *testing.T) {
	cfg, err := Load([]string{"1001-0203"})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.SIPHost)
}

func TestLoadSIPListenFlag(t *testing.T) {
	cfg, err := Load([]string{"--sip-listen", "0.0.0.0:5080", "1001-0203"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:5080", cfg.SIPListen)
}
