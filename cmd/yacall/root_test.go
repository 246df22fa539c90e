package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideConfig(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", filepath.Join(t.TempDir(), "none.yaml"),
		"--relay", "https://relay.example.org",
		"--media", "loopback",
		"--network", "home",
	}))

	cfg, _, err := loadConfig(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.org", cfg.Relay.URL)
	assert.Equal(t, config.MediaLoopback, cfg.Media.Driver)
	assert.Equal(t, "home", cfg.Network.Descriptor)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Listen)
}

func TestInvalidFlagValueIsRejected(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", "", "--media", "vhs"}))
	_, _, err := loadConfig(cmd.Flags())
	assert.Error(t, err)
}

func TestCallerIDFlag(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--id", "123456"}))
	id, err := callerID(cmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, domain.CallerID("123456"), id)

	cmd = newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--id", "12ab"}))
	_, err = callerID(cmd.Flags())
	assert.Error(t, err)

	cmd = newRootCmd()
	id, err = callerID(cmd.Flags())
	require.NoError(t, err)
	assert.True(t, id.Valid())
}

func TestDevicesListsLoopbackDevices(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--config", "", "--media", "loopback"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "loopback-front")
	assert.Contains(t, out.String(), "environment")
	assert.Contains(t, out.String(), "loopback-mic")
}
