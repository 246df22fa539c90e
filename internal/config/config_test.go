package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3500", cfg.Relay.URL)
	assert.Equal(t, 10*time.Second, cfg.Relay.WriteTimeout)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Listen)
	assert.Equal(t, MediaPion, cfg.Media.Driver)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.Servers)
	assert.Equal(t, 120*time.Second, cfg.ICE.FailedTimeout)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, port.Constraints{
		Audio: true, Video: true, Facing: port.FacingFront,
		Width: 640, Height: 480, FrameRate: 30,
	}, cfg.Constraints())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	writeFile(t, path, `
relay:
  url: https://relay.example.org
log:
  level: debug
media:
  driver: loopback
  video:
    facing: environment
ice:
  servers: ["stun:a.example.org:3478", "turn:b.example.org:3478"]
`)
	t.Setenv("YACALL_HTTP_LISTEN", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.org", cfg.Relay.URL)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.Equal(t, MediaLoopback, cfg.Media.Driver)
	assert.Equal(t, port.FacingEnvironment, cfg.Constraints().Facing)
	assert.Equal(t, []string{"stun:a.example.org:3478", "turn:b.example.org:3478"}, cfg.ICE.Servers)
	assert.Equal(t, ":9999", cfg.HTTP.Listen)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	writeFile(t, path, "network:\n  descriptor: office\n")
	t.Setenv("YACALL_NETWORK", "home")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "home", cfg.Network.Descriptor)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"driver", "YACALL_MEDIA", "gstreamer"},
		{"level", "YACALL_LOG_LEVEL", "loud"},
		{"facing", "YACALL_VIDEO_FACING", "sideways"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	writeFile(t, path, "relay: [unclosed\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "yacall.yaml")
	writeFile(t, path, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may not be registered yet; keep writing until it reports.
	require.Eventually(t, func() bool {
		if os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644) != nil {
			return false
		}
		select {
		case c := <-changes:
			return c.LogLevel() == zerolog.WarnLevel
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}
