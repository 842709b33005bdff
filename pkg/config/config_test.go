package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
)

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	_, err = config.Load(path)
	require.Error(t, err) // default has no mqtt.host/username, must fail Validate

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should have been written")
}

func TestLoadMergesUserOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	err := os.WriteFile(path, []byte(`
mqtt:
  host: broker.example.com
  port: 1883
  username: bridge
camera:
  fps: 30
`), 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "broker.example.com", cfg.MQTT.Host)
	require.Equal(t, 1883, cfg.MQTT.Port)
	require.Equal(t, "bridge", cfg.MQTT.Username)
	// keepalive absent from the user file, default of 20 must survive
	require.Equal(t, 20, cfg.MQTT.Keepalive)
	require.Equal(t, "/mqtt", cfg.MQTT.WSPath)
	require.Len(t, cfg.MQTT.ICEServers, 1)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.MQTT.ICEServers[0].URLs)

	// camera.fps overridden, other camera fields default
	require.Equal(t, 30, cfg.Camera.FPS)
	require.Equal(t, 30, cfg.Camera.ReconnectInterval)
	require.Equal(t, 1024, cfg.Camera.VideoWidth)
}

func TestLoadUserICEServersOverrideDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	err := os.WriteFile(path, []byte(`
mqtt:
  host: broker.example.com
  port: 1883
  username: bridge
  ice_servers:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
`), 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.MQTT.ICEServers, 1)
	require.Equal(t, "turn:turn.example.com:3478", cfg.MQTT.ICEServers[0].URLs[0])
	require.Equal(t, "u", cfg.MQTT.ICEServers[0].Username)
}

func TestValidateRejectsMissingHost(t *testing.T) {
	cfg := &config.Config{}
	cfg.Camera.ReconnectInterval = 30
	require.Error(t, cfg.Validate())
}
