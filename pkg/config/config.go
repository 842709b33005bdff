// Package config loads the bridge's YAML configuration file.
//
// The file recognizes the mqtt.* and camera.* keys described in the
// external interfaces table; anything else is ignored rather than
// rejected, so operators can keep unrelated keys (used by sibling
// tools in the camera fleet) in the same file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// IceServer mirrors one entry of mqtt.ice_servers[].
type IceServer struct {
	URLs           []string `yaml:"urls"`
	Username       string   `yaml:"username,omitempty"`
	Credential     string   `yaml:"credential,omitempty"`
	CredentialType string   `yaml:"credentialType,omitempty"`
}

// MQTTConfig holds the signaling-broker connection settings.
type MQTTConfig struct {
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	Username   string      `yaml:"username"`
	Password   string      `yaml:"password"`
	Transport  string      `yaml:"transport"` // "tcp" or "websockets"
	WSPath     string      `yaml:"ws_path"`
	Keepalive  int         `yaml:"keepalive"`
	Protocol   int         `yaml:"protocol"`
	ICEServers []IceServer `yaml:"ice_servers"`
}

// CameraConfig holds Shared Source puller tuning.
type CameraConfig struct {
	ReconnectInterval int `yaml:"reconnect_interval"`
	VideoWidth        int `yaml:"video_width"`
	VideoHeight       int `yaml:"video_height"`
	FPS               int `yaml:"fps"`
}

// Config is the fully merged, validated configuration document.
type Config struct {
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Camera CameraConfig `yaml:"camera"`
}

func defaults() Config {
	return Config{
		MQTT: MQTTConfig{
			Transport: "tcp",
			WSPath:    "/mqtt",
			Keepalive: 20,
			Protocol:  4,
			ICEServers: []IceServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Camera: CameraConfig{
			ReconnectInterval: 30,
			VideoWidth:        1024,
			VideoHeight:       768,
			FPS:               15,
		},
	}
}

// Load reads the configuration file at path, copying a packaged default
// into place first if the file does not yet exist, then merges the
// user document field-by-field over the built-in defaults (mirroring
// the original merge_dicts semantics: a present key always wins, an
// absent key falls through to the default).
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefaultConfig(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	var user Config
	if err := yaml.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	mergeConfig(&cfg, &user, raw)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfig overlays user-supplied fields onto cfg. Zero-value scalar
// fields are ambiguous between "absent" and "explicitly zero" in a
// struct-based unmarshal, so the merge re-parses into a generic map and
// only overwrites keys that were actually present in the document —
// the same recursive key-by-key merge the original config loader performs.
func mergeConfig(cfg *Config, user *Config, raw []byte) {
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil || generic == nil {
		return
	}

	if m, ok := generic["mqtt"].(map[string]any); ok {
		mergeMQTT(&cfg.MQTT, m, user)
	}
	if m, ok := generic["camera"].(map[string]any); ok {
		mergeCamera(&cfg.Camera, m, user)
	}
}

func mergeMQTT(dst *MQTTConfig, present map[string]any, user *Config) {
	if _, ok := present["host"]; ok {
		dst.Host = user.MQTT.Host
	}
	if _, ok := present["port"]; ok {
		dst.Port = user.MQTT.Port
	}
	if _, ok := present["username"]; ok {
		dst.Username = user.MQTT.Username
	}
	if _, ok := present["password"]; ok {
		dst.Password = user.MQTT.Password
	}
	if _, ok := present["transport"]; ok {
		dst.Transport = user.MQTT.Transport
	}
	if _, ok := present["ws_path"]; ok {
		dst.WSPath = user.MQTT.WSPath
	}
	if _, ok := present["keepalive"]; ok {
		dst.Keepalive = user.MQTT.Keepalive
	}
	if _, ok := present["protocol"]; ok {
		dst.Protocol = user.MQTT.Protocol
	}
	if ice, ok := present["ice_servers"]; ok {
		if list, ok := ice.([]any); ok && len(list) > 0 {
			dst.ICEServers = user.MQTT.ICEServers
		}
	}
}

func mergeCamera(dst *CameraConfig, present map[string]any, user *Config) {
	if _, ok := present["reconnect_interval"]; ok {
		dst.ReconnectInterval = user.Camera.ReconnectInterval
	}
	if _, ok := present["video_width"]; ok {
		dst.VideoWidth = user.Camera.VideoWidth
	}
	if _, ok := present["video_height"]; ok {
		dst.VideoHeight = user.Camera.VideoHeight
	}
	if _, ok := present["fps"]; ok {
		dst.FPS = user.Camera.FPS
	}
}

// Validate checks the required mqtt fields are present.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("missing mqtt.host")
	}
	if c.MQTT.Port == 0 {
		return fmt.Errorf("missing mqtt.port")
	}
	if c.MQTT.Username == "" {
		return fmt.Errorf("missing mqtt.username")
	}
	if c.Camera.ReconnectInterval <= 0 {
		return fmt.Errorf("camera.reconnect_interval must be positive, got %d", c.Camera.ReconnectInterval)
	}
	return nil
}

func writeDefaultConfig(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	cfg := defaults()
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
