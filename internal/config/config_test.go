package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateServer())
	assert.Len(t, cfg.WebRTC.PionICEServers(), 2)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"threshold above max", func(c *Config) { c.WebRTC.BufferedAmountLowThreshold = c.WebRTC.MaxBufferedAmount }, ErrInvalidBufferConfig},
		{"zero chunk", func(c *Config) { c.WebRTC.ChunkSize = 0 }, ErrInvalidChunkSize},
		{"oversized chunk", func(c *Config) { c.WebRTC.ChunkSize = MaxChunkSize + 1 }, ErrInvalidChunkSize},
		{"ceiling below two frames", func(c *Config) {
			c.WebRTC.BufferedAmountLowThreshold = 1024
			c.WebRTC.MaxBufferedAmount = 4096
		}, ErrBufferTooSmall},
		{"zero handshake timeout", func(c *Config) { c.WebRTC.HandshakeTimeout = 0 }, ErrInvalidTimeout},
		{"unknown backend", func(c *Config) { c.Signaling.Backend = "carrier-pigeon" }, ErrInvalidSignalingBackend},
		{"server backend without url", func(c *Config) { c.Signaling.ServerURL = "" }, ErrInvalidServerURL},
		{"firebase without credentials", func(c *Config) { c.Signaling.Backend = BackendFirebase }, ErrInvalidFirebaseConfig},
		{"firebase without project", func(c *Config) {
			c.Signaling.Backend = BackendFirebase
			c.Firebase.CredentialsPath = "creds.json"
		}, ErrInvalidFirebaseProjectID},
		{"zero history", func(c *Config) { c.Signaling.HistorySize = 0 }, ErrInvalidHistorySize},
		{"unknown registry mode", func(c *Config) { c.Registry.Mode = "cloud" }, ErrInvalidRegistryMode},
		{"short codes", func(c *Config) { c.Registry.CodeLength = 2 }, ErrInvalidCodeLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestValidateFirebaseComplete(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Signaling.Backend = BackendFirebase
	cfg.Firebase = FirebaseConfig{ProjectID: "p", DatabaseURL: "https://p.firebaseio.com", CredentialsPath: "c.json"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateLogLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Log.Level = "chatty"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peerdrop.yaml")
	content := `
webrtc:
  chunk_size: 8192
  handshake_timeout: 3s
  ice_servers:
    - stun:stun.example.org:3478
signaling:
  server_url: http://relay.internal:9000
registry:
  mode: local
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PEERDROP_LOG_LEVEL", "debug")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PEERDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.WebRTC.ChunkSize)
	assert.Equal(t, 3*time.Second, cfg.WebRTC.HandshakeTimeout)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.WebRTC.ICEServers)
	assert.Equal(t, "http://relay.internal:9000", cfg.Signaling.ServerURL)
	assert.Equal(t, RegistryLocal, cfg.Registry.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, uint64(1024*1024), cfg.WebRTC.MaxBufferedAmount)
	assert.Equal(t, 10, cfg.Signaling.HistorySize)
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := viper.New()
	v.Set("webrtc.chunk_size", -5)
	_, err := Load(v)
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}
