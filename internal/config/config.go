package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// MaxChunkSize keeps a hex encoded chunk frame within a single SCTP message.
const MaxChunkSize = 32000

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidChunkSize           = errors.New("chunk size must be between 1 and 32000 bytes")
	ErrBufferTooSmall             = errors.New("max buffered amount must fit at least two encoded chunks")
	ErrInvalidTimeout             = errors.New("timeouts and intervals must be greater than 0")
	ErrInvalidSignalingBackend    = errors.New("signaling backend must be \"server\" or \"firebase\"")
	ErrInvalidServerURL           = errors.New("signaling server URL must be set")
	ErrInvalidHistorySize         = errors.New("signaling history size must be greater than 0")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidRegistryMode        = errors.New("registry mode must be \"server\" or \"local\"")
	ErrInvalidDatabasePath        = errors.New("registry database path must be set")
	ErrInvalidCodeLength          = errors.New("code length must be between 4 and 32")
	ErrInvalidListenAddr          = errors.New("server listen address must be set")
)

const (
	BackendServer   = "server"
	BackendFirebase = "firebase"

	RegistryServer = "server"
	RegistryLocal  = "local"
)

// Config holds all application configuration
type Config struct {
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Firebase  FirebaseConfig  `mapstructure:"firebase"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// WebRTCConfig holds WebRTC-specific configuration
type WebRTCConfig struct {
	ICEServers                 []string      `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64        `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64        `mapstructure:"max_buffered_amount"`
	ChunkSize                  int           `mapstructure:"chunk_size"`
	HandshakeTimeout           time.Duration `mapstructure:"handshake_timeout"`
	NegotiationTimeout         time.Duration `mapstructure:"negotiation_timeout"`
	DrainPollInterval          time.Duration `mapstructure:"drain_poll_interval"`
}

// TransferConfig bounds how long a session may sit idle.
type TransferConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
}

// SignalingConfig selects and tunes the relay that carries offers, answers
// and candidates.
type SignalingConfig struct {
	Backend      string        `mapstructure:"backend"`
	ServerURL    string        `mapstructure:"server_url"`
	HistorySize  int           `mapstructure:"history_size"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// RegistryConfig describes where transfer records live.
type RegistryConfig struct {
	Mode            string        `mapstructure:"mode"`
	DatabasePath    string        `mapstructure:"database_path"`
	TransferTTL     time.Duration `mapstructure:"transfer_ttl"`
	CodeLength      int           `mapstructure:"code_length"`
	MaxCodeAttempts int           `mapstructure:"max_code_attempts"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		WebRTC: WebRTCConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			BufferedAmountLowThreshold: 512 * 1024,  // 512 KB
			MaxBufferedAmount:          1024 * 1024, // 1 MB
			ChunkSize:                  16 * 1024,
			HandshakeTimeout:           10 * time.Second,
			NegotiationTimeout:         60 * time.Second,
			DrainPollInterval:          10 * time.Millisecond,
		},
		Transfer: TransferConfig{
			IdleTimeout: 30 * time.Second,
			AckTimeout:  30 * time.Second,
		},
		Signaling: SignalingConfig{
			Backend:      BackendServer,
			ServerURL:    "http://localhost:8080",
			HistorySize:  10,
			SessionTTL:   10 * time.Minute,
			PollInterval: time.Second,
		},
		Registry: RegistryConfig{
			Mode:            RegistryServer,
			DatabasePath:    "peerdrop.db",
			TransferTTL:     24 * time.Hour,
			CodeLength:      6,
			MaxCodeAttempts: 10,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load overlays values from v (config file, environment, bound flags) on
// top of the defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults registers every key with its default so that environment
// variables are honoured by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	defaults := map[string]any{
		"webrtc.ice_servers":                   d.WebRTC.ICEServers,
		"webrtc.buffered_amount_low_threshold": d.WebRTC.BufferedAmountLowThreshold,
		"webrtc.max_buffered_amount":           d.WebRTC.MaxBufferedAmount,
		"webrtc.chunk_size":                    d.WebRTC.ChunkSize,
		"webrtc.handshake_timeout":             d.WebRTC.HandshakeTimeout,
		"webrtc.negotiation_timeout":           d.WebRTC.NegotiationTimeout,
		"webrtc.drain_poll_interval":           d.WebRTC.DrainPollInterval,
		"transfer.idle_timeout":                d.Transfer.IdleTimeout,
		"transfer.ack_timeout":                 d.Transfer.AckTimeout,
		"signaling.backend":                    d.Signaling.Backend,
		"signaling.server_url":                 d.Signaling.ServerURL,
		"signaling.history_size":               d.Signaling.HistorySize,
		"signaling.session_ttl":                d.Signaling.SessionTTL,
		"signaling.poll_interval":              d.Signaling.PollInterval,
		"firebase.project_id":                  d.Firebase.ProjectID,
		"firebase.database_url":                d.Firebase.DatabaseURL,
		"firebase.credentials_path":            d.Firebase.CredentialsPath,
		"registry.mode":                        d.Registry.Mode,
		"registry.database_path":               d.Registry.DatabasePath,
		"registry.transfer_ttl":                d.Registry.TransferTTL,
		"registry.code_length":                 d.Registry.CodeLength,
		"registry.max_code_attempts":           d.Registry.MaxCodeAttempts,
		"server.listen_addr":                   d.Server.ListenAddr,
		"server.shutdown_timeout":              d.Server.ShutdownTimeout,
		"log.level":                            d.Log.Level,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	w := c.WebRTC
	if w.BufferedAmountLowThreshold >= w.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if w.ChunkSize <= 0 || w.ChunkSize > MaxChunkSize {
		return ErrInvalidChunkSize
	}
	if w.MaxBufferedAmount < uint64(2*(2*w.ChunkSize+256)) {
		return ErrBufferTooSmall
	}
	if w.HandshakeTimeout <= 0 || w.NegotiationTimeout <= 0 || w.DrainPollInterval <= 0 {
		return ErrInvalidTimeout
	}
	if c.Transfer.IdleTimeout <= 0 || c.Transfer.AckTimeout <= 0 {
		return ErrInvalidTimeout
	}

	switch c.Signaling.Backend {
	case BackendServer:
		if c.Signaling.ServerURL == "" {
			return ErrInvalidServerURL
		}
	case BackendFirebase:
		if err := c.Firebase.Validate(); err != nil {
			return err
		}
		if c.Signaling.PollInterval <= 0 {
			return ErrInvalidTimeout
		}
	default:
		return ErrInvalidSignalingBackend
	}
	if c.Signaling.HistorySize <= 0 {
		return ErrInvalidHistorySize
	}
	if c.Signaling.SessionTTL <= 0 {
		return ErrInvalidTimeout
	}

	switch c.Registry.Mode {
	case RegistryServer:
		if c.Signaling.ServerURL == "" {
			return ErrInvalidServerURL
		}
	case RegistryLocal:
	default:
		return ErrInvalidRegistryMode
	}
	if c.Registry.CodeLength < 4 || c.Registry.CodeLength > 32 {
		return ErrInvalidCodeLength
	}
	if c.Registry.TransferTTL <= 0 {
		return ErrInvalidTimeout
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// ValidateServer checks the settings only the serve command needs.
func (c *Config) ValidateServer() error {
	if c.Server.ListenAddr == "" {
		return ErrInvalidListenAddr
	}
	if c.Registry.DatabasePath == "" {
		return ErrInvalidDatabasePath
	}
	if c.Server.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Validate checks the Firebase settings required by the firebase backend.
func (f FirebaseConfig) Validate() error {
	if f.CredentialsPath == "" {
		return ErrInvalidFirebaseConfig
	}
	if f.ProjectID == "" {
		return ErrInvalidFirebaseProjectID
	}
	if f.DatabaseURL == "" {
		return ErrInvalidFirebaseDatabaseURL
	}
	return nil
}

// PionICEServers converts the configured URLs for webrtc.Configuration.
func (w WebRTCConfig) PionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(w.ICEServers))
	for _, url := range w.ICEServers {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return servers
}
