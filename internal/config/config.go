package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultRelayURL           = "ws://localhost:8080/ws"
	DefaultSTUN               = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 15 * time.Second
	DefaultConnectTimeout     = 30 * time.Second

	envPrefix = "VIDEOCHAT"
	fileName  = "videochat"
)

// Config keys, also used as file keys and, upper-cased with the
// VIDEOCHAT_ prefix, as environment variables.
const (
	KeyDomain             = "domain"
	KeyRelayURL           = "relay_url"
	KeySTUNServer         = "stun_server"
	KeyTURNServer         = "turn_server"
	KeyTURNUser           = "turn_username"
	KeyTURNPass           = "turn_password"
	KeyForceRelay         = "force_relay"
	KeyEmail              = "email"
	KeyAudioOnly          = "audio_only"
	KeyNegotiationTimeout = "negotiation_timeout"
	KeyConnectTimeout     = "connect_timeout"
)

var ErrRelayWithoutTURN = errors.New("cannot force relay mode without TURN server configured")

// Config holds application configuration
type Config struct {
	// Domain of a hosted relay. Ignored when RelayURL is set explicitly.
	Domain string

	// WebSocketURL is the relay endpoint
	WebSocketURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN candidates
	ForceRelay bool

	Email     string
	AudioOnly bool

	NegotiationTimeout time.Duration
	ConnectTimeout     time.Duration

	// File is the config file that was read, if any.
	File string
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not given on the command line".
type Options struct {
	ConfigFile string

	Domain     string
	RelayURL   string
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
	Email      string
	AudioOnly  bool

	NegotiationTimeout time.Duration
	ConnectTimeout     time.Duration

	// DetectRelay decides force_relay=auto. nil uses ShouldForceRelay.
	DetectRelay func() bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDomain, "")
	v.SetDefault(KeyRelayURL, "")
	v.SetDefault(KeySTUNServer, DefaultSTUN)
	v.SetDefault(KeyTURNServer, "")
	v.SetDefault(KeyTURNUser, "")
	v.SetDefault(KeyTURNPass, "")
	v.SetDefault(KeyForceRelay, "auto")
	v.SetDefault(KeyEmail, "")
	v.SetDefault(KeyAudioOnly, false)
	v.SetDefault(KeyNegotiationTimeout, DefaultNegotiationTimeout)
	v.SetDefault(KeyConnectTimeout, DefaultConnectTimeout)
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables (VIDEOCHAT_*)
// 3. Config file (--config, or videochat.{yaml,toml,json} in the user
// config dir or the working directory)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := readFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	overrides := map[string]any{
		KeyDomain:     opts.Domain,
		KeyRelayURL:   opts.RelayURL,
		KeySTUNServer: opts.STUNServer,
		KeyTURNServer: opts.TURNServer,
		KeyTURNUser:   opts.TURNUser,
		KeyTURNPass:   opts.TURNPass,
		KeyEmail:      opts.Email,
	}
	for key, val := range overrides {
		if val != "" {
			v.Set(key, val)
		}
	}
	if opts.ForceRelay {
		v.Set(KeyForceRelay, "true")
	}
	if opts.AudioOnly {
		v.Set(KeyAudioOnly, true)
	}
	if opts.NegotiationTimeout > 0 {
		v.Set(KeyNegotiationTimeout, opts.NegotiationTimeout)
	}
	if opts.ConnectTimeout > 0 {
		v.Set(KeyConnectTimeout, opts.ConnectTimeout)
	}

	cfg := &Config{
		Domain:             v.GetString(KeyDomain),
		STUNServer:         v.GetString(KeySTUNServer),
		TURNServer:         v.GetString(KeyTURNServer),
		TURNUser:           v.GetString(KeyTURNUser),
		TURNPass:           v.GetString(KeyTURNPass),
		Email:              v.GetString(KeyEmail),
		AudioOnly:          v.GetBool(KeyAudioOnly),
		NegotiationTimeout: v.GetDuration(KeyNegotiationTimeout),
		ConnectTimeout:     v.GetDuration(KeyConnectTimeout),
		File:               v.ConfigFileUsed(),
	}

	switch relayURL := v.GetString(KeyRelayURL); {
	case relayURL != "":
		cfg.WebSocketURL = relayURL
	case cfg.Domain != "":
		cfg.WebSocketURL = fmt.Sprintf("wss://%s/ws", cfg.Domain)
	default:
		cfg.WebSocketURL = DefaultRelayURL
	}

	forceRelay, err := parseForceRelay(v.GetString(KeyForceRelay))
	if err != nil {
		return nil, err
	}
	switch {
	case forceRelay != nil && *forceRelay:
		if cfg.TURNServer == "" {
			return nil, ErrRelayWithoutTURN
		}
		cfg.ForceRelay = true
	case forceRelay == nil && cfg.TURNServer != "":
		detect := opts.DetectRelay
		if detect == nil {
			detect = ShouldForceRelay
		}
		cfg.ForceRelay = detect()
	}

	if cfg.NegotiationTimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", KeyNegotiationTimeout, cfg.NegotiationTimeout)
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("%s must be positive, got %s", KeyConnectTimeout, cfg.ConnectTimeout)
	}

	return cfg, nil
}

func readFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(fileName)
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, fileName))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// parseForceRelay returns nil for "auto".
func parseForceRelay(s string) (*bool, error) {
	var b bool
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return nil, nil
	case "1", "true", "yes", "on":
		b = true
	case "0", "false", "no", "off":
		b = false
	default:
		return nil, fmt.Errorf("%s: invalid value %q (want auto, true or false)", KeyForceRelay, s)
	}
	return &b, nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// ICEServers returns the STUN and TURN servers for a peer connection.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := c.GetSTUNServers(); stun != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := c.GetTURNServers(); turn != nil {
		username, password := c.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn,
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// WebRTCConfiguration returns the peer connection configuration.
func (c *Config) WebRTCConfiguration() webrtc.Configuration {
	policy := webrtc.ICETransportPolicyAll
	if c.ForceRelay && c.TURNServer != "" {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:         c.ICEServers(),
		ICETransportPolicy: policy,
	}
}
