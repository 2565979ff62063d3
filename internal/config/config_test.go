package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func noRelay() bool { return false }

// isolate runs Load in an empty directory so no stray config file is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(Options{DetectRelay: noRelay})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebSocketURL != DefaultRelayURL {
		t.Errorf("WebSocketURL = %q", cfg.WebSocketURL)
	}
	if cfg.STUNServer != DefaultSTUN || cfg.TURNServer != "" {
		t.Errorf("ICE = %q / %q", cfg.STUNServer, cfg.TURNServer)
	}
	if cfg.NegotiationTimeout != DefaultNegotiationTimeout || cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("timeouts = %s / %s", cfg.NegotiationTimeout, cfg.ConnectTimeout)
	}
	if cfg.ForceRelay || cfg.AudioOnly {
		t.Errorf("flags = %+v", cfg)
	}
	if cfg.File != "" {
		t.Errorf("read unexpected file %q", cfg.File)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "videochat.yaml")
	content := "email: file@example.com\nstun_server: stun:file:3478\ndomain: file.example.com\nnegotiation_timeout: 20s\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{DetectRelay: noRelay})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File == "" || cfg.Email != "file@example.com" || cfg.NegotiationTimeout != 20*time.Second {
		t.Fatalf("file not applied: %+v", cfg)
	}
	if cfg.WebSocketURL != "wss://file.example.com/ws" {
		t.Errorf("WebSocketURL = %q", cfg.WebSocketURL)
	}

	t.Setenv("VIDEOCHAT_EMAIL", "env@example.com")
	t.Setenv("VIDEOCHAT_STUN_SERVER", "stun:env:3478")
	cfg, err = Load(Options{DetectRelay: noRelay})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Email != "env@example.com" || cfg.STUNServer != "stun:env:3478" {
		t.Fatalf("env does not override file: %+v", cfg)
	}

	cfg, err = Load(Options{Email: "flag@example.com", RelayURL: "ws://127.0.0.1:9000/ws", DetectRelay: noRelay})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Email != "flag@example.com" {
		t.Errorf("flag does not override env: %q", cfg.Email)
	}
	if cfg.STUNServer != "stun:env:3478" {
		t.Errorf("unset flag replaced env value: %q", cfg.STUNServer)
	}
	if cfg.WebSocketURL != "ws://127.0.0.1:9000/ws" {
		t.Errorf("relay URL does not win over domain: %q", cfg.WebSocketURL)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := isolate(t)
	_, err := Load(Options{ConfigFile: filepath.Join(dir, "missing.yaml"), DetectRelay: noRelay})
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_ForceRelay(t *testing.T) {
	isolate(t)

	if _, err := Load(Options{ForceRelay: true, DetectRelay: noRelay}); !errors.Is(err, ErrRelayWithoutTURN) {
		t.Fatalf("force relay without TURN = %v", err)
	}

	cfg, err := Load(Options{ForceRelay: true, TURNServer: "turn.example.com", DetectRelay: noRelay})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.WebRTCConfiguration().ICETransportPolicy; got != webrtc.ICETransportPolicyRelay {
		t.Errorf("policy = %s", got)
	}

	detected := func() bool { return true }
	cfg, err = Load(Options{TURNServer: "turn.example.com", DetectRelay: detected})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ForceRelay {
		t.Error("auto detection ignored")
	}

	t.Setenv("VIDEOCHAT_FORCE_RELAY", "false")
	cfg, err = Load(Options{TURNServer: "turn.example.com", DetectRelay: detected})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ForceRelay {
		t.Error("explicit false overridden by detection")
	}

	t.Setenv("VIDEOCHAT_FORCE_RELAY", "sometimes")
	if _, err := Load(Options{DetectRelay: noRelay}); err == nil {
		t.Error("invalid force_relay accepted")
	}
}

func TestLoad_InvalidTimeout(t *testing.T) {
	isolate(t)
	t.Setenv("VIDEOCHAT_CONNECT_TIMEOUT", "-1s")
	if _, err := Load(Options{DetectRelay: noRelay}); err == nil {
		t.Fatal("negative timeout accepted")
	}
}

func TestConfig_ICEServers(t *testing.T) {
	cfg := &Config{
		STUNServer: DefaultSTUN,
		TURNServer: "turn.example.com",
		TURNUser:   "user",
		TURNPass:   "pass",
	}
	servers := cfg.ICEServers()
	if len(servers) != 2 {
		t.Fatalf("servers = %+v", servers)
	}
	turn := servers[1]
	if len(turn.URLs) != 3 || turn.URLs[0] != "turn:turn.example.com:3478?transport=udp" {
		t.Errorf("TURN URLs = %v", turn.URLs)
	}
	if turn.Username != "user" || turn.Credential != "pass" {
		t.Errorf("credentials = %q / %v", turn.Username, turn.Credential)
	}

	if got := (&Config{}).ICEServers(); len(got) != 0 {
		t.Errorf("empty config servers = %+v", got)
	}
	if got := (&Config{ForceRelay: true}).WebRTCConfiguration().ICETransportPolicy; got != webrtc.ICETransportPolicyAll {
		t.Errorf("relay policy without TURN = %s", got)
	}
}

func TestTunnelLike(t *testing.T) {
	cgnat := &net.IPNet{IP: net.ParseIP("100.96.1.2"), Mask: net.CIDRMask(32, 32)}
	lan := &net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)}

	tests := []struct {
		name  string
		iface string
		addrs []net.Addr
		want  bool
	}{
		{"wireguard", "wg0", nil, true},
		{"openvpn", "tun0", []net.Addr{lan}, true},
		{"cgnat address", "eth0", []net.Addr{cgnat}, true},
		{"plain lan", "eth0", []net.Addr{lan}, false},
		{"ip addr", "en0", []net.Addr{&net.IPAddr{IP: net.ParseIP("100.64.0.1")}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tunnelLike(tt.iface, tt.addrs); got != tt.want {
				t.Errorf("tunnelLike(%s) = %v, want %v", tt.iface, got, tt.want)
			}
		})
	}
}
