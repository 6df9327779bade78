package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultSignalURL     = "ws://localhost:8080/ws"
	DefaultListenAddr    = ":8080"
	DefaultSTUN          = "stun:stun.l.google.com:19302"
	DefaultLogLevel      = "error"
	DefaultGatherTimeout = 10 * time.Second
)

// Config holds application configuration
type Config struct {
	// PeerID is the id this process registers under.
	PeerID string

	// SignalURL is the websocket URL of the relay.
	SignalURL string

	// ListenAddr is where `serve` accepts websocket clients.
	ListenAddr string

	// ICE servers for WebRTC
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	LogLevel      string
	GatherTimeout time.Duration

	// Compact sends session descriptions gzip+base64url encoded.
	Compact bool

	// Kinds of local media to capture.
	Video bool
	Audio bool
}

// Options carries CLI flag overrides. Zero values mean "not set".
type Options struct {
	File          string
	PeerID        string
	SignalURL     string
	ListenAddr    string
	STUNServers   []string
	TURNServer    string
	TURNUser      string
	TURNPass      string
	LogLevel      string
	GatherTimeout time.Duration
	Compact       *bool
	Video         *bool
	Audio         *bool
}

// File is the YAML configuration file layout.
type File struct {
	PeerID        string   `yaml:"peer_id,omitempty"`
	SignalURL     string   `yaml:"signal_url,omitempty"`
	ListenAddr    string   `yaml:"listen_addr,omitempty"`
	STUNServers   []string `yaml:"stun_servers,omitempty"`
	TURNServer    string   `yaml:"turn_server,omitempty"`
	TURNUser      string   `yaml:"turn_username,omitempty"`
	TURNPass      string   `yaml:"turn_password,omitempty"`
	LogLevel      string   `yaml:"log_level,omitempty"`
	GatherTimeout string   `yaml:"gather_timeout,omitempty"`
	Compact       *bool    `yaml:"compact,omitempty"`
	Media         struct {
		Video *bool `yaml:"video,omitempty"`
		Audio *bool `yaml:"audio,omitempty"`
	} `yaml:"media,omitempty"`
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. The YAML file named by Options.File or PEERSTREAM_CONFIG
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	path := first(opts.File, os.Getenv("PEERSTREAM_CONFIG"))
	var file File
	if path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		file = *f
	}

	cfg := &Config{
		PeerID:     first(opts.PeerID, os.Getenv("PEER_ID"), file.PeerID),
		SignalURL:  first(opts.SignalURL, os.Getenv("SIGNAL_URL"), file.SignalURL, DefaultSignalURL),
		ListenAddr: first(opts.ListenAddr, os.Getenv("LISTEN_ADDR"), file.ListenAddr, DefaultListenAddr),
		TURNServer: first(opts.TURNServer, os.Getenv("TURN_SERVER"), file.TURNServer),
		TURNUser:   first(opts.TURNUser, os.Getenv("TURN_USERNAME"), file.TURNUser),
		TURNPass:   first(opts.TURNPass, os.Getenv("TURN_PASSWORD"), file.TURNPass),
		LogLevel:   first(opts.LogLevel, os.Getenv("LOG_LEVEL"), file.LogLevel, DefaultLogLevel),
	}

	cfg.STUNServers = opts.STUNServers
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = splitList(os.Getenv("STUN_SERVERS"))
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = file.STUNServers
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = []string{DefaultSTUN}
	}

	cfg.GatherTimeout = opts.GatherTimeout
	if cfg.GatherTimeout == 0 {
		raw := first(os.Getenv("GATHER_TIMEOUT"), file.GatherTimeout)
		if raw == "" {
			cfg.GatherTimeout = DefaultGatherTimeout
		} else {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid gather timeout %q: %w", raw, err)
			}
			cfg.GatherTimeout = d
		}
	}

	var err error
	if cfg.Compact, err = flag(opts.Compact, "SIGNAL_COMPACT", file.Compact, false); err != nil {
		return nil, err
	}
	if cfg.Video, err = flag(opts.Video, "MEDIA_VIDEO", file.Media.Video, true); err != nil {
		return nil, err
	}
	if cfg.Audio, err = flag(opts.Audio, "MEDIA_AUDIO", file.Media.Audio, true); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile parses a YAML configuration file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks values no component can work with.
func (c *Config) Validate() error {
	if c.GatherTimeout <= 0 {
		return errors.New("gather timeout must be positive")
	}
	if c.TURNServer != "" && (c.TURNUser == "" || c.TURNPass == "") {
		return errors.New("turn server requires a username and a password")
	}
	for _, u := range c.STUNServers {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("invalid stun server %q", u)
		}
	}
	return nil
}

// ICEServers returns the STUN servers and, when configured, the TURN
// server with its credentials.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: c.STUNServers}}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNServer},
			Username:   c.TURNUser,
			Credential: c.TURNPass,
		})
	}
	return servers
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func flag(set *bool, env string, file *bool, def bool) (bool, error) {
	if set != nil {
		return *set, nil
	}
	if raw, ok := os.LookupEnv(env); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s %q: %w", env, raw, err)
		}
		return v, nil
	}
	if file != nil {
		return *file, nil
	}
	return def, nil
}
