// Package config holds the process configuration: defaults, the optional YAML
// file, environment overrides and validation into a runnable mode.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/rtctun/internal/util"
)

// SecretEnv names the environment variable holding the shared secret.
const SecretEnv = "RTCTUN_SHARED_SECRET"

// MaxSecretLength is the longest accepted shared secret.
const MaxSecretLength = 1015

// Mode is what the process does once started.
type Mode string

const (
	ModeServer       Mode = "server"
	ModeLocalForward Mode = "forward"
	ModePipe         Mode = "pipe"
	ModePing         Mode = "ping"
)

// Client reports whether m is one of the client modes.
func (m Mode) Client() bool {
	return m != ModeServer
}

// Target is a host:port the server is asked to connect to.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// TURNServer is a relay with credentials.
type TURNServer struct {
	URL        string `yaml:"url"`
	Username   string `yaml:"username"`
	Credential string `yaml:"credential"`
}

// Config stores everything gathered from defaults, file, environment and
// flags. The fields after the yaml:"-" marker are filled by Validate.
type Config struct {
	// Client
	Peer     string `yaml:"peer"`      // signaling URL of the server
	Forward  string `yaml:"forward"`   // <localport>:<host>:<port>
	Pipe     string `yaml:"pipe"`      // <host>:<port>
	Ping     bool   `yaml:"ping"`      // round-trip probe and exit
	BindHost string `yaml:"bind_host"` // local listener host, empty = all interfaces

	// Server
	Listen            string   `yaml:"listen"`             // signaling listen address
	AllowedIdentities []string `yaml:"allowed_identities"` // empty = anyone with the secret
	RulesFile         string   `yaml:"rules_file"`         // target whitelist
	HandshakeRate     float64  `yaml:"handshake_rate"`     // signaling handshakes per second
	HandshakeBurst    int      `yaml:"handshake_burst"`

	// Common
	Secret    string       `yaml:"secret"`
	ConfigDir string       `yaml:"config_dir"`
	STUN      []string     `yaml:"stun"`
	TURN      []TURNServer `yaml:"turn"`
	UDPPorts  string       `yaml:"udp_ports"` // <min>:<max>
	Verbosity int          `yaml:"verbosity"`
	Quiet     bool         `yaml:"quiet"`
	PIDFile   string       `yaml:"pid_file"`
	Reconnect bool         `yaml:"reconnect"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`
	TunnelTimeout    Duration `yaml:"tunnel_timeout"`
	PingTimeout      Duration `yaml:"ping_timeout"`
	DialTimeout      Duration `yaml:"dial_timeout"`
	StatsInterval    Duration `yaml:"stats_interval"`

	Mode    Mode   `yaml:"-"`
	Local   int    `yaml:"-"` // forward mode local port
	Target  Target `yaml:"-"` // forward and pipe mode target
	PortMin uint16 `yaml:"-"`
	PortMax uint16 `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:           ":8443",
		HandshakeRate:    5,
		HandshakeBurst:   10,
		STUN:             []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
		HandshakeTimeout: Duration(90 * time.Second),
		TunnelTimeout:    Duration(30 * time.Second),
		PingTimeout:      Duration(30 * time.Second),
		DialTimeout:      Duration(10 * time.Second),
		StatsInterval:    Duration(10 * time.Second),
	}
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv fills the secret from the environment when none is configured.
func (c *Config) ApplyEnv() {
	if c.Secret == "" {
		c.Secret = os.Getenv(SecretEnv)
	}
}

// Validate checks the configuration and resolves Mode, Local, Target and the
// UDP port range.
func (c *Config) Validate() error {
	modes := 0
	if c.Forward != "" {
		modes++
		c.Mode = ModeLocalForward
	}
	if c.Pipe != "" {
		modes++
		c.Mode = ModePipe
	}
	if c.Ping {
		modes++
		c.Mode = ModePing
	}

	switch {
	case modes > 1:
		return errors.New("only one of -L, -W and -p may be given")
	case modes == 0 && c.Peer != "":
		return errors.New("a peer was given without -L, -W or -p")
	case modes == 0:
		c.Mode = ModeServer
	}

	if c.Mode.Client() {
		if c.Peer == "" {
			return errors.New("missing peer (-i) for client mode")
		}
		peer, err := NormalizePeerURL(c.Peer)
		if err != nil {
			return err
		}
		c.Peer = peer
	}

	switch c.Mode {
	case ModeLocalForward:
		local, target, err := ParseLocalForward(c.Forward)
		if err != nil {
			return err
		}
		c.Local, c.Target = local, target
	case ModePipe:
		target, err := ParseTarget(c.Pipe)
		if err != nil {
			return err
		}
		c.Target = target
	case ModeServer:
		if c.Listen == "" {
			return errors.New("missing signaling listen address")
		}
		if c.HandshakeRate <= 0 || c.HandshakeBurst <= 0 {
			return errors.New("handshake rate and burst must be positive")
		}
	}

	if len(c.Secret) > MaxSecretLength {
		return fmt.Errorf("shared secret longer than %d characters", MaxSecretLength)
	}

	if c.UDPPorts != "" {
		lo, hi, err := ParsePortRange(c.UDPPorts)
		if err != nil {
			return err
		}
		c.PortMin, c.PortMax = lo, hi
	}

	for name, d := range map[string]Duration{
		"handshake_timeout": c.HandshakeTimeout,
		"tunnel_timeout":    c.TunnelTimeout,
		"ping_timeout":      c.PingTimeout,
		"dial_timeout":      c.DialTimeout,
		"stats_interval":    c.StatsInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// LogLevel returns the level implied by verbosity and mode. Pipe mode logs
// errors only unless verbosity was raised.
func (c *Config) LogLevel() pterm.LogLevel {
	if c.Mode == ModePipe && c.Verbosity == 0 {
		return pterm.LogLevelError
	}
	return util.LevelFromFlags(c.Verbosity, c.Quiet)
}

// ---------------------------------------------------------------------------
// Parsers
// ---------------------------------------------------------------------------

// ParseLocalForward parses <localport>:<host>:<port>. IPv6 hosts are written
// in brackets, e.g. 2222:[::1]:22.
func ParseLocalForward(spec string) (int, Target, error) {
	local, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, Target{}, fmt.Errorf("invalid forward %q: want <localport>:<host>:<port>", spec)
	}
	port, err := parsePort(local)
	if err != nil {
		return 0, Target{}, fmt.Errorf("invalid forward %q: local %w", spec, err)
	}
	target, err := ParseTarget(rest)
	if err != nil {
		return 0, Target{}, fmt.Errorf("invalid forward %q: %w", spec, err)
	}
	return int(port), target, nil
}

// ParseTarget parses <host>:<port>.
func ParseTarget(spec string) (Target, error) {
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", spec, err)
	}
	if host == "" {
		return Target{}, fmt.Errorf("invalid target %q: empty host", spec)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", spec, err)
	}
	return Target{Host: host, Port: port}, nil
}

// ParsePortRange parses <min>:<max>.
func ParsePortRange(spec string) (uint16, uint16, error) {
	loStr, hiStr, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range %q: want <min>:<max>", spec)
	}
	lo, err := parsePort(loStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	hi, err := parsePort(hiStr)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("invalid port range %q: min above max", spec)
	}
	return lo, hi, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q must be 1~65535", s)
	}
	return uint16(n), nil
}

// NormalizePeerURL validates a signaling URL. A bare host[:port] becomes
// wss://host[:port]/ws; a missing path becomes /ws.
func NormalizePeerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid peer URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid peer URL scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration is a time.Duration written as a string ("90s") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
