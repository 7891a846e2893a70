package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"relaymon/internal/models"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBindIP          = "127.0.0.1"
	DefaultTelemetryPort   = 49152
	DefaultFileRelayPort   = 49153
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultProcessName     = "test_client"
	DefaultUpstreamAddr    = "127.0.0.1:8888"
	DefaultDownstreamAddr  = "127.0.0.1:5000"
	DefaultRelayFilePrefix = "room"
	DefaultRelayFileExt    = "dwm"
	DefaultArtifactSuffix  = ".pcm"
	DefaultDialTimeout     = 5 * time.Second
	DefaultHistoryPoints   = 60

	// HTTPDisabled as http_addr turns the status API off.
	HTTPDisabled = "off"

	envPrefix = "RELAYMON_"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

// Config holds every agent setting. Values are resolved in order: defaults,
// YAML file, RELAYMON_* environment, command-line flags.
type Config struct {
	BindIP        string   `yaml:"bind_ip"`
	TelemetryPort int      `yaml:"telemetry_port"`
	FileRelayPort int      `yaml:"file_relay_port"`
	HTTPAddr      string   `yaml:"http_addr"` // "off" disables the status API
	HTTPAllow     []string `yaml:"http_allow,omitempty"`

	ProcessName    string `yaml:"process_name"`
	UpstreamAddr   string `yaml:"upstream_addr"`
	DownstreamAddr string `yaml:"downstream_addr"`

	RelayFilePrefix string `yaml:"relay_file_prefix"`
	RelayFileExt    string `yaml:"relay_file_ext"`
	RelayDir        string `yaml:"relay_dir"`
	ArtifactDir     string `yaml:"artifact_dir"`
	ArtifactSuffix  string `yaml:"artifact_suffix"`

	// NodeID overrides the random node identifier when set.
	NodeID *int `yaml:"node_id,omitempty"`

	StatusFraming  models.StatusFraming `yaml:"status_framing"`
	StrictLength   bool                 `yaml:"strict_length"`
	ReadTimeout    time.Duration        `yaml:"read_timeout"`
	DialTimeout    time.Duration        `yaml:"dial_timeout"`
	MaxConnections int                  `yaml:"max_connections"`
	HistoryPoints  int                  `yaml:"history_points"`
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file, then fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.BindIP == "" {
		cfg.BindIP = DefaultBindIP
	}
	if cfg.TelemetryPort == 0 {
		cfg.TelemetryPort = DefaultTelemetryPort
	}
	if cfg.FileRelayPort == 0 {
		cfg.FileRelayPort = DefaultFileRelayPort
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.ProcessName == "" {
		cfg.ProcessName = DefaultProcessName
	}
	if cfg.UpstreamAddr == "" {
		cfg.UpstreamAddr = DefaultUpstreamAddr
	}
	if cfg.DownstreamAddr == "" {
		cfg.DownstreamAddr = DefaultDownstreamAddr
	}
	if cfg.RelayFilePrefix == "" {
		cfg.RelayFilePrefix = DefaultRelayFilePrefix
	}
	if cfg.RelayFileExt == "" {
		cfg.RelayFileExt = DefaultRelayFileExt
	}
	if cfg.RelayDir == "" {
		cfg.RelayDir = "."
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = "."
	}
	if cfg.ArtifactSuffix == "" {
		cfg.ArtifactSuffix = DefaultArtifactSuffix
	}
	if cfg.StatusFraming == "" {
		cfg.StatusFraming = models.FramingFixed256
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.HistoryPoints == 0 {
		cfg.HistoryPoints = DefaultHistoryPoints
	}
}

// ApplyEnv overrides cfg with any RELAYMON_* variables that are set.
// Unparseable numbers and durations are ignored.
func ApplyEnv(cfg *Config) {
	cfg.BindIP = env("BIND_IP", cfg.BindIP)
	cfg.TelemetryPort = envInt("TELEMETRY_PORT", cfg.TelemetryPort)
	cfg.FileRelayPort = envInt("FILE_RELAY_PORT", cfg.FileRelayPort)
	cfg.HTTPAddr = env("HTTP_ADDR", cfg.HTTPAddr)
	if v := env("HTTP_ALLOW", ""); v != "" {
		cfg.HTTPAllow = splitList(v)
	}
	cfg.ProcessName = env("PROCESS_NAME", cfg.ProcessName)
	cfg.UpstreamAddr = env("UPSTREAM_ADDR", cfg.UpstreamAddr)
	cfg.DownstreamAddr = env("DOWNSTREAM_ADDR", cfg.DownstreamAddr)
	cfg.RelayFilePrefix = env("RELAY_FILE_PREFIX", cfg.RelayFilePrefix)
	cfg.RelayFileExt = env("RELAY_FILE_EXT", cfg.RelayFileExt)
	cfg.RelayDir = env("RELAY_DIR", cfg.RelayDir)
	cfg.ArtifactDir = env("ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.ArtifactSuffix = env("ARTIFACT_SUFFIX", cfg.ArtifactSuffix)
	if v := env("NODE_ID", ""); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.NodeID = &id
		}
	}
	cfg.StatusFraming = models.StatusFraming(strings.ToLower(env("STATUS_FRAMING", string(cfg.StatusFraming))))
	cfg.StrictLength = envBool("STRICT_LENGTH", cfg.StrictLength)
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.DialTimeout = envDuration("DIAL_TIMEOUT", cfg.DialTimeout)
	cfg.MaxConnections = envInt("MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.HistoryPoints = envInt("HISTORY_POINTS", cfg.HistoryPoints)
}

// Parse resolves the full configuration from args (without the program name).
// A --config file is loaded first, then the environment, then explicitly set
// flags. pflag.ErrHelp is returned unwrapped for --help.
func Parse(args []string) (Config, error) {
	var (
		path string
		fv   = Default()
		id   int
	)

	flagSet := pflag.NewFlagSet("relaymon", pflag.ContinueOnError)
	flagSet.StringVarP(&path, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&fv.BindIP, "bind-ip", fv.BindIP, "address the telemetry and file relay listeners bind to")
	flagSet.IntVar(&fv.TelemetryPort, "telemetry-port", fv.TelemetryPort, "telemetry listener port")
	flagSet.IntVar(&fv.FileRelayPort, "file-relay-port", fv.FileRelayPort, "file relay listener port")
	flagSet.StringVar(&fv.HTTPAddr, "http-addr", fv.HTTPAddr, `status API address ("off" to disable)`)
	flagSet.StringSliceVar(&fv.HTTPAllow, "http-allow", nil, "IPs or CIDR prefixes allowed to reach the status API (default: all)")
	flagSet.StringVar(&fv.ProcessName, "process-name", fv.ProcessName, "worker process name to track at startup")
	flagSet.StringVar(&fv.UpstreamAddr, "upstream", fv.UpstreamAddr, "collector address for status messages")
	flagSet.StringVar(&fv.DownstreamAddr, "downstream", fv.DownstreamAddr, "endpoint receiving artifact batches")
	flagSet.StringVar(&fv.RelayFilePrefix, "relay-prefix", fv.RelayFilePrefix, "file name prefix for relayed files")
	flagSet.StringVar(&fv.RelayFileExt, "relay-ext", fv.RelayFileExt, "file extension for relayed files")
	flagSet.StringVar(&fv.RelayDir, "relay-dir", fv.RelayDir, "directory relayed files are written to")
	flagSet.StringVar(&fv.ArtifactDir, "artifact-dir", fv.ArtifactDir, "directory scanned for artifacts to send")
	flagSet.StringVar(&fv.ArtifactSuffix, "artifact-suffix", fv.ArtifactSuffix, "suffix of artifact files")
	flagSet.IntVar(&id, "node-id", 0, "fixed node id (default: random)")
	flagSet.StringVar((*string)(&fv.StatusFraming), "status-framing", string(fv.StatusFraming), "fixed256 or length-prefixed")
	flagSet.BoolVar(&fv.StrictLength, "strict-length", fv.StrictLength, "drop telemetry reads shorter than 24 bytes")
	flagSet.DurationVar(&fv.ReadTimeout, "read-timeout", fv.ReadTimeout, "idle timeout per telemetry connection (0 = none)")
	flagSet.DurationVar(&fv.DialTimeout, "dial-timeout", fv.DialTimeout, "timeout for outbound connections")
	flagSet.IntVar(&fv.MaxConnections, "max-connections", fv.MaxConnections, "concurrent telemetry connections (0 = unlimited)")
	flagSet.IntVar(&fv.HistoryPoints, "history-points", fv.HistoryPoints, "progress samples kept per process")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, pflag.ErrHelp
		}
		return Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	ApplyEnv(&cfg)

	flagSet.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "bind-ip":
			cfg.BindIP = fv.BindIP
		case "telemetry-port":
			cfg.TelemetryPort = fv.TelemetryPort
		case "file-relay-port":
			cfg.FileRelayPort = fv.FileRelayPort
		case "http-addr":
			cfg.HTTPAddr = fv.HTTPAddr
		case "http-allow":
			cfg.HTTPAllow = fv.HTTPAllow
		case "process-name":
			cfg.ProcessName = fv.ProcessName
		case "upstream":
			cfg.UpstreamAddr = fv.UpstreamAddr
		case "downstream":
			cfg.DownstreamAddr = fv.DownstreamAddr
		case "relay-prefix":
			cfg.RelayFilePrefix = fv.RelayFilePrefix
		case "relay-ext":
			cfg.RelayFileExt = fv.RelayFileExt
		case "relay-dir":
			cfg.RelayDir = fv.RelayDir
		case "artifact-dir":
			cfg.ArtifactDir = fv.ArtifactDir
		case "artifact-suffix":
			cfg.ArtifactSuffix = fv.ArtifactSuffix
		case "node-id":
			cfg.NodeID = &id
		case "status-framing":
			cfg.StatusFraming = fv.StatusFraming
		case "strict-length":
			cfg.StrictLength = fv.StrictLength
		case "read-timeout":
			cfg.ReadTimeout = fv.ReadTimeout
		case "dial-timeout":
			cfg.DialTimeout = fv.DialTimeout
		case "max-connections":
			cfg.MaxConnections = fv.MaxConnections
		case "history-points":
			cfg.HistoryPoints = fv.HistoryPoints
		}
	})

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func Validate(cfg Config) error {
	if net.ParseIP(cfg.BindIP) == nil {
		return fmt.Errorf("%w: bind_ip %q is not an IP address", ErrInvalid, cfg.BindIP)
	}
	if !validPort(cfg.TelemetryPort) {
		return fmt.Errorf("%w: telemetry_port %d out of range", ErrInvalid, cfg.TelemetryPort)
	}
	if !validPort(cfg.FileRelayPort) {
		return fmt.Errorf("%w: file_relay_port %d out of range", ErrInvalid, cfg.FileRelayPort)
	}
	if cfg.TelemetryPort != 0 && cfg.TelemetryPort == cfg.FileRelayPort {
		return fmt.Errorf("%w: telemetry_port and file_relay_port must differ", ErrInvalid)
	}
	if strings.TrimSpace(cfg.UpstreamAddr) == "" {
		return fmt.Errorf("%w: upstream_addr is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.DownstreamAddr) == "" {
		return fmt.Errorf("%w: downstream_addr is required", ErrInvalid)
	}
	if cfg.RelayFileExt == "" || strings.ContainsAny(cfg.RelayFilePrefix+cfg.RelayFileExt, `/\`) {
		return fmt.Errorf("%w: relay_file_prefix and relay_file_ext must be plain names", ErrInvalid)
	}
	if cfg.NodeID != nil && (*cfg.NodeID < 0 || *cfg.NodeID > 255) {
		return fmt.Errorf("%w: node_id %d must be 0-255", ErrInvalid, *cfg.NodeID)
	}
	switch cfg.StatusFraming {
	case models.FramingFixed256, models.FramingLengthPrefixed:
	default:
		return fmt.Errorf("%w: unsupported status_framing %q", ErrInvalid, cfg.StatusFraming)
	}
	if cfg.ReadTimeout < 0 || cfg.DialTimeout < 0 {
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalid)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must be >= 0", ErrInvalid)
	}
	if cfg.HistoryPoints <= 0 {
		return fmt.Errorf("%w: history_points must be > 0", ErrInvalid)
	}
	for _, entry := range cfg.HTTPAllow {
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("%w: http_allow entry %q is not an IP or CIDR", ErrInvalid, entry)
		}
	}
	return nil
}

// TelemetryAddr is the host:port the telemetry server binds to.
func (c Config) TelemetryAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.TelemetryPort))
}

// FileRelayAddr is the host:port the file relay binds to.
func (c Config) FileRelayAddr() string {
	return net.JoinHostPort(c.BindIP, strconv.Itoa(c.FileRelayPort))
}

// HTTPEnabled reports whether the status API should be started.
func (c Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && !strings.EqualFold(c.HTTPAddr, HTTPDisabled)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(env(key, ""))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
