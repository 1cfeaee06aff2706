package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/retry"
	"github.com/danmuck/openrdma/internal/types"
)

var ErrInvalidConfig = errors.New("config: invalid")

const (
	BackendHardware = "hardware"
	BackendEmulated = "emulated"
	BackendSoftware = "software"
)

type DriverConfig struct {
	Backend     string         `toml:"backend"`
	CtrlTimeout string         `toml:"ctrl_timeout"`
	Network     NetworkConfig  `toml:"network"`
	Retry       RetryConfig    `toml:"retry"`
	Ring        RingConfig     `toml:"ring"`
	Hardware    HardwareConfig `toml:"hardware"`
	Emulated    EmulatedConfig `toml:"emulated"`
	Software    SoftwareConfig `toml:"software"`
	Log         LogConfig      `toml:"log"`
	Metrics     MetricsConfig  `toml:"metrics"`
}

type NetworkConfig struct {
	IP      string `toml:"ip"`
	Gateway string `toml:"gateway"`
	Netmask string `toml:"netmask"`
	MAC     string `toml:"mac"`
}

type RetryConfig struct {
	Enabled          *bool  `toml:"enabled"`
	MaxRetry         uint32 `toml:"max_retry"`
	RetryTimeout     string `toml:"retry_timeout"`
	CheckingInterval string `toml:"checking_interval"`
}

type RingConfig struct {
	Depth uint32 `toml:"depth"`
}

type HardwareConfig struct {
	ResourcePath string `toml:"resource_path"`
	BARSize      int    `toml:"bar_size"`
	PagemapPath  string `toml:"pagemap_path"`
	ResetTimeout string `toml:"reset_timeout"`
}

type EmulatedConfig struct {
	RPCAddr    string `toml:"rpc_addr"`
	SharedMem  string `toml:"shared_mem"`
	RPCTimeout string `toml:"rpc_timeout"`
}

type SoftwareConfig struct {
	ListenAddr string       `toml:"listen_addr"`
	PeerPort   uint16       `toml:"peer_port"`
	QueueDepth int          `toml:"queue_depth"`
	DropRate   float64      `toml:"drop_rate"`
	Seed       int64        `toml:"seed"`
	Peers      []PeerConfig `toml:"peers"`
}

type PeerConfig struct {
	IP   string `toml:"ip"`
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	NoColor   bool   `toml:"no_color"`
	Timestamp *bool  `toml:"timestamp"`
}

type MetricsConfig struct {
	ListenAddr  string   `toml:"listen_addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

// LoadDriverConfig reads path, fills defaults and validates the result.
func LoadDriverConfig(path string) (DriverConfig, error) {
	var cfg DriverConfig
	if err := loadToml(path, &cfg); err != nil {
		return DriverConfig{}, err
	}
	ApplyDefaults(&cfg)
	if err := ValidateDriverConfig(cfg); err != nil {
		return DriverConfig{}, err
	}
	return cfg, nil
}

// ParseDriverConfig is LoadDriverConfig over in-memory TOML.
func ParseDriverConfig(data []byte) (DriverConfig, error) {
	var cfg DriverConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return DriverConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := ValidateDriverConfig(cfg); err != nil {
		return DriverConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ApplyDefaults(cfg *DriverConfig) {
	def := retry.DefaultConfig()
	if strings.TrimSpace(cfg.Backend) == "" {
		cfg.Backend = BackendSoftware
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.CtrlTimeout == "" {
		cfg.CtrlTimeout = "5s"
	}
	if cfg.Retry.Enabled == nil {
		enabled := def.Enabled
		cfg.Retry.Enabled = &enabled
	}
	if cfg.Retry.MaxRetry == 0 {
		cfg.Retry.MaxRetry = def.MaxRetry
	}
	if cfg.Retry.RetryTimeout == "" {
		cfg.Retry.RetryTimeout = def.RetryTimeout.String()
	}
	if cfg.Retry.CheckingInterval == "" {
		cfg.Retry.CheckingInterval = def.CheckingInterval.String()
	}
	if cfg.Ring.Depth == 0 {
		cfg.Ring.Depth = 128
	}
	if cfg.Hardware.PagemapPath == "" {
		cfg.Hardware.PagemapPath = "/proc/self/pagemap"
	}
	if cfg.Hardware.ResetTimeout == "" {
		cfg.Hardware.ResetTimeout = "1s"
	}
	if cfg.Emulated.RPCTimeout == "" {
		cfg.Emulated.RPCTimeout = "2s"
	}
	if cfg.Software.ListenAddr == "" {
		cfg.Software.ListenAddr = "0.0.0.0:4791"
	}
	if cfg.Software.PeerPort == 0 {
		cfg.Software.PeerPort = 4791
	}
	if cfg.Software.QueueDepth == 0 {
		cfg.Software.QueueDepth = 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func ValidateDriverConfig(cfg DriverConfig) error {
	switch cfg.Backend {
	case BackendHardware:
		if strings.TrimSpace(cfg.Hardware.ResourcePath) == "" {
			return fmt.Errorf("%w: hardware.resource_path is required", ErrInvalidConfig)
		}
		if cfg.Hardware.BARSize <= 0 {
			return fmt.Errorf("%w: hardware.bar_size must be > 0", ErrInvalidConfig)
		}
	case BackendEmulated:
		if strings.TrimSpace(cfg.Emulated.RPCAddr) == "" {
			return fmt.Errorf("%w: emulated.rpc_addr is required", ErrInvalidConfig)
		}
		if strings.TrimSpace(cfg.Emulated.SharedMem) == "" {
			return fmt.Errorf("%w: emulated.shared_mem is required", ErrInvalidConfig)
		}
	case BackendSoftware:
		if cfg.Software.DropRate < 0 || cfg.Software.DropRate >= 1 {
			return fmt.Errorf("%w: software.drop_rate must be in [0,1), got %v", ErrInvalidConfig, cfg.Software.DropRate)
		}
		for i, p := range cfg.Software.Peers {
			if _, err := netip.ParseAddr(p.IP); err != nil {
				return fmt.Errorf("%w: software.peers[%d].ip: %w", ErrInvalidConfig, i, err)
			}
			if _, err := netip.ParseAddrPort(p.Addr); err != nil {
				return fmt.Errorf("%w: software.peers[%d].addr: %w", ErrInvalidConfig, i, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
	if d := cfg.Ring.Depth; d&(d-1) != 0 {
		return fmt.Errorf("%w: ring.depth must be a power of two, got %d", ErrInvalidConfig, d)
	}
	if _, err := cfg.Network.toNetwork(); err != nil {
		return err
	}
	if _, err := cfg.Retry.toRetry(); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"ctrl_timeout":           cfg.CtrlTimeout,
		"hardware.reset_timeout": cfg.Hardware.ResetTimeout,
		"emulated.rpc_timeout":   cfg.Emulated.RPCTimeout,
	} {
		if _, err := parseDuration(name, raw); err != nil {
			return err
		}
	}
	if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, cfg.Log.Level)
	}
	return nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be > 0", ErrInvalidConfig, name)
	}
	return d, nil
}

func parseOptionalAddr(name, raw string) (netip.Addr, error) {
	if strings.TrimSpace(raw) == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
	}
	return a, nil
}

func (n NetworkConfig) toNetwork() (types.Network, error) {
	var out types.Network
	var err error
	if out.IP, err = parseOptionalAddr("network.ip", n.IP); err != nil {
		return types.Network{}, err
	}
	if out.Gateway, err = parseOptionalAddr("network.gateway", n.Gateway); err != nil {
		return types.Network{}, err
	}
	if out.Netmask, err = parseOptionalAddr("network.netmask", n.Netmask); err != nil {
		return types.Network{}, err
	}
	if strings.TrimSpace(n.MAC) != "" {
		if out.MAC, err = types.ParseMAC(n.MAC); err != nil {
			return types.Network{}, fmt.Errorf("%w: network.mac: %w", ErrInvalidConfig, err)
		}
	}
	return out, nil
}

func (r RetryConfig) toRetry() (retry.Config, error) {
	timeout, err := parseDuration("retry.retry_timeout", r.RetryTimeout)
	if err != nil {
		return retry.Config{}, err
	}
	interval, err := parseDuration("retry.checking_interval", r.CheckingInterval)
	if err != nil {
		return retry.Config{}, err
	}
	out := retry.Config{
		Enabled:          r.Enabled == nil || *r.Enabled,
		MaxRetry:         r.MaxRetry,
		RetryTimeout:     timeout,
		CheckingInterval: interval,
	}
	if err := out.Validate(); err != nil {
		return retry.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return out, nil
}
