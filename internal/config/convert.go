package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/danmuck/openrdma/internal/device/emulated"
	"github.com/danmuck/openrdma/internal/device/hardware"
	"github.com/danmuck/openrdma/internal/device/software"
	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/logging"
)

// DriverOptions converts the validated config into driver settings.
func (c DriverConfig) DriverOptions() (driver.Config, error) {
	network, err := c.Network.toNetwork()
	if err != nil {
		return driver.Config{}, err
	}
	rc, err := c.Retry.toRetry()
	if err != nil {
		return driver.Config{}, err
	}
	ctrlTimeout, err := parseDuration("ctrl_timeout", c.CtrlTimeout)
	if err != nil {
		return driver.Config{}, err
	}
	return driver.Config{Network: network, Retry: rc, CtrlTimeout: ctrlTimeout}, nil
}

func (c DriverConfig) HardwareOptions() (hardware.Config, error) {
	reset, err := parseDuration("hardware.reset_timeout", c.Hardware.ResetTimeout)
	if err != nil {
		return hardware.Config{}, err
	}
	return hardware.Config{
		ResourcePath: c.Hardware.ResourcePath,
		BARSize:      c.Hardware.BARSize,
		RingDepth:    c.Ring.Depth,
		PagemapPath:  c.Hardware.PagemapPath,
		ResetTimeout: reset,
	}, nil
}

func (c DriverConfig) EmulatedOptions() (emulated.Config, error) {
	timeout, err := parseDuration("emulated.rpc_timeout", c.Emulated.RPCTimeout)
	if err != nil {
		return emulated.Config{}, err
	}
	return emulated.Config{
		RPCAddr:    c.Emulated.RPCAddr,
		SharedMem:  c.Emulated.SharedMem,
		RingDepth:  c.Ring.Depth,
		RPCTimeout: timeout,
	}, nil
}

func (c DriverConfig) SoftwareOptions() (software.Config, error) {
	peers := make(map[netip.Addr]netip.AddrPort, len(c.Software.Peers))
	for i, p := range c.Software.Peers {
		ip, err := netip.ParseAddr(p.IP)
		if err != nil {
			return software.Config{}, fmt.Errorf("%w: software.peers[%d].ip: %w", ErrInvalidConfig, i, err)
		}
		addr, err := netip.ParseAddrPort(p.Addr)
		if err != nil {
			return software.Config{}, fmt.Errorf("%w: software.peers[%d].addr: %w", ErrInvalidConfig, i, err)
		}
		peers[ip] = addr
	}
	return software.Config{
		ListenAddr: c.Software.ListenAddr,
		PeerPort:   c.Software.PeerPort,
		Peers:      peers,
		QueueDepth: c.Software.QueueDepth,
		DropRate:   c.Software.DropRate,
		Seed:       c.Software.Seed,
	}, nil
}

// LoggingOptions layers the [log] section over the runtime profile.
func (c DriverConfig) LoggingOptions() logging.Config {
	out := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		out.Level = lvl
	}
	out.NoColor = c.Log.NoColor
	if c.Log.Timestamp != nil {
		out.Timestamp = *c.Log.Timestamp
	}
	if f := strings.TrimSpace(c.Log.File); f != "" {
		out.File = f
	}
	return out
}

// OpenDevice opens the configured backend and starts a driver over it.
func OpenDevice(c DriverConfig) (*driver.Device, error) {
	opts, err := c.DriverOptions()
	if err != nil {
		return nil, err
	}
	switch c.Backend {
	case BackendHardware:
		hw, err := c.HardwareOptions()
		if err != nil {
			return nil, err
		}
		return driver.NewHardware(hw, opts)
	case BackendEmulated:
		em, err := c.EmulatedOptions()
		if err != nil {
			return nil, err
		}
		return driver.NewEmulated(em, opts)
	case BackendSoftware:
		sw, err := c.SoftwareOptions()
		if err != nil {
			return nil, err
		}
		return driver.NewSoftware(sw, opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
}
