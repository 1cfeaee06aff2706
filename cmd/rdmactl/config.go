package main

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/types"
)

// profile is the rdmactl run layer over a driver config: which queue pairs
// to create at start and how the admin endpoint is exposed.
type profile struct {
	Name            string
	AdminAddr       string
	ShutdownTimeout time.Duration
	QueuePairs      []driver.QpParams
}

type fileProfile struct {
	Name            string          `toml:"name"`
	AdminAddr       string          `toml:"admin_addr"`
	ShutdownTimeout string          `toml:"shutdown_timeout"`
	QueuePairs      []fileQueuePair `toml:"qp"`
}

type fileQueuePair struct {
	Qpn        uint32   `toml:"qpn"`
	Pd         uint32   `toml:"pd"`
	Type       string   `toml:"type"`
	Pmtu       uint32   `toml:"pmtu"`
	DqpIP      string   `toml:"dqp_ip"`
	DqpMAC     string   `toml:"dqp_mac"`
	Access     []string `toml:"access"`
	InitialPsn uint32   `toml:"initial_psn"`
}

func defaultProfile() profile {
	return profile{
		Name:            "rdmactl",
		ShutdownTimeout: 5 * time.Second,
	}
}

func loadProfile(path string) (profile, error) {
	cfg := defaultProfile()

	var raw fileProfile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return profile{}, fmt.Errorf("load rdmactl profile: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("shutdown_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownTimeout))
		if err != nil {
			return profile{}, fmt.Errorf("parse shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}

	if meta.IsDefined("qp") {
		qps, err := parseQueuePairs(raw.QueuePairs)
		if err != nil {
			return profile{}, err
		}
		cfg.QueuePairs = qps
	}

	return cfg, nil
}

func parseQueuePairs(in []fileQueuePair) ([]driver.QpParams, error) {
	out := make([]driver.QpParams, 0, len(in))
	seen := make(map[types.Qpn]struct{}, len(in))
	for i, raw := range in {
		qpn := types.NewQpn(raw.Qpn)
		if _, dup := seen[qpn]; dup {
			return nil, fmt.Errorf("qp[%d]: duplicate qpn %s", i, qpn)
		}
		seen[qpn] = struct{}{}

		qpType, err := parseQpType(raw.Type)
		if err != nil {
			return nil, fmt.Errorf("qp[%d]: %w", i, err)
		}
		pmtuBytes := raw.Pmtu
		if pmtuBytes == 0 {
			pmtuBytes = 1024
		}
		pmtu, err := types.PmtuFromBytes(pmtuBytes)
		if err != nil {
			return nil, fmt.Errorf("qp[%d]: %w", i, err)
		}
		ip, err := netip.ParseAddr(strings.TrimSpace(raw.DqpIP))
		if err != nil {
			return nil, fmt.Errorf("qp[%d]: dqp_ip: %w", i, err)
		}
		var mac types.MAC
		if s := strings.TrimSpace(raw.DqpMAC); s != "" {
			if mac, err = types.ParseMAC(s); err != nil {
				return nil, fmt.Errorf("qp[%d]: %w", i, err)
			}
		}
		access, err := parseAccess(raw.Access)
		if err != nil {
			return nil, fmt.Errorf("qp[%d]: %w", i, err)
		}
		out = append(out, driver.QpParams{
			Qpn:         qpn,
			PdHandler:   raw.Pd,
			QpType:      qpType,
			AccessFlags: access,
			Pmtu:        pmtu,
			DqpIP:       ip,
			DqpMAC:      mac,
			InitialPsn:  types.NewPsn(raw.InitialPsn),
		})
	}
	return out, nil
}

func parseQpType(raw string) (types.QpType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "rc":
		return types.QpTypeRC, nil
	case "uc":
		return types.QpTypeUC, nil
	case "ud":
		return types.QpTypeUD, nil
	case "raw_packet":
		return types.QpTypeRawPacket, nil
	default:
		return 0, fmt.Errorf("unknown qp type %q", raw)
	}
}

func parseAccess(in []string) (types.MemAccessFlag, error) {
	if len(in) == 0 {
		return types.AccessLocalWrite | types.AccessRemoteWrite | types.AccessRemoteRead, nil
	}
	var out types.MemAccessFlag
	for _, raw := range in {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "local_write":
			out |= types.AccessLocalWrite
		case "remote_write":
			out |= types.AccessRemoteWrite
		case "remote_read":
			out |= types.AccessRemoteRead
		case "remote_atomic":
			out |= types.AccessRemoteAtomic
		default:
			return 0, fmt.Errorf("unknown access flag %q", raw)
		}
	}
	return out, nil
}
