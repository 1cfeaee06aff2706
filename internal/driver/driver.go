// Package driver is the user-facing RDMA device. It owns the queue pair and
// operation tables, submits descriptors through a device.Adaptor, runs the
// control and work pollers and hands every outstanding work operation to the
// retry monitor.
package driver

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"github.com/google/uuid"

	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/device/emulated"
	"github.com/danmuck/openrdma/internal/device/hardware"
	"github.com/danmuck/openrdma/internal/device/software"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/opctx"
	"github.com/danmuck/openrdma/internal/retry"
	"github.com/danmuck/openrdma/internal/types"
)

var (
	ErrDeviceBusy    = errors.New("driver: device busy")
	ErrInvalidQpn    = errors.New("driver: unknown queue pair")
	ErrQpExists      = errors.New("driver: queue pair already exists")
	ErrCtrlFailed    = errors.New("driver: control operation failed")
	ErrOpIDUsed      = errors.New("driver: operation id in use")
	ErrClosed        = errors.New("driver: device closed")
	ErrInvalidLength = errors.New("driver: invalid length")
)

const defaultCtrlTimeout = 5 * time.Second

type Config struct {
	// Network is programmed at start when its IP is valid.
	Network types.Network
	Retry   retry.Config
	// CtrlTimeout bounds the wait for a control response.
	CtrlTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Retry: retry.DefaultConfig(), CtrlTimeout: defaultCtrlTimeout}
}

type Device struct {
	id      uuid.UUID
	backend string
	cfg     Config
	adaptor device.Adaptor

	qpMu sync.RWMutex
	qps  map[types.Qpn]*qpContext

	ops  *opctx.Table[types.OpKey, struct{}]
	ctrl *opctx.Table[uint32, bool]

	// reads holds the response PSNs seen so far for each outstanding read.
	readMu sync.Mutex
	reads  map[types.OpKey]*types.PacketMap

	nextMsn    atomix.Uint32
	nextCtrlID atomix.Uint32

	monitor *retry.Monitor

	netMu   sync.RWMutex
	network types.Network

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ retry.Sender = (*Device)(nil)

// New starts the pollers and the retry monitor over adaptor and programs
// cfg.Network. The device takes ownership of adaptor.
func New(adaptor device.Adaptor, cfg Config) (*Device, error) {
	return newDevice("custom", adaptor, cfg)
}

func NewHardware(hw hardware.Config, cfg Config) (*Device, error) {
	a, err := hardware.Open(hw)
	if err != nil {
		return nil, err
	}
	return newDevice("hardware", a, cfg)
}

func NewEmulated(em emulated.Config, cfg Config) (*Device, error) {
	a, err := emulated.Open(em)
	if err != nil {
		return nil, err
	}
	return newDevice("emulated", a, cfg)
}

func NewSoftware(sw software.Config, cfg Config) (*Device, error) {
	a, err := software.Open(sw)
	if err != nil {
		return nil, err
	}
	return newDevice("software", a, cfg)
}

func newDevice(backend string, adaptor device.Adaptor, cfg Config) (*Device, error) {
	if cfg.CtrlTimeout <= 0 {
		cfg.CtrlTimeout = defaultCtrlTimeout
	}
	d := &Device{
		id:      uuid.New(),
		backend: backend,
		cfg:     cfg,
		adaptor: adaptor,
		qps:     make(map[types.Qpn]*qpContext),
		ops:     opctx.NewTable[types.OpKey, struct{}](),
		ctrl:    opctx.NewTable[uint32, bool](),
		reads:   make(map[types.OpKey]*types.PacketMap),
		stop:    make(chan struct{}),
	}
	monitor, err := retry.NewMonitor(cfg.Retry, d, d.ops)
	if err != nil {
		_ = adaptor.Close()
		return nil, err
	}
	d.monitor = monitor

	d.wg.Add(2)
	go d.pollCtrl()
	go d.pollWork()
	logging.Infof("driver.Device start id=%s backend=%s", d.id, backend)

	if cfg.Network.IP.IsValid() {
		if err := d.SetNetwork(cfg.Network); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Backend() string { return d.backend }

// Adaptor exposes the backend, e.g. to read a software device's address.
func (d *Device) Adaptor() device.Adaptor { return d.adaptor }

// Status is a point-in-time summary for the admin endpoint and the CLI.
type Status struct {
	ID           string     `json:"id"`
	Backend      string     `json:"backend"`
	IP           netip.Addr `json:"ip"`
	MAC          string     `json:"mac"`
	QueuePairs   int        `json:"queue_pairs"`
	Outstanding  int        `json:"outstanding_ops"`
	RetryTracked int        `json:"retry_tracked"`
}

func (d *Device) Status() Status {
	d.qpMu.RLock()
	qps := len(d.qps)
	d.qpMu.RUnlock()
	d.netMu.RLock()
	network := d.network
	d.netMu.RUnlock()
	return Status{
		ID:           d.id.String(),
		Backend:      d.backend,
		IP:           network.IP,
		MAC:          network.MAC.String(),
		QueuePairs:   qps,
		Outstanding:  d.ops.Len(),
		RetryTracked: d.monitor.Tracked(),
	}
}

func (d *Device) closed() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// Close stops the pollers, then the retry monitor, then the adaptor.
// Operations still outstanding fail with "device closed".
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
		var errs []error
		if err := d.monitor.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := d.adaptor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adaptor: %w", err))
		}
		d.closeErr = errors.Join(errs...)
		failed := d.failOutstanding("device closed")
		logging.Infof("driver.Device closed id=%s failed_outstanding=%d", d.id, failed)
	})
	return d.closeErr
}

func (d *Device) failOutstanding(reason string) int {
	leftover := d.ops.TakeAll()
	for key, op := range leftover {
		op.SetError(reason)
		logging.Debugf("driver.Device op_failed key=%s reason=%q", key, reason)
	}
	d.readMu.Lock()
	clear(d.reads)
	d.readMu.Unlock()
	return len(leftover)
}
