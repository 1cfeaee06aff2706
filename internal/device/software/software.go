// Package software is an in-process device. It bypasses rings: control
// descriptors update local state directly, work descriptors are scheduled
// round-robin per queue pair and sent as UDP packets, and incoming packets
// are handled by a responder that reports through bounded SPSC queues.
package software

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"

	"github.com/danmuck/openrdma/internal/descriptor"
	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/observability"
	"github.com/danmuck/openrdma/internal/types"
)

const defaultQueueDepth = 1024

type Config struct {
	// ListenAddr is the local UDP address, e.g. 127.0.0.1:0.
	ListenAddr string
	// PeerPort is where peers are reached unless Peers overrides an address.
	PeerPort uint16
	Peers    map[netip.Addr]netip.AddrPort
	// QueueDepth bounds each to-host queue.
	QueueDepth int
	// DropRate is the probability an outgoing packet is discarded.
	DropRate float64
	// DropFunc discards an outgoing packet when it returns true.
	DropFunc func(Packet) bool
	Seed     int64
	// Memory defaults to ProcessMemory.
	Memory Memory
}

type qpState struct {
	qpType types.QpType
	pmtu   types.Pmtu
	access types.MemAccessFlag
}

type Device struct {
	agent *agent
	sched *Scheduler
	mem   Memory

	stateMu sync.RWMutex
	qps     map[types.Qpn]qpState
	network types.Network

	// recv is owned by the receive loop.
	recv map[types.OpKey]*recvMessage

	ctrlPushMu sync.Mutex
	ctrlPopMu  sync.Mutex
	ctrlQ      lfq.SPSC[descriptor.CtrlResp]
	workPopMu  sync.Mutex
	workQ      lfq.SPSC[descriptor.HostWorkDesc]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ device.Adaptor = (*Device)(nil)

// Open binds the UDP agent and starts the send and receive goroutines.
func Open(cfg Config) (*Device, error) {
	ag, err := newAgent(cfg.ListenAddr, cfg.PeerPort, cfg.DropRate, cfg.DropFunc, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	for ip, addr := range cfg.Peers {
		ag.addPeer(ip, addr)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	mem := cfg.Memory
	if mem == nil {
		mem = ProcessMemory{}
	}
	d := &Device{
		agent: ag,
		sched: NewScheduler(),
		mem:   mem,
		qps:   make(map[types.Qpn]qpState),
		recv:  make(map[types.OpKey]*recvMessage),
		stop:  make(chan struct{}),
	}
	d.ctrlQ.Init(cfg.QueueDepth)
	d.workQ.Init(cfg.QueueDepth)

	d.wg.Add(2)
	go d.sendLoop()
	go d.receiveLoop()
	logging.Infof("software.Device open listen=%s peer_port=%d drop_rate=%.3f", ag.localAddr(), ag.peerPort, cfg.DropRate)
	return d, nil
}

// LocalAddr is the bound UDP address.
func (d *Device) LocalAddr() netip.AddrPort {
	return d.agent.localAddr()
}

// AddPeer routes packets for ip to addr instead of ip:PeerPort.
func (d *Device) AddPeer(ip netip.Addr, addr netip.AddrPort) {
	d.agent.addPeer(ip, addr)
}

// Network returns the parameters last set through SetNetworkParam.
func (d *Device) Network() types.Network {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.network
}

func (d *Device) ToCardCtrlRb() device.ToCardRb[descriptor.CtrlDesc] { return ctrlIn{d} }

func (d *Device) ToHostCtrlRb() device.ToHostRb[descriptor.CtrlResp] { return ctrlOut{d} }

func (d *Device) ToCardWorkRb() device.ToCardRb[descriptor.WorkDesc] { return workIn{d} }

func (d *Device) ToHostWorkRb() device.ToHostRb[descriptor.HostWorkDesc] { return workOut{d} }

func (d *Device) ReadCSR(addr uint64) (uint32, error) {
	return 0, fmt.Errorf("%w: software device has no csr space (0x%x)", device.ErrDevice, addr)
}

func (d *Device) WriteCSR(addr uint64, v uint32) error {
	return fmt.Errorf("%w: software device has no csr space (0x%x)", device.ErrDevice, addr)
}

// PhysAddr is the identity: the responder addresses process memory directly.
func (d *Device) PhysAddr(virt uintptr) (uint64, error) {
	return uint64(virt), nil
}

func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stop)
		err = d.agent.close()
		d.wg.Wait()
		logging.Infof("software.Device closed listen=%s", d.agent.localAddr())
	})
	return err
}

func (d *Device) closed() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

type ctrlIn struct{ d *Device }

func (c ctrlIn) Push(desc descriptor.CtrlDesc) error {
	if c.d.closed() {
		return device.ErrClosed
	}
	resp := c.d.update(desc)
	c.d.ctrlPushMu.Lock()
	defer c.d.ctrlPushMu.Unlock()
	if err := c.d.ctrlQ.Enqueue(&resp); err != nil {
		if iox.IsWouldBlock(err) {
			observability.RecordRingOverflow(device.RingCmdResp.String())
			return fmt.Errorf("%w: control response queue full", device.ErrOverflow)
		}
		return fmt.Errorf("%w: %w", device.ErrDevice, err)
	}
	return nil
}

type ctrlOut struct{ d *Device }

func (c ctrlOut) Pop() (descriptor.CtrlResp, error) {
	c.d.ctrlPopMu.Lock()
	defer c.d.ctrlPopMu.Unlock()
	return c.d.ctrlQ.Dequeue()
}

type workIn struct{ d *Device }

func (w workIn) Push(desc descriptor.WorkDesc) error {
	if w.d.closed() {
		return device.ErrClosed
	}
	return w.d.sched.Push(desc)
}

type workOut struct{ d *Device }

func (w workOut) Pop() (descriptor.HostWorkDesc, error) {
	w.d.workPopMu.Lock()
	defer w.d.workPopMu.Unlock()
	return w.d.workQ.Dequeue()
}

// update applies a control descriptor to local state.
func (d *Device) update(desc descriptor.CtrlDesc) descriptor.CtrlResp {
	resp := descriptor.CtrlResp{Opcode: desc.Opcode(), OpID: desc.OpID(), IsSuccess: true}
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	switch v := desc.(type) {
	case descriptor.QpManagement:
		if v.IsValid {
			d.qps[v.Qpn] = qpState{qpType: v.QpType, pmtu: v.Pmtu, access: v.RqAccessFlags}
		} else if _, ok := d.qps[v.Qpn]; ok {
			delete(d.qps, v.Qpn)
		} else {
			resp.IsSuccess = false
		}
		logging.Debugf("software.Device qp_management qpn=%s valid=%v ok=%v", v.Qpn, v.IsValid, resp.IsSuccess)
	case descriptor.SetNetworkParam:
		d.network = types.Network{IP: v.IPAddr, Gateway: v.Gateway, Netmask: v.Netmask, MAC: v.MacAddr}
		logging.Debugf("software.Device set_network ip=%s mac=%s", v.IPAddr, v.MacAddr)
	default:
		resp.IsSuccess = false
		logging.Warnf("software.Device unknown ctrl opcode=%s", desc.Opcode())
	}
	return resp
}

func (d *Device) qp(qpn types.Qpn) (qpState, bool) {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	qp, ok := d.qps[qpn]
	return qp, ok
}

func (d *Device) sendLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case <-d.sched.Ready():
		}
		for {
			desc, ok := d.sched.Pop()
			if !ok {
				break
			}
			if err := d.transmit(desc); err != nil {
				logging.Warnf("software.Device transmit key=%s err=%v", desc.Key(), err)
			}
		}
	}
}

func (d *Device) receiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		pkt, from, err := d.agent.receive(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || d.closed() {
				return
			}
			logging.Warnf("software.Device receive from=%s err=%v", from, err)
			continue
		}
		d.handle(pkt, from)
	}
}
