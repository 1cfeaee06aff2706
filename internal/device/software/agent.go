package software

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"

	"github.com/danmuck/openrdma/internal/logging"
)

// DefaultPeerPort is the UDP port peers listen on unless overridden.
const DefaultPeerPort = 4791

// agent moves packets over UDP. Outgoing packets pass through optional loss
// emulation.
type agent struct {
	conn     *net.UDPConn
	peerPort uint16

	peersMu sync.RWMutex
	peers   map[netip.Addr]netip.AddrPort

	lossMu   sync.Mutex
	rng      *rand.Rand
	dropRate float64
	dropFunc func(Packet) bool
}

func newAgent(listen string, peerPort uint16, dropRate float64, dropFunc func(Packet) bool, seed int64) (*agent, error) {
	if listen == "" {
		listen = fmt.Sprintf("0.0.0.0:%d", DefaultPeerPort)
	}
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("software: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("software: listen udp: %w", err)
	}
	if peerPort == 0 {
		peerPort = DefaultPeerPort
	}
	return &agent{
		conn:     conn,
		peerPort: peerPort,
		peers:    make(map[netip.Addr]netip.AddrPort),
		rng:      rand.New(rand.NewSource(seed)),
		dropRate: dropRate,
		dropFunc: dropFunc,
	}, nil
}

func (a *agent) localAddr() netip.AddrPort {
	return a.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (a *agent) addPeer(ip netip.Addr, addr netip.AddrPort) {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	a.peers[ip.Unmap()] = addr
}

func (a *agent) resolve(ip netip.Addr) netip.AddrPort {
	a.peersMu.RLock()
	defer a.peersMu.RUnlock()
	if addr, ok := a.peers[ip.Unmap()]; ok {
		return addr
	}
	return netip.AddrPortFrom(ip, a.peerPort)
}

func (a *agent) dropped(p Packet) bool {
	a.lossMu.Lock()
	defer a.lossMu.Unlock()
	if a.dropFunc != nil && a.dropFunc(p) {
		return true
	}
	return a.dropRate > 0 && a.rng.Float64() < a.dropRate
}

func (a *agent) send(to netip.AddrPort, p Packet) error {
	if a.dropped(p) {
		logging.Debugf("software.agent drop opcode=%s key=%s psn=%d", p.Opcode, p.Key(), p.Psn)
		return nil
	}
	if _, err := a.conn.WriteToUDPAddrPort(p.Marshal(), to); err != nil {
		return fmt.Errorf("software: send %s to %s: %w", p.Opcode, to, err)
	}
	return nil
}

// receive blocks for one datagram. It returns net.ErrClosed after close.
func (a *agent) receive(buf []byte) (Packet, netip.AddrPort, error) {
	n, from, err := a.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return Packet{}, netip.AddrPort{}, err
	}
	p, err := UnmarshalPacket(buf[:n])
	if err != nil {
		return Packet{}, from, err
	}
	return p, from, nil
}

func (a *agent) close() error {
	err := a.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
