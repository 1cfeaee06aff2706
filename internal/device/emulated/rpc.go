package emulated

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/protocol/frame"
	"github.com/danmuck/openrdma/internal/protocol/tlv"
)

// Payload field ids for CSR messages.
const (
	FieldAddr  uint16 = 1
	FieldValue uint16 = 2
	FieldError uint16 = 3
)

var ErrRemote = errors.New("emulated: simulator rejected request")

// RPCClient issues CSR reads and writes to the simulator. Calls are
// serialized; each carries its own deadline. A broken connection is dropped
// and redialed on the next call.
type RPCClient struct {
	addr    string
	timeout time.Duration
	limits  frame.Limits

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
	closed bool
}

func NewRPCClient(addr string, timeout time.Duration) (*RPCClient, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: simulator rpc addr required", device.ErrDevice)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := &RPCClient{addr: addr, timeout: timeout, limits: frame.DefaultLimits()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RPCClient) dialLocked() error {
	dialer := net.Dialer{Timeout: c.timeout}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial simulator %s: %w", device.ErrDevice, c.addr, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	logging.Debugf("emulated.RPCClient connected addr=%s", c.addr)
	return nil
}

func (c *RPCClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

func (c *RPCClient) call(msgType uint32, payload []byte) (tlv.Fields, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrClosed
	}
	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			return nil, err
		}
	}
	c.nextID++
	id := c.nextID
	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := frame.WriteFrame(c.conn, frame.Request(id, msgType, payload), c.limits); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("%w: rpc write: %w", device.ErrDevice, err)
	}
	for {
		fr, err := frame.ReadFrame(c.reader, c.limits)
		if err != nil {
			c.dropLocked()
			return nil, fmt.Errorf("%w: rpc read: %w", device.ErrDevice, err)
		}
		if !fr.Header.IsResponse() || fr.Header.MessageID != id {
			logging.Warnf("emulated.RPCClient stale response message_id=%d want=%d", fr.Header.MessageID, id)
			continue
		}
		fields, err := tlv.Decode(fr.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: rpc payload: %w", device.ErrDevice, err)
		}
		if fr.Header.IsError() {
			reason, _ := fields.String(FieldError)
			return nil, fmt.Errorf("%w: %w: %s", device.ErrDevice, ErrRemote, reason)
		}
		return fields, nil
	}
}

func (c *RPCClient) Ping() error {
	_, err := c.call(frame.TypePing, nil)
	return err
}

func (c *RPCClient) ReadCSR(addr uint64) (uint32, error) {
	fields, err := c.call(frame.TypeCSRRead, tlv.Encode(tlv.U64(FieldAddr, addr)))
	if err != nil {
		return 0, err
	}
	v, err := fields.Uint32(FieldValue)
	if err != nil {
		return 0, fmt.Errorf("%w: csr read 0x%x: %w", device.ErrDevice, addr, err)
	}
	return v, nil
}

func (c *RPCClient) WriteCSR(addr uint64, v uint32) error {
	_, err := c.call(frame.TypeCSRWrite, tlv.Encode(tlv.U64(FieldAddr, addr), tlv.U32(FieldValue, v)))
	return err
}

func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	return nil
}
