package emulated

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/danmuck/openrdma/internal/device"
	"github.com/danmuck/openrdma/internal/logging"
	"github.com/danmuck/openrdma/internal/protocol/frame"
	"github.com/danmuck/openrdma/internal/protocol/tlv"
)

// Server answers CSR RPCs against a register file. It is the host-visible
// half of a simulator process.
type Server struct {
	csr    device.CSR
	limits frame.Limits

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(csr device.CSR) *Server {
	return &Server{csr: csr, limits: frame.DefaultLimits(), conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections until ctx ends or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAll()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.track(conn, false)
	reader := bufio.NewReader(conn)
	for {
		fr, err := frame.ReadFrame(reader, s.limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logging.Warnf("emulated.Server read remote=%s err=%v", conn.RemoteAddr(), err)
			}
			return
		}
		resp := s.handle(fr)
		if err := frame.WriteFrame(conn, resp, s.limits); err != nil {
			logging.Warnf("emulated.Server write remote=%s err=%v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) handle(fr frame.Frame) frame.Frame {
	fail := func(err error) frame.Frame {
		return frame.Response(fr.Header, tlv.Encode(tlv.String(FieldError, err.Error())), true)
	}
	fields, err := tlv.Decode(fr.Payload)
	if err != nil {
		return fail(err)
	}
	switch fr.Header.MessageType {
	case frame.TypePing:
		return frame.Response(fr.Header, nil, false)
	case frame.TypeCSRRead:
		addr, err := fields.Uint64(FieldAddr)
		if err != nil {
			return fail(err)
		}
		v, err := s.csr.ReadCSR(addr)
		if err != nil {
			return fail(err)
		}
		return frame.Response(fr.Header, tlv.Encode(tlv.U32(FieldValue, v)), false)
	case frame.TypeCSRWrite:
		addr, err := fields.Uint64(FieldAddr)
		if err != nil {
			return fail(err)
		}
		v, err := fields.Uint32(FieldValue)
		if err != nil {
			return fail(err)
		}
		if err := s.csr.WriteCSR(addr, v); err != nil {
			return fail(err)
		}
		return frame.Response(fr.Header, nil, false)
	default:
		return fail(errors.New("unknown message type"))
	}
}
