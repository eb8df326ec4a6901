package devices

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 90 * time.Second
	writePollDelay   = 100 * time.Millisecond

	// One JSON object per socket read; legacy firmware sends no framing.
	// Frames above this size are a documented protocol limitation.
	maxFrameSize = 1024
)

// UplinkSink receives envelopes that should go out the cloud WebSocket.
type UplinkSink interface {
	SendToServer(*protocol.Message)
}

// Server accepts legacy devices speaking unframed JSON envelopes over
// raw TCP. Each connection handshakes with a device_connect envelope,
// registers a generation in the device table and then runs a reader and
// a writer until the socket dies or a newer handshake for the same MAC
// supersedes it.
type Server struct {
	addr     string
	registry *Registry
	uplink   UplinkSink

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(addr string, registry *Registry) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) BindUplink(u UplinkSink) {
	s.uplink = u
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	core.Logger.Info().Str("addr", listener.Addr().String()).Msg("Device TCP server started")

	go s.acceptConnections()
	return nil
}

func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				core.Logger.Error().Err(err).Msg("Error accepting device connection")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	mac, err := s.handshake(conn)
	if err != nil {
		core.Logger.Warn().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Device handshake failed")
		return
	}

	gen := s.registry.Register(mac)
	core.Logger.Info().Str("mac", mac).Str("peer", conn.RemoteAddr().String()).Msg("Device connected")

	go s.writeLoop(conn, mac, gen)
	s.readLoop(conn, mac, gen)

	// Only the generation that still owns the entry tears it down; a
	// superseded generation exits silently.
	if s.registry.Remove(mac, gen) {
		core.Logger.Info().Str("mac", mac).Msg("Device disconnected")
		s.uplink.SendToServer(protocol.NewDeviceDisconnect(mac))
	}
}

// handshake reads the first envelope, enriches its payload with the
// peer address and forwards it as the device's first uplink message.
func (s *Server) handshake(conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", err
	}

	buf := make([]byte, maxFrameSize)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}

	msg, err := protocol.Decode(extractObject(buf[:n]))
	if err != nil {
		return "", err
	}
	if msg.DeviceID == protocol.CameraDeviceID {
		return "", errors.New("camera id not allowed on device handshake")
	}

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", err
	}
	port, _ := strconv.Atoi(portStr)
	msg.Payload["ip"] = host
	msg.Payload["port"] = port

	s.uplink.SendToServer(msg)
	return msg.DeviceID, nil
}

// writeLoop drains the device's outbound queue while its generation is
// current. On supersession it closes the socket so the blocked reader
// exits within one poll period.
func (s *Server) writeLoop(conn net.Conn, mac, gen string) {
	for {
		if s.registry.Generation(mac) != gen {
			conn.Close()
			return
		}

		msg, ok := s.registry.Dequeue(mac, gen)
		if !ok {
			time.Sleep(writePollDelay)
			continue
		}

		data, err := msg.Encode()
		if err != nil {
			core.Logger.Error().Err(err).Str("mac", mac).Msg("Failed to encode device message")
			continue
		}
		if _, err := conn.Write(data); err != nil {
			core.Logger.Debug().Err(err).Str("mac", mac).Msg("Device write failed")
			conn.Close()
			return
		}
	}
}

func (s *Server) readLoop(conn net.Conn, mac, gen string) {
	buf := make([]byte, maxFrameSize)
	for s.registry.Generation(mac) == gen {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}

		data := bytes.TrimSpace(buf[:n])
		if len(data) == 0 {
			continue
		}

		// Single-byte liveness ping, echoed back.
		if len(data) == 1 && data[0] == 'P' {
			_, _ = conn.Write([]byte("P"))
			continue
		}

		msg, err := protocol.Decode(extractObject(data))
		if err != nil {
			core.Logger.Warn().Err(err).Str("mac", mac).Msg("Dropping malformed device frame")
			continue
		}
		s.uplink.SendToServer(msg)
	}
}

// extractObject strips anything before the first '{'. Some firmware
// revisions prepend stray bytes to their frames.
func extractObject(data []byte) []byte {
	if i := bytes.IndexByte(data, '{'); i > 0 {
		return data[i:]
	}
	return data
}
