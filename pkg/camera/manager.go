package camera

import (
	"sync"

	"github.com/google/uuid"

	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

// UplinkSink receives envelopes that should go out the cloud WebSocket.
type UplinkSink interface {
	SendToServer(*protocol.Message)
}

// Manager owns the camera connection pool and the session registry and
// dispatches camera signalling from the cloud. Connections are shared
// per RTSP URL; sessions are one per viewer token.
type Manager struct {
	mu          sync.Mutex
	connections map[string]*Connection // rtsp url -> shared ingest
	sessions    map[string]*Session    // viewer token -> session
	uplink      UplinkSink
}

func NewManager() *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]*Session),
	}
}

func (m *Manager) BindUplink(u UplinkSink) {
	m.uplink = u
}

// OnMessage handles one camera envelope. Run it in its own goroutine;
// every failure becomes a CAMERA_ERROR envelope, never a panic of the
// dispatch loop.
func (m *Manager) OnMessage(msg *protocol.Message) {
	token := msg.String("token")
	if token == "" {
		return
	}

	switch msg.MessageEvent {
	case protocol.EventCameraOffer:
		m.handleOffer(msg, token)
	case protocol.EventCameraDisconnect:
		m.handleDisconnect(token)
	default:
		core.Logger.Debug().Str("event", string(msg.MessageEvent)).Msg("Ignoring camera event")
	}
}

func (m *Manager) handleOffer(msg *protocol.Message, token string) {
	rtsp := msg.String("rtsp")
	offer, _ := msg.Payload["offer"].(map[string]any)
	if rtsp == "" || offer == nil {
		m.sendError(msg.MessageID, token, "Unknown error")
		return
	}

	conn, created := m.getOrCreateConnection(rtsp)
	if created {
		conn.Open()
	}

	session, err := NewSession(token, rtsp, m.uplink, m.DeleteSession)
	if err != nil {
		core.Logger.Error().Err(err).Str("token", token).Msg("Failed to create camera session")
		m.sendError(msg.MessageID, token, humanError(err))
		conn.EndAttempt()
		m.removeConnectionIfIdle(rtsp)
		return
	}

	m.mu.Lock()
	m.sessions[token] = session
	m.mu.Unlock()

	tracks, err := conn.GetTracks()
	if err != nil {
		core.Logger.Warn().Err(err).Str("url", rtsp).Msg("Camera tracks unavailable")
		m.sendError(msg.MessageID, token, humanError(err))
		conn.EndAttempt()
		m.DeleteSession(token, rtsp)
		return
	}

	answer, err := session.HandleOffer(offer, tracks, msg.MessageID)
	if err != nil {
		core.Logger.Warn().Err(err).Str("token", token).Msg("Offer handling failed")
		m.sendError(msg.MessageID, token, humanError(err))
		conn.EndAttempt()
		m.DeleteSession(token, rtsp)
		return
	}

	m.uplink.SendToServer(answer)
	conn.AddViewer(token)
	conn.EndAttempt()
}

func (m *Manager) handleDisconnect(token string) {
	m.mu.Lock()
	session, ok := m.sessions[token]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.DeleteSession(token, session.RTSP)
}

// DeleteSession tears down a session and, when the URL has neither
// viewers nor offers in flight, the shared connection. Idempotent; it
// is reached both from explicit disconnects and from peer-connection
// state callbacks.
func (m *Manager) DeleteSession(token, rtsp string) {
	m.mu.Lock()
	session, hadSession := m.sessions[token]
	delete(m.sessions, token)

	var conn *Connection
	if c, ok := m.connections[rtsp]; ok {
		c.RemoveViewer(token)
		if c.Idle() {
			delete(m.connections, rtsp)
			conn = c
		}
	}
	m.mu.Unlock()

	// Stop outside the lock: closing the peer connection re-enters
	// DeleteSession through the state-change callback.
	if hadSession {
		session.Stop()
	}
	if conn != nil {
		conn.Stop()
		core.Logger.Info().Str("url", rtsp).Msg("Camera stream closed")
	}
}

// SessionCount reports live viewer sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ConnectionCount reports live shared ingests.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// getOrCreateConnection looks up or creates the shared connection and
// marks the offer in flight while still under the manager lock, so a
// concurrent teardown never observes the connection as idle mid-setup.
func (m *Manager) getOrCreateConnection(rtsp string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.connections[rtsp]; ok {
		conn.BeginAttempt()
		return conn, false
	}
	conn := NewConnection(rtsp)
	conn.BeginAttempt()
	m.connections[rtsp] = conn
	return conn, true
}

// removeConnectionIfIdle drops a connection that never gained viewers,
// covering failures between creation and viewer registration.
func (m *Manager) removeConnectionIfIdle(rtsp string) {
	m.mu.Lock()
	conn, ok := m.connections[rtsp]
	if ok && conn.Idle() {
		delete(m.connections, rtsp)
	} else {
		conn = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Stop()
	}
}

func (m *Manager) sendError(messageID, token, text string) {
	if m.uplink == nil {
		return
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	m.uplink.SendToServer(&protocol.Message{
		MessageID:    messageID,
		MessageType:  protocol.TypeResponse,
		MessageEvent: protocol.EventCameraError,
		DeviceID:     protocol.CameraDeviceID,
		Payload: map[string]any{
			"token": token,
			"error": text,
		},
	})
}
