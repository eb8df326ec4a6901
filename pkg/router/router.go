package router

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edge-hub/pkg/camera"
	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

const (
	reconnectDelay = 5 * time.Second
	writeIdleDelay = 100 * time.Millisecond
)

// DeviceSink publishes downlink envelopes toward MQTT devices.
type DeviceSink interface {
	Publish(*protocol.Message)
}

// DeviceTable delivers an envelope to a TCP device's outbound queue,
// reporting false when the device does not live on TCP.
type DeviceTable interface {
	Deliver(*protocol.Message) bool
}

// FirmwareClient resolves a cloud firmware URL into a LAN one and hands
// the envelope on toward the device.
type FirmwareClient interface {
	HandleUpdate(*protocol.Message) error
}

// Router owns the persistent WebSocket uplink and fans messages between
// the cloud and the local subsystems. The uplink outbound queue is the
// single FIFO every component appends to via SendToServer.
type Router struct {
	uri     string
	cameras *camera.Manager
	ota     FirmwareClient
	devices DeviceTable
	broker  DeviceSink // bound after construction

	mu       sync.Mutex
	queue    []*protocol.Message
	downlink []*protocol.Message
}

func New(uri string, cameras *camera.Manager, ota FirmwareClient, devices DeviceTable) *Router {
	return &Router{
		uri:     uri,
		cameras: cameras,
		ota:     ota,
		devices: devices,
	}
}

// BindBroker closes the Router/Broker cycle after construction.
func (r *Router) BindBroker(b DeviceSink) {
	r.broker = b
}

// SendToServer appends an envelope to the uplink outbound queue. Safe
// from any goroutine; ordering per producer is preserved.
func (r *Router) SendToServer(msg *protocol.Message) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
}

// QueueLen reports the pending uplink messages.
func (r *Router) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Start runs the uplink until ctx is cancelled, reconnecting with a
// fixed delay on every failure. Messages in flight during a drop are
// lost; each uplink session is independent.
func (r *Router) Start(ctx context.Context) {
	go r.downlinkPump(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.uri, nil)
		if err != nil {
			core.Logger.Warn().Err(err).Str("uri", r.uri).Msg("Uplink connect failed, retrying")
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		core.Logger.Info().Str("uri", r.uri).Msg("Connected to server")
		r.run(ctx, conn)
		core.Logger.Warn().Msg("Uplink closed, reconnecting")

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

// run drives one uplink session: a downlink reader and an uplink
// writer. Either side failing closes the socket and ends the session.
func (r *Router) run(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.readPump(conn)
	}()

	go func() {
		select {
		case <-sessionCtx.Done():
		case <-done:
		}
		conn.Close()
	}()

	r.writePump(sessionCtx, conn, done)
	<-done
}

func (r *Router) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			core.Logger.Warn().Err(err).Msg("Dropping malformed uplink message")
			continue
		}

		r.dispatch(msg)
	}
}

// dispatch routes one downlink envelope. Firmware updates go through
// the OTA client, camera signalling to the camera manager, everything
// else is queued for the downlink worker. Nothing here blocks the
// reader; a slow broker ack only delays device messages behind it in
// the downlink queue.
func (r *Router) dispatch(msg *protocol.Message) {
	switch {
	case msg.MessageEvent == protocol.EventUpdateFirmware:
		go func() {
			if err := r.ota.HandleUpdate(msg); err != nil {
				core.Logger.Error().Err(err).Str("device", msg.DeviceID).Msg("Firmware update failed")
			}
		}()

	case msg.DeviceID == protocol.CameraDeviceID:
		go r.cameras.OnMessage(msg)

	default:
		r.mu.Lock()
		r.downlink = append(r.downlink, msg)
		r.mu.Unlock()
	}
}

// downlinkPump drains the device downlink queue in FIFO order, keeping
// per-device ordering intact across the TCP and MQTT paths.
func (r *Router) downlinkPump(ctx context.Context) {
	for {
		msg, ok := r.popDownlink()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(writeIdleDelay):
			}
			continue
		}
		r.forward(msg)
	}
}

// forward hands one envelope to the device living on TCP or, failing
// that, MQTT.
func (r *Router) forward(msg *protocol.Message) {
	if r.devices != nil && r.devices.Deliver(msg) {
		return
	}
	if r.broker != nil {
		r.broker.Publish(msg)
	}
}

func (r *Router) writePump(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for {
		msg, ok := r.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-time.After(writeIdleDelay):
			}
			continue
		}

		data, err := msg.Encode()
		if err != nil {
			core.Logger.Error().Err(err).Msg("Failed to encode uplink message")
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			core.Logger.Debug().Err(err).Msg("Uplink write failed")
			return
		}
	}
}

func (r *Router) pop() (*protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, false
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, true
}

func (r *Router) popDownlink() (*protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.downlink) == 0 {
		return nil, false
	}
	msg := r.downlink[0]
	r.downlink = r.downlink[1:]
	return msg, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
