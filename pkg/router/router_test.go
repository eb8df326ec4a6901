package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-hub/pkg/camera"
	"edge-hub/pkg/protocol"
)

const testMac = "aa:bb:cc:dd:ee:ff"

type fakeFirmware struct {
	updates chan *protocol.Message
}

func (f *fakeFirmware) HandleUpdate(msg *protocol.Message) error {
	f.updates <- msg
	return nil
}

type fakeTable struct {
	mu        sync.Mutex
	delivered []*protocol.Message
	accept    bool
}

func (f *fakeTable) Deliver(msg *protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.accept {
		return false
	}
	f.delivered = append(f.delivered, msg)
	return true
}

type fakeSink struct {
	mu        sync.Mutex
	published []*protocol.Message
}

func (f *fakeSink) Publish(msg *protocol.Message) {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func envelope(id string, event protocol.MessageEvent) *protocol.Message {
	return &protocol.Message{
		MessageID:    id,
		MessageType:  protocol.TypeRequest,
		MessageEvent: event,
		DeviceID:     testMac,
		Payload:      map[string]any{},
	}
}

func newRouter(table *fakeTable, fw *fakeFirmware) (*Router, *fakeSink) {
	r := New("ws://unused/", camera.NewManager(), fw, table)
	sink := &fakeSink{}
	r.BindBroker(sink)
	return r, sink
}

func TestDispatchFirmwareUpdateIsAsync(t *testing.T) {
	fw := &fakeFirmware{updates: make(chan *protocol.Message, 1)}
	r, sink := newRouter(&fakeTable{accept: true}, fw)

	msg := envelope("fw-1", protocol.EventUpdateFirmware)
	r.dispatch(msg)

	select {
	case got := <-fw.updates:
		assert.Equal(t, "fw-1", got.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("firmware update never reached the client")
	}
	assert.Equal(t, 0, sink.count())
}

func TestForwardPrefersTCPDevice(t *testing.T) {
	table := &fakeTable{accept: true}
	fw := &fakeFirmware{updates: make(chan *protocol.Message, 1)}
	r, sink := newRouter(table, fw)

	r.forward(envelope("d-1", protocol.EventSetSettings))

	table.mu.Lock()
	defer table.mu.Unlock()
	require.Len(t, table.delivered, 1)
	assert.Equal(t, "d-1", table.delivered[0].MessageID)
	assert.Equal(t, 0, sink.count())
}

func TestForwardFallsBackToMQTT(t *testing.T) {
	table := &fakeTable{accept: false}
	fw := &fakeFirmware{updates: make(chan *protocol.Message, 1)}
	r, sink := newRouter(table, fw)

	r.forward(envelope("d-2", protocol.EventSetSettings))

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "d-2", sink.published[0].MessageID)
}

func TestDownlinkDrainsInOrder(t *testing.T) {
	table := &fakeTable{accept: true}
	fw := &fakeFirmware{updates: make(chan *protocol.Message, 1)}
	r, _ := newRouter(table, fw)

	r.dispatch(envelope("d-1", protocol.EventSetSettings))
	r.dispatch(envelope("d-2", protocol.EventTurnOn))
	r.dispatch(envelope("d-3", protocol.EventTurnOff))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.downlinkPump(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		table.mu.Lock()
		n := len(table.delivered)
		table.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	require.Len(t, table.delivered, 3)
	for i, want := range []string{"d-1", "d-2", "d-3"} {
		assert.Equal(t, want, table.delivered[i].MessageID)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Publish(*protocol.Message) {
	<-s.release
}

func TestDispatchNotStalledBySlowBrokerAck(t *testing.T) {
	table := &fakeTable{accept: false}
	fw := &fakeFirmware{updates: make(chan *protocol.Message, 1)}
	r := New("ws://unused/", camera.NewManager(), fw, table)

	slow := &blockingSink{release: make(chan struct{})}
	defer close(slow.release)
	r.BindBroker(slow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.downlinkPump(ctx)

	// The worker blocks on the first publish; the reader path keeps
	// dispatching regardless.
	r.dispatch(envelope("m-1", protocol.EventSetSettings))
	r.dispatch(envelope("fw-1", protocol.EventUpdateFirmware))

	select {
	case got := <-fw.updates:
		assert.Equal(t, "fw-1", got.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("firmware dispatch stalled behind a slow broker publish")
	}
}

func TestSendToServerQueuesFIFO(t *testing.T) {
	r, _ := newRouter(&fakeTable{}, &fakeFirmware{updates: make(chan *protocol.Message, 1)})

	r.SendToServer(envelope("1", protocol.EventStateChange))
	r.SendToServer(envelope("2", protocol.EventStateChange))
	r.SendToServer(envelope("3", protocol.EventStateChange))
	assert.Equal(t, 3, r.QueueLen())

	for _, want := range []string{"1", "2", "3"} {
		msg, ok := r.pop()
		require.True(t, ok)
		assert.Equal(t, want, msg.MessageID)
	}
	_, ok := r.pop()
	assert.False(t, ok)
}

func TestUplinkDeliversQueueInOrder(t *testing.T) {
	var upgrader websocket.Upgrader

	received := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			received <- msg.MessageID
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	r := New(wsURL, camera.NewManager(), &fakeFirmware{updates: make(chan *protocol.Message, 1)}, &fakeTable{})
	r.BindBroker(&fakeSink{})

	r.SendToServer(envelope("a", protocol.EventStateChange))
	r.SendToServer(envelope("b", protocol.EventStateChange))
	r.SendToServer(envelope("c", protocol.EventStateChange))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("uplink message %q never arrived", want)
		}
	}
}

func TestDownlinkDispatchOverUplink(t *testing.T) {
	var upgrader websocket.Upgrader

	frame, err := envelope("dl-1", protocol.EventTurnOn).Encode()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
		// Hold the session open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	table := &fakeTable{accept: true}
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	r := New(wsURL, camera.NewManager(), &fakeFirmware{updates: make(chan *protocol.Message, 1)}, table)
	r.BindBroker(&fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		table.mu.Lock()
		n := len(table.delivered)
		table.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	require.Len(t, table.delivered, 1)
	assert.Equal(t, "dl-1", table.delivered[0].MessageID)
}
