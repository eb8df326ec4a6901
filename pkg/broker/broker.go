package broker

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

const (
	clientID       = "Hub"
	subscribeTopic = "hub"
	broadcastTopic = "device/broadcast/"

	sessionExpirySeconds = 3600
	reconnectDelay       = 5 * time.Second
)

// broadcastEvents lists the events published to every device instead of
// a single MAC topic.
var broadcastEvents = map[protocol.MessageEvent]struct{}{
	protocol.EventGetConnectedDevices: {},
}

// UplinkSink receives envelopes that should go out the cloud WebSocket.
type UplinkSink interface {
	SendToServer(*protocol.Message)
}

// Broker keeps a persistent MQTTv5 session to the local broker and
// delivers downlink envelopes to devices. Publishes while disconnected
// land in an offline queue that is drained FIFO on reconnect. Publish
// and connect failures are never propagated to callers.
type Broker struct {
	serverURL *url.URL
	cm        *autopaho.ConnectionManager
	uplink    UplinkSink

	// mu guards connected and offline together; the queue-vs-direct
	// decision and the flag flip after draining happen under the same
	// lock so no publish can slip between them.
	mu        sync.Mutex
	connected bool
	offline   []*protocol.Message

	// replaced by tests
	publish func(topic string, payload []byte) error
}

func New(host string, port int) (*Broker, error) {
	u, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("invalid mqtt broker address: %w", err)
	}
	return &Broker{serverURL: u}, nil
}

// BindUplink wires the router back-reference. Incoming MQTT envelopes
// flow out the uplink through it.
func (b *Broker) BindUplink(u UplinkSink) {
	b.uplink = u
}

// Start connects to the broker and keeps the session alive in the
// background. Connection maintenance never surfaces to the caller;
// only the initial configuration can fail.
func (b *Broker) Start(ctx context.Context) error {
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{b.serverURL},
		KeepAlive:                     60,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         sessionExpirySeconds,
		ReconnectBackoff:              autopaho.NewConstantBackoff(reconnectDelay),
		OnConnectionUp:                b.onConnectionUp,
		OnConnectError: func(err error) {
			b.setDisconnected()
			core.Logger.Warn().Err(err).Msg("MQTT connect failed, retrying")
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
			OnClientError: func(err error) {
				b.setDisconnected()
				core.Logger.Warn().Err(err).Msg("MQTT client error")
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.setDisconnected()
				core.Logger.Warn().Int("reason", int(d.ReasonCode)).Msg("MQTT server disconnect")
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connection manager: %w", err)
	}
	b.cm = cm

	if b.publish == nil {
		b.publish = func(topic string, payload []byte) error {
			pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			_, err := cm.Publish(pubCtx, &paho.Publish{
				Topic:   topic,
				QoS:     1,
				Payload: payload,
			})
			return err
		}
	}

	return nil
}

func (b *Broker) Stop() {
	if b.cm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = b.cm.Disconnect(ctx)
	}
	b.setDisconnected()
}

func (b *Broker) setDisconnected() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
}

// Publish delivers an envelope to its device topic, or queues it when
// the broker is unreachable. The decision is taken under the queue
// lock, so a message either lands in the queue before drainOffline
// marks the session live or publishes directly after it. Failures are
// logged, never returned.
func (b *Broker) Publish(msg *protocol.Message) {
	b.mu.Lock()
	if !b.connected {
		b.offline = append(b.offline, msg)
		n := len(b.offline)
		b.mu.Unlock()
		core.Logger.Debug().Int("queued", n).Str("device", msg.DeviceID).Msg("MQTT offline, message queued")
		return
	}
	b.mu.Unlock()
	b.publishMessage(msg)
}

// QueuedCount reports the offline queue length.
func (b *Broker) QueuedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.offline)
}

func (b *Broker) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	core.Logger.Info().Str("broker", b.serverURL.String()).Msg("Connected to MQTT broker")

	subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: subscribeTopic, QoS: 1},
		},
	}); err != nil {
		core.Logger.Error().Err(err).Str("topic", subscribeTopic).Msg("MQTT subscribe failed")
	}

	b.drainOffline()
}

// drainOffline publishes the queued messages FIFO and, once the queue
// is observed empty, marks the session live in the same critical
// section. Messages appended mid-drain are picked up on the next
// iteration instead of stranding until another reconnect.
func (b *Broker) drainOffline() {
	for {
		b.mu.Lock()
		if len(b.offline) == 0 {
			b.connected = true
			b.mu.Unlock()
			return
		}
		msg := b.offline[0]
		b.offline = b.offline[1:]
		b.mu.Unlock()

		b.publishMessage(msg)
	}
}

func (b *Broker) publishMessage(msg *protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		core.Logger.Error().Err(err).Msg("Failed to encode device message")
		return
	}
	topic := topicFor(msg)
	if err := b.publish(topic, data); err != nil {
		core.Logger.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

func (b *Broker) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	msg, err := protocol.Decode(pr.Packet.Payload)
	if err != nil {
		core.Logger.Warn().Err(err).Str("topic", pr.Packet.Topic).Msg("Dropping malformed MQTT message")
		return true, nil
	}
	if b.uplink != nil {
		b.uplink.SendToServer(msg)
	}
	return true, nil
}

// topicFor picks broadcast or unicast delivery. The policy is driven by
// the event, not the payload.
func topicFor(msg *protocol.Message) string {
	if _, ok := broadcastEvents[msg.MessageEvent]; ok {
		return broadcastTopic
	}
	return fmt.Sprintf("device/%s/", msg.DeviceID)
}
