package devices

import (
	"sync"

	"github.com/google/uuid"

	"edge-hub/pkg/protocol"
)

type device struct {
	generation string
	queue      []*protocol.Message
}

// Registry is the live TCP device table: MAC -> current generation and
// its outbound queue. A fresh generation is minted on every accepted
// handshake; loops holding a stale generation observe the mismatch and
// exit on their next iteration.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*device)}
}

// Register installs a fresh entry for mac, superseding any previous
// generation, and returns the new generation token.
func (r *Registry) Register(mac string) string {
	gen := uuid.NewString()
	r.mu.Lock()
	r.devices[mac] = &device{generation: gen}
	r.mu.Unlock()
	return gen
}

// Generation returns the current generation token for mac, or "" when
// the device is not registered.
func (r *Registry) Generation(mac string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.devices[mac]; ok {
		return d.generation
	}
	return ""
}

// Has reports whether mac currently has a live TCP connection.
func (r *Registry) Has(mac string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[mac]
	return ok
}

// Deliver appends msg to the device's outbound queue. It returns false
// when the device is not on TCP, letting the router fall back to MQTT.
func (r *Registry) Deliver(msg *protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[msg.DeviceID]
	if !ok {
		return false
	}
	d.queue = append(d.queue, msg)
	return true
}

// Dequeue pops the next outbound message for mac, provided gen is still
// the current generation.
func (r *Registry) Dequeue(mac, gen string) (*protocol.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[mac]
	if !ok || d.generation != gen || len(d.queue) == 0 {
		return nil, false
	}
	msg := d.queue[0]
	d.queue = d.queue[1:]
	return msg, true
}

// Remove deletes the entry for mac if gen is still current. It returns
// true only for the caller that actually removed the entry, so exactly
// one teardown path emits the disconnect envelope.
func (r *Registry) Remove(mac, gen string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[mac]
	if !ok || d.generation != gen {
		return false
	}
	delete(r.devices, mac)
	return true
}

// Macs lists the registered device addresses.
func (r *Registry) Macs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	macs := make([]string, 0, len(r.devices))
	for mac := range r.devices {
		macs = append(macs, mac)
	}
	return macs
}
