package camera

import (
	"sync"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"edge-hub/pkg/core"
)

// Relay fans RTP packets from a single RTSP ingest out to any number of
// viewer tracks. Every Subscribe call returns an independent local
// track, so sessions sharing one camera never compete over a consumer.
type Relay struct {
	mu   sync.RWMutex
	subs map[string][]*pion.TrackLocalStaticRTP // kind -> tracks
}

func NewRelay() *Relay {
	return &Relay{subs: make(map[string][]*pion.TrackLocalStaticRTP)}
}

// Subscribe creates a fresh local track fed by the shared ingest.
func (r *Relay) Subscribe(kind string, capability pion.RTPCodecCapability) (*pion.TrackLocalStaticRTP, error) {
	track, err := pion.NewTrackLocalStaticRTP(capability, kind, "edge-hub")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.subs[kind] = append(r.subs[kind], track)
	r.mu.Unlock()

	return track, nil
}

// WriteRTP forwards one ingest packet to every subscriber of its kind.
// Each subscriber gets its own packet copy; pion rewrites sequence
// numbers per track.
func (r *Relay) WriteRTP(kind string, packet *rtp.Packet) {
	r.mu.RLock()
	tracks := r.subs[kind]
	r.mu.RUnlock()

	for _, track := range tracks {
		cp := *packet
		if err := track.WriteRTP(&cp); err != nil {
			core.Logger.Debug().Err(err).Str("kind", kind).Msg("Relay write failed")
		}
	}
}

// SubscriberCount reports live tracks for a media kind.
func (r *Relay) SubscriberCount(kind string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

func (r *Relay) Close() {
	r.mu.Lock()
	r.subs = make(map[string][]*pion.TrackLocalStaticRTP)
	r.mu.Unlock()
}
