package camera

import (
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"edge-hub/pkg/core"
)

// Connection is the RTSP ingest side of one camera, shared by every
// viewer of the same URL. It opens at most once; the gate releases even
// when the dial fails so waiters observe the failure instead of
// hanging.
type Connection struct {
	rtspURL string

	mu      sync.Mutex
	player  *Player
	relay   *Relay
	opened  chan struct{}
	openErr error
	viewers map[string]struct{}

	// pending counts offers between connection lookup and viewer
	// registration, so teardown for one token cannot reap a connection
	// another offer is still setting up on.
	pending int
}

func NewConnection(rtspURL string) *Connection {
	return &Connection{
		rtspURL: rtspURL,
		relay:   NewRelay(),
		opened:  make(chan struct{}),
		viewers: make(map[string]struct{}),
	}
}

// Open dials the RTSP source. Idempotent and safe to call concurrently;
// callers after the first return immediately. Blocking, so run it off
// the dispatch path.
func (c *Connection) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.opened:
		return
	default:
	}
	if c.player != nil {
		return
	}

	// The gate releases no matter how the dial went.
	defer close(c.opened)

	player, err := Dial(c.rtspURL, rtspDialTimeout)
	if err != nil {
		c.openErr = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		core.Logger.Error().Err(err).Str("url", c.rtspURL).Msg("RTSP dial failed")
		return
	}

	player.OnPacket = c.relay.WriteRTP
	c.player = player
	go player.Run()

	core.Logger.Info().Str("url", c.rtspURL).Msg("Camera stream opened")
}

// GetTracks blocks on the open gate, then returns fresh relay
// subscriptions for every negotiated media.
func (c *Connection) GetTracks() ([]*pion.TrackLocalStaticRTP, error) {
	c.mu.Lock()
	gate := c.opened
	c.mu.Unlock()

	<-gate

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.player == nil {
		if c.openErr != nil {
			return nil, c.openErr
		}
		return nil, ErrCameraUnavailable
	}

	var tracks []*pion.TrackLocalStaticRTP
	for _, media := range c.player.Medias() {
		track, err := c.relay.Subscribe(media.Kind, media.Capability)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// AddViewer records a session token watching this camera.
func (c *Connection) AddViewer(token string) {
	c.mu.Lock()
	c.viewers[token] = struct{}{}
	c.mu.Unlock()
}

// RemoveViewer drops a token from the viewer set. Unknown tokens are a
// no-op.
func (c *Connection) RemoveViewer(token string) {
	c.mu.Lock()
	delete(c.viewers, token)
	c.mu.Unlock()
}

// ViewerCount reports the current number of viewers.
func (c *Connection) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers)
}

// BeginAttempt marks an offer in flight on this connection.
func (c *Connection) BeginAttempt() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
}

// EndAttempt retires an in-flight offer, whether it became a viewer or
// failed.
func (c *Connection) EndAttempt() {
	c.mu.Lock()
	if c.pending > 0 {
		c.pending--
	}
	c.mu.Unlock()
}

// Idle reports whether the connection has no viewers and no offer in
// flight, and is therefore safe to reap.
func (c *Connection) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.viewers) == 0 && c.pending == 0
}

// Stop drops the player, clears the gate and empties the viewer set.
func (c *Connection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.player != nil {
		c.player.Close()
		c.player = nil
	}
	c.openErr = nil
	c.opened = make(chan struct{})
	c.relay.Close()
	c.viewers = make(map[string]struct{})
	c.pending = 0
}
