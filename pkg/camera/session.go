package camera

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

const stunServer = "stun:stun.l.google.com:19302"

// Session is one viewer's WebRTC peer connection. It lives from the
// camera offer until the peer connection fails, disconnects or closes,
// at which point it removes itself from the manager via the injected
// cleanup callback.
type Session struct {
	Token string
	RTSP  string

	pc       *pion.PeerConnection
	uplink   UplinkSink
	onDelete func(token, rtsp string)

	closeOnce sync.Once
}

func NewSession(token, rtsp string, uplink UplinkSink, onDelete func(token, rtsp string)) (*Session, error) {
	pc, err := pion.NewPeerConnection(pion.Configuration{
		ICEServers: []pion.ICEServer{
			{URLs: []string{stunServer}},
		},
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		Token:    token,
		RTSP:     rtsp,
		pc:       pc,
		uplink:   uplink,
		onDelete: onDelete,
	}

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		switch state {
		case pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateClosed:
			core.Logger.Debug().Str("token", token).Str("state", state.String()).Msg("Camera session ended")
			s.Stop()
			s.onDelete(token, rtsp)
		}
	})

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		s.sendCandidate(candidate.ToJSON())
	})

	return s, nil
}

// HandleOffer applies the viewer's offer, attaches the relay tracks and
// returns the CAMERA_ANSWER envelope correlated by messageID.
func (s *Session) HandleOffer(offer map[string]any, tracks []*pion.TrackLocalStaticRTP, messageID string) (*protocol.Message, error) {
	sdp, _ := offer["sdp"].(string)
	offerType, _ := offer["type"].(string)
	if sdp == "" || offerType == "" {
		return nil, fmt.Errorf("offer is missing sdp or type")
	}

	remote := pion.SessionDescription{
		Type: pion.NewSDPType(offerType),
		SDP:  sdp,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return nil, err
	}

	for _, track := range tracks {
		if _, err := s.pc.AddTrack(track); err != nil {
			return nil, err
		}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	local := s.pc.LocalDescription()
	return &protocol.Message{
		MessageID:    messageID,
		MessageType:  protocol.TypeResponse,
		MessageEvent: protocol.EventCameraAnswer,
		DeviceID:     protocol.CameraDeviceID,
		Payload: map[string]any{
			"token": s.Token,
			"answer": map[string]any{
				"sdp":  local.SDP,
				"type": local.Type.String(),
			},
		},
	}, nil
}

// Stop closes the peer connection. Safe to call more than once.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		if err := s.pc.Close(); err != nil {
			core.Logger.Debug().Err(err).Str("token", s.Token).Msg("Peer connection close failed")
		}
	})
}

func (s *Session) sendCandidate(candidate pion.ICECandidateInit) {
	if s.uplink == nil {
		return
	}

	payload := map[string]any{
		"candidate": candidate.Candidate,
	}
	if candidate.SDPMid != nil {
		payload["sdpMid"] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = int(*candidate.SDPMLineIndex)
	}

	s.uplink.SendToServer(&protocol.Message{
		MessageID:    uuid.NewString(),
		MessageType:  protocol.TypeResponse,
		MessageEvent: protocol.EventCameraICE,
		DeviceID:     protocol.CameraDeviceID,
		Payload: map[string]any{
			"token":     s.Token,
			"candidate": payload,
		},
	})
}
