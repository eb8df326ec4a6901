package camera

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"

	"edge-hub/pkg/core"
)

const (
	rtspDialTimeout = 10 * time.Second
	rtspReadTimeout = 30 * time.Second
)

// Media is one playable stream of an RTSP source.
type Media struct {
	Kind       string // "audio" or "video"
	Capability pion.RTPCodecCapability

	control string
	channel byte // interleaved RTP channel; RTCP is channel+1
}

// Player is a minimal RTSP client: DESCRIBE, SETUP with TCP
// interleaving, PLAY, then a read loop delivering RTP packets through
// OnPacket. No UDP transport and no re-encoding; packets are passed on
// as received.
type Player struct {
	rawURL  string
	conn    net.Conn
	reader  *bufio.Reader
	medias  []*Media
	cseq    int
	session string
	auth    string
	closed  atomic.Bool

	OnPacket func(kind string, packet *rtp.Packet)
}

// Dial connects to an RTSP source and negotiates playback. The blocking
// handshake is expected to run off the dispatch path.
func Dial(rawURL string, timeout time.Duration) (*Player, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rtsp url: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "554")
	}

	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return nil, err
	}

	p := &Player{
		rawURL: rawURL,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		cred := u.User.Username() + ":" + pass
		p.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if err := p.negotiate(u); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return p, nil
}

// Medias lists the negotiated streams.
func (p *Player) Medias() []*Media {
	return p.medias
}

func (p *Player) negotiate(u *url.URL) error {
	// Control URLs must not carry credentials.
	target := *u
	target.User = nil
	base := target.String()

	resp, err := p.do("DESCRIBE", base, map[string]string{"Accept": "application/sdp"})
	if err != nil {
		return err
	}
	if resp.status != 200 {
		return fmt.Errorf("describe failed with status %d", resp.status)
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(resp.body); err != nil {
		return fmt.Errorf("invalid sdp: %w", err)
	}

	channel := byte(0)
	for _, md := range desc.MediaDescriptions {
		kind := md.MediaName.Media
		if kind != "audio" && kind != "video" {
			continue
		}
		capability, ok := capabilityFor(md)
		if !ok {
			core.Logger.Debug().Str("kind", kind).Msg("Skipping media with unsupported codec")
			continue
		}

		control, _ := md.Attribute("control")
		media := &Media{
			Kind:       kind,
			Capability: capability,
			control:    control,
			channel:    channel,
		}

		transport := fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", channel, channel+1)
		resp, err := p.do("SETUP", resolveControl(base, control), map[string]string{"Transport": transport})
		if err != nil {
			return err
		}
		if resp.status != 200 {
			return fmt.Errorf("setup failed with status %d", resp.status)
		}
		if session := resp.headers.Get("Session"); session != "" {
			p.session = strings.SplitN(session, ";", 2)[0]
		}

		p.medias = append(p.medias, media)
		channel += 2
	}

	if len(p.medias) == 0 {
		return fmt.Errorf("no playable media in %s", p.rawURL)
	}

	resp, err = p.do("PLAY", base, map[string]string{"Range": "npt=0.000-"})
	if err != nil {
		return err
	}
	if resp.status != 200 {
		return fmt.Errorf("play failed with status %d", resp.status)
	}

	return nil
}

// Run reads interleaved frames and dispatches RTP packets until the
// connection dies or Close is called.
func (p *Player) Run() {
	defer p.conn.Close()

	byChannel := make(map[byte]*Media, len(p.medias))
	for _, m := range p.medias {
		byChannel[m.channel] = m
	}

	header := make([]byte, 3)
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(rtspReadTimeout))

		// Resynchronize on the '$' magic byte; anything between frames
		// is a stray RTSP message we do not need.
		b, err := p.reader.ReadByte()
		if err != nil {
			p.fail(err)
			return
		}
		if b != '$' {
			continue
		}

		if _, err := io.ReadFull(p.reader, header); err != nil {
			p.fail(err)
			return
		}
		channel := header[0]
		length := int(header[1])<<8 | int(header[2])

		payload := make([]byte, length)
		if _, err := io.ReadFull(p.reader, payload); err != nil {
			p.fail(err)
			return
		}

		media, ok := byChannel[channel]
		if !ok {
			// RTCP or unknown channel
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(payload); err != nil {
			continue
		}
		if p.OnPacket != nil {
			p.OnPacket(media.Kind, packet)
		}
	}
}

// Close drops the transport. No RTSP TEARDOWN is attempted.
func (p *Player) Close() {
	p.closed.Store(true)
	p.conn.Close()
}

func (p *Player) fail(err error) {
	if !p.closed.Load() {
		core.Logger.Warn().Err(err).Str("url", p.rawURL).Msg("RTSP stream ended")
	}
}

type rtspResponse struct {
	status  int
	headers textproto.MIMEHeader
	body    []byte
}

func (p *Player) do(method, target string, headers map[string]string) (*rtspResponse, error) {
	p.cseq++

	var req strings.Builder
	fmt.Fprintf(&req, "%s %s RTSP/1.0\r\n", method, target)
	fmt.Fprintf(&req, "CSeq: %d\r\n", p.cseq)
	req.WriteString("User-Agent: edge-hub\r\n")
	if p.session != "" {
		fmt.Fprintf(&req, "Session: %s\r\n", p.session)
	}
	if p.auth != "" {
		fmt.Fprintf(&req, "Authorization: %s\r\n", p.auth)
	}
	for k, v := range headers {
		fmt.Fprintf(&req, "%s: %s\r\n", k, v)
	}
	req.WriteString("\r\n")

	if _, err := p.conn.Write([]byte(req.String())); err != nil {
		return nil, err
	}

	return p.readResponse()
}

func (p *Player) readResponse() (*rtspResponse, error) {
	tp := textproto.NewReader(p.reader)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("bad rtsp status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad rtsp status line %q", statusLine)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	resp := &rtspResponse{status: status, headers: mimeHeader}
	if cl := mimeHeader.Get("Content-Length"); cl != "" {
		length, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("bad content length %q", cl)
		}
		resp.body = make([]byte, length)
		if _, err := io.ReadFull(p.reader, resp.body); err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// resolveControl combines the presentation URL with a media control
// attribute, which may be absolute, "*" or a relative path.
func resolveControl(base, control string) string {
	switch {
	case control == "" || control == "*":
		return base
	case strings.HasPrefix(control, "rtsp://"):
		return control
	case strings.HasSuffix(base, "/"):
		return base + control
	default:
		return base + "/" + control
	}
}

// capabilityFor maps the first format of a media section to a WebRTC
// codec capability. Unsupported codecs are skipped rather than failing
// the whole source.
func capabilityFor(md *sdp.MediaDescription) (pion.RTPCodecCapability, bool) {
	if len(md.MediaName.Formats) == 0 {
		return pion.RTPCodecCapability{}, false
	}
	format := md.MediaName.Formats[0]

	encoding, clockRate, channels := rtpmapFor(md, format)
	if encoding == "" {
		// Static payload types carry no rtpmap.
		switch format {
		case "0":
			encoding, clockRate = "PCMU", 8000
		case "8":
			encoding, clockRate = "PCMA", 8000
		default:
			return pion.RTPCodecCapability{}, false
		}
	}

	var mime string
	switch strings.ToUpper(encoding) {
	case "H264":
		mime = pion.MimeTypeH264
	case "H265", "HEVC":
		mime = pion.MimeTypeH265
	case "VP8":
		mime = pion.MimeTypeVP8
	case "VP9":
		mime = pion.MimeTypeVP9
	case "AV1":
		mime = pion.MimeTypeAV1
	case "PCMU":
		mime = pion.MimeTypePCMU
	case "PCMA":
		mime = pion.MimeTypePCMA
	case "OPUS":
		mime = pion.MimeTypeOpus
	case "G722":
		mime = pion.MimeTypeG722
	default:
		return pion.RTPCodecCapability{}, false
	}

	fmtp := fmtpFor(md, format)

	return pion.RTPCodecCapability{
		MimeType:    mime,
		ClockRate:   clockRate,
		Channels:    channels,
		SDPFmtpLine: fmtp,
	}, true
}

// rtpmapFor finds the rtpmap attribute for a payload type and returns
// encoding name, clock rate and channel count.
func rtpmapFor(md *sdp.MediaDescription, format string) (string, uint32, uint16) {
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" || !strings.HasPrefix(attr.Value, format+" ") {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(attr.Value, format+" "), "/")
		encoding := fields[0]
		var clockRate uint32
		var channels uint16
		if len(fields) > 1 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				clockRate = uint32(v)
			}
		}
		if len(fields) > 2 {
			if v, err := strconv.Atoi(fields[2]); err == nil {
				channels = uint16(v)
			}
		}
		return encoding, clockRate, channels
	}
	return "", 0, 0
}

func fmtpFor(md *sdp.MediaDescription, format string) string {
	for _, attr := range md.Attributes {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, format+" ") {
			return strings.TrimPrefix(attr.Value, format+" ")
		}
	}
	return ""
}
