package ota

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"edge-hub/pkg/core"
	"edge-hub/pkg/protocol"
)

// DefaultPort is where the LAN firmware endpoint listens.
const DefaultPort = 8452

// ErrFirmwareUnavailable means the cloud URL did not yield the binary;
// nothing is published to the device in that case.
var ErrFirmwareUnavailable = errors.New("firmware not available")

// DeviceSink publishes the rewritten envelope toward the device.
type DeviceSink interface {
	Publish(*protocol.Message)
}

// Updater caches firmware binaries locally and rewrites cloud firmware
// URLs to the LAN endpoint before devices see them. Constrained devices
// fetch firmware over plain local HTTP instead of the internet.
type Updater struct {
	dir     string
	baseURL string
	client  *http.Client
	devices DeviceSink
	server  *http.Server
}

func NewUpdater(dir string, devices DeviceSink) (*Updater, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Updater{
		dir:     dir,
		client:  &http.Client{Timeout: 60 * time.Second},
		devices: devices,
	}, nil
}

// Serve starts the LAN firmware endpoint. Returns once the listener is
// bound; serving continues in the background.
func (u *Updater) Serve(port int) error {
	ip := LocalIP()
	addr := fmt.Sprintf("%s:%d", ip, port)
	u.baseURL = fmt.Sprintf("http://%s/ota", addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/ota", u.serveFirmware)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	u.server = &http.Server{Handler: mux}
	go func() {
		if err := u.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			core.Logger.Error().Err(err).Msg("OTA server stopped")
		}
	}()

	core.Logger.Info().Str("url", u.baseURL).Msg("OTA endpoint ready")
	return nil
}

func (u *Updater) Stop() {
	if u.server != nil {
		u.server.Close()
	}
}

// HandleUpdate resolves an UPDATE_FIRMWARE envelope: download the
// binary if it is not cached, rewrite the payload URL to the LAN
// endpoint and hand the envelope to the broker. On a failed download
// nothing reaches the device.
func (u *Updater) HandleUpdate(msg *protocol.Message) error {
	toDevice := msg.String("to_device")
	version := msg.String("version")
	url := msg.String("url")
	if toDevice == "" || version == "" || url == "" {
		return nil
	}

	filename := fmt.Sprintf("%s_%s.bin", toDevice, version)
	path := filepath.Join(u.dir, filename)

	if _, err := os.Stat(path); err != nil {
		if err := u.download(url, path); err != nil {
			return err
		}
	}

	msg.Payload["url"] = fmt.Sprintf("%s?name=%s", u.baseURL, filename)
	u.devices.Publish(msg)

	core.Logger.Info().Str("file", filename).Str("device", msg.DeviceID).Msg("Firmware staged")
	return nil
}

func (u *Updater) download(url, path string) error {
	resp, err := u.client.Get(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFirmwareUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d from %s", ErrFirmwareUnavailable, resp.StatusCode, url)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func (u *Updater) serveFirmware(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="firmware.bin"`)
	http.ServeFile(w, r, filepath.Join(u.dir, filepath.Base(name)))
}

// LocalIP discovers the LAN address devices can reach us on. The UDP
// socket is never written to; it only forces route selection.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
