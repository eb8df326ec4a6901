package camera

import (
	"errors"
	"syscall"
)

var (
	// ErrCameraUnavailable means the shared player is absent after the
	// open gate released, with no recorded dial failure.
	ErrCameraUnavailable = errors.New("camera not available")

	// ErrConnectFailed wraps RTSP dial failures.
	ErrConnectFailed = errors.New("could not connect to camera")
)

// errnoText maps common I/O errnos to the human text sent to the cloud
// in CAMERA_ERROR envelopes.
var errnoText = map[syscall.Errno]string{
	syscall.EPERM:     "Operation not permitted",
	syscall.ENOENT:    "No such file or directory",
	syscall.EIO:       "Input/output error",
	syscall.EAGAIN:    "Resource temporarily unavailable",
	syscall.EINVAL:    "Invalid argument",
	syscall.ETIMEDOUT: "Connection timed out",
}

// humanError converts an offer-handling failure into the text carried
// by a CAMERA_ERROR envelope. Unknown failures all map to one string so
// internals never leak to viewers.
func humanError(err error) string {
	switch {
	case errors.Is(err, ErrConnectFailed):
		return "Could not connect to camera"
	case errors.Is(err, ErrCameraUnavailable):
		return "Camera not available"
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if text, ok := errnoText[errno]; ok {
			return text
		}
	}

	return "Unknown error"
}
