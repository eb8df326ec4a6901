package core

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

// MemoryLog keeps the most recent log output so it can be inspected
// after the fact without scrolling back through stdout.
var MemoryLog = newLogBuffer(1 << 18)

// InitLogger configures the global logger. Unknown level strings fall
// back to info so a bad LOGGER_LEVEL never prevents startup.
func InitLogger(level string) zerolog.Logger {
	console := &zerolog.ConsoleWriter{Out: os.Stdout}
	console.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
	console.TimeFormat = "15:04:05.000"

	writer := zerolog.MultiLevelWriter(console, MemoryLog)

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	Logger = zerolog.New(writer).Level(lvl).With().Timestamp().Logger()

	return Logger
}

// logBuffer is a fixed-size ring over raw log bytes. Old output is
// overwritten once the ring wraps.
type logBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	full bool
	w    int
}

func newLogBuffer(size int) *logBuffer {
	return &logBuffer{buf: make([]byte, size), size: size}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	n := len(p)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Entries larger than the ring keep only their tail.
	if n >= b.size {
		copy(b.buf, p[n-b.size:])
		b.w = 0
		b.full = true
		return n, nil
	}

	written := copy(b.buf[b.w:], p)
	if written < n {
		copy(b.buf, p[written:])
		b.full = true
	}
	b.w = (b.w + n) % b.size
	if b.w == 0 && written == n {
		b.full = true
	}
	return n, nil
}

// WriteTo dumps the buffered output, oldest first.
func (b *logBuffer) WriteTo(w io.Writer) (int64, error) {
	b.mu.Lock()
	var out []byte
	if b.full {
		out = make([]byte, 0, b.size)
		out = append(out, b.buf[b.w:]...)
		out = append(out, b.buf[:b.w]...)
	} else {
		out = append(out, b.buf[:b.w]...)
	}
	b.mu.Unlock()

	n, err := w.Write(out)
	return int64(n), err
}

func (b *logBuffer) Reset() {
	b.mu.Lock()
	b.w = 0
	b.full = false
	b.mu.Unlock()
}
