package core

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerLevels(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, InitLogger("debug").GetLevel())
	assert.Equal(t, zerolog.WarnLevel, InitLogger("warn").GetLevel())

	// Bad or empty levels never prevent startup.
	assert.Equal(t, zerolog.InfoLevel, InitLogger("verbose").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, InitLogger("").GetLevel())
}

func TestInitLoggerSetsGlobal(t *testing.T) {
	logger := InitLogger("error")
	assert.Equal(t, logger.GetLevel(), Logger.GetLevel())
}

func TestLogBufferKeepsRecentOutput(t *testing.T) {
	b := newLogBuffer(16)

	_, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = b.Write([]byte("world"))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.String())
}

func TestLogBufferWrapsOldestFirst(t *testing.T) {
	b := newLogBuffer(8)

	for _, chunk := range []string{"aaaa", "bbbb", "cccc"} {
		_, err := b.Write([]byte(chunk))
		require.NoError(t, err)
	}

	var out bytes.Buffer
	_, err := b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "bbbbcccc", out.String())

	b.Reset()
	out.Reset()
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestLogBufferOversizeWrite(t *testing.T) {
	b := newLogBuffer(4)

	_, err := b.Write([]byte("0123456789"))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "6789", out.String())
}
