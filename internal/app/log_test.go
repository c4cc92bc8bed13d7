package app

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCircularBuffer(t *testing.T) {
	b := newBuffer(4)

	_, err := b.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = b.Write([]byte("world"))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	require.Equal(t, "hello world", out.String())

	b.Reset()
	out.Reset()
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	require.Empty(t, out.String())
}

func TestCircularBufferOverflow(t *testing.T) {
	b := newBuffer(2)

	big := bytes.Repeat([]byte("x"), chunkSize-1)
	for i := 0; i < 4; i++ {
		_, err := b.Write(big)
		require.NoError(t, err)
	}

	// only the last chunks survive
	var out bytes.Buffer
	_, err := b.WriteTo(&out)
	require.NoError(t, err)
	require.LessOrEqual(t, out.Len(), 2*chunkSize)
	require.NotZero(t, out.Len())
}

func TestParseConfString(t *testing.T) {
	require.Nil(t, parseConfString("tuyalan.yaml"))
	require.Nil(t, parseConfString("level=debug"))
	require.Equal(t, "{log: {level: debug}}", string(parseConfString("log.level=debug")))
	require.Equal(t, "{api: {listen: :1984}}", string(parseConfString("api.listen=:1984")))
}
