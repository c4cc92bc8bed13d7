package tuya

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const announcement = `{"ip":"192.168.1.42","gwId":"bf0123456789abcdef","active":2,"ability":0,"mode":0,"encrypt":true,"productKey":"keydf8sjd8f","version":"3.3"}`

func TestParseDatagramECB(t *testing.T) {
	// port 6667 style: 55AA frame, payload ECB encrypted with the fixed key
	payload, err := udpKey.encryptECB([]byte(announcement), true)
	require.NoError(t, err)

	frame := encode55AA(&Message{Cmd: Status, Payload: payload}, nil, true)

	dev, err := parseDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, "bf0123456789abcdef", dev.ID)
	require.Equal(t, "192.168.1.42", dev.IP)
	require.Equal(t, "keydf8sjd8f", dev.ProductKey)
	require.Equal(t, "3.3", dev.Version)
}

func TestParseDatagramPlain(t *testing.T) {
	// ancient firmwares broadcast unencrypted on 6666
	frame := encode55AA(&Message{Cmd: Status, Payload: []byte(announcement)}, nil, true)

	dev, err := parseDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, "bf0123456789abcdef", dev.ID)
}

func TestParseDatagram35(t *testing.T) {
	frame, err := encode6699Nonce(
		&Message{Cmd: Status, Payload: []byte(announcement)},
		udpKey35, []byte("012345678901"), true)
	require.NoError(t, err)

	dev, err := parseDatagram(frame)
	require.NoError(t, err)
	require.Equal(t, "bf0123456789abcdef", dev.ID)
	require.Equal(t, "192.168.1.42", dev.IP)
}

func TestParseDatagramBad(t *testing.T) {
	_, err := parseDatagram([]byte("definitely not a frame"))
	require.Error(t, err)

	_, err = parseDatagram(nil)
	require.ErrorIs(t, err, ErrFraming)

	// valid frame, payload is garbage
	frame := encode55AA(&Message{Cmd: Status, Payload: []byte("garbage in here!")}, nil, true)
	_, err = parseDatagram(frame)
	require.Error(t, err)
}
