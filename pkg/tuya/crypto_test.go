package tuya

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

var testKey = Key("0123456789abcdef")

func TestNewKey(t *testing.T) {
	key, err := NewKey([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, testKey, key)

	// the hex spelling of a 16 byte key is 32 chars - a classic config mistake
	_, err = NewKey([]byte("f516310dd0b5f2de89d74b1442f52846"))
	require.ErrorIs(t, err, ErrCipher)

	_, err = NewKey([]byte("short"))
	require.ErrorIs(t, err, ErrCipher)
}

func TestECB(t *testing.T) {
	// reference vectors from an independent AES implementation
	ct, err := testKey.encryptECB([]byte("tuya local codec"), false)
	require.NoError(t, err)
	require.Equal(t, "c6f3126adbfd4b51085933c81109e331", hex.EncodeToString(ct))

	pt, err := testKey.decryptECB(ct, false)
	require.NoError(t, err)
	require.Equal(t, []byte("tuya local codec"), pt)

	ct, err = testKey.encryptECB([]byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, "674c7ef38e78cabd9cec9c125823a639", hex.EncodeToString(ct))

	pt, err = testKey.decryptECB(ct, true)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	_, err = testKey.encryptECB([]byte("not block aligned"), false)
	require.ErrorIs(t, err, ErrCipher)

	_, err = testKey.decryptECB([]byte("odd"), false)
	require.ErrorIs(t, err, ErrCipher)
}

func TestHMAC(t *testing.T) {
	mac := testKey.hmac([]byte("ping"))
	require.Equal(t,
		"de1f1a637129d935534b8285ee20d912c25409c0d466559bc0328d6d707484b0",
		hex.EncodeToString(mac))
}

func TestGCM(t *testing.T) {
	nonce := []byte("012345678901")
	aad := []byte("header bytes")

	ct, tag, err := testKey.sealGCM(nonce, []byte(`{"dps":{"1":true}}`), aad)
	require.NoError(t, err)
	require.Len(t, tag, 16)

	pt, err := testKey.openGCM(nonce, ct, tag, aad)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"dps":{"1":true}}`), pt)

	// any tampering fails closed
	tag[0] ^= 1
	_, err = testKey.openGCM(nonce, ct, tag, aad)
	require.ErrorIs(t, err, ErrChecksum)
	tag[0] ^= 1

	ct[0] ^= 1
	_, err = testKey.openGCM(nonce, ct, tag, aad)
	require.ErrorIs(t, err, ErrChecksum)
	ct[0] ^= 1

	_, err = testKey.openGCM(nonce, ct, tag, []byte("wrong aad"))
	require.ErrorIs(t, err, ErrChecksum)

	_, _, err = testKey.sealGCM([]byte("too short"), nil, nil)
	require.ErrorIs(t, err, ErrCipher)
}

func TestPKCS7(t *testing.T) {
	for _, bad := range [][]byte{
		{},
		{1, 2, 3, 0},                // zero pad length
		{1, 2, 3, 17},               // longer than a block
		{4, 4, 3, 4},                // inconsistent fill
		append(make([]byte, 3), 16), // longer than the input
	} {
		_, err := pkcs7Unpad(bad)
		require.ErrorIs(t, err, ErrCipher, "input %v", bad)
	}

	padded := pkcs7Pad([]byte("1234567890123456"))
	require.Len(t, padded, 32) // aligned input still gets a full pad block
}
