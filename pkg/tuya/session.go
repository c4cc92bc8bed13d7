package tuya

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"
)

// Three step session key handshake, run once per connection for 3.4+:
//
//	client > SESS_KEY_NEG_START  local nonce
//	device > SESS_KEY_NEG_RESP   remote nonce + HMAC(devKey, local nonce)
//	client > SESS_KEY_NEG_FINISH HMAC(devKey, remote nonce)
//
// Both sides then encrypt(localNonce XOR remoteNonce) with the device
// key to obtain the session key. For 3.4 the handshake payloads travel
// ECB encrypted without padding; for 3.5 the 6699 frame codec already
// seals them with GCM, so they stay raw here.
type negotiator struct {
	key      Key
	version  Version
	profile  profile
	tolerant bool // accept a bad device HMAC in step 2, see Client.TolerateBadHMAC

	localNonce  []byte
	remoteNonce []byte
}

var errDegenerateKey = fmt.Errorf("%w: degenerate session key", ErrNegotiation)

func (n *negotiator) startPayload() ([]byte, error) {
	n.localNonce = make([]byte, 16)
	n.remoteNonce = nil
	if _, err := rand.Read(n.localNonce); err != nil {
		return nil, err
	}

	if n.profile.frame6699 {
		return n.localNonce, nil
	}
	return n.key.encryptECB(n.localNonce, false)
}

func (n *negotiator) handleResponse(payload []byte) error {
	if !n.profile.frame6699 {
		plain, err := n.key.decryptECB(payload, false)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNegotiation, err)
		}
		payload = plain
	}

	if len(payload) < 48 {
		return fmt.Errorf("%w: response too short: %d bytes", ErrNegotiation, len(payload))
	}

	n.remoteNonce = payload[:16]

	if !hmac.Equal(payload[16:48], n.key.hmac(n.localNonce)) && !n.tolerant {
		return fmt.Errorf("%w: device hmac mismatch", ErrNegotiation)
	}
	return nil
}

func (n *negotiator) sessionKey() (Key, error) {
	if n.localNonce == nil || n.remoteNonce == nil {
		return nil, fmt.Errorf("%w: nonces not exchanged", ErrNegotiation)
	}
	return deriveSessionKey(n.key, n.version, n.localNonce, n.remoteNonce)
}

func (n *negotiator) finishPayload() ([]byte, error) {
	mac := n.key.hmac(n.remoteNonce)
	if n.profile.frame6699 {
		return mac, nil
	}
	return n.key.encryptECB(mac, false)
}

// deriveSessionKey is a pure function of its inputs. A key starting
// with a zero byte is rejected by devices, the caller must restart the
// handshake with a fresh nonce.
func deriveSessionKey(key Key, v Version, localNonce, remoteNonce []byte) (Key, error) {
	xor := make([]byte, 16)
	for i := range xor {
		xor[i] = localNonce[i] ^ remoteNonce[i]
	}

	var raw []byte
	if v >= V35 {
		// the session key is the bare GCM ciphertext, tag and IV
		// are discarded
		ct, _, err := key.sealGCM(localNonce[:12], xor, nil)
		if err != nil {
			return nil, err
		}
		raw = ct[:16]
	} else {
		enc, err := key.encryptECB(xor, false)
		if err != nil {
			return nil, err
		}
		raw = enc[:16]
	}

	if raw[0] == 0x00 {
		return nil, errDegenerateKey
	}
	return Key(raw), nil
}
