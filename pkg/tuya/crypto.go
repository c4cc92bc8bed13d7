package tuya

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
)

// Key is a raw 16 byte AES key - a device local_key or a negotiated
// session key. The constructor rejects anything that looks like the
// textual hex form of a key, a classic interop mistake: the device
// HMACs and encrypts with raw bytes, never with their hex spelling.
type Key []byte

func NewKey(b []byte) (Key, error) {
	if len(b) == 32 && isHex(b) {
		return nil, fmt.Errorf("%w: key looks hex-encoded, want 16 raw bytes", ErrCipher)
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("%w: key must be 16 bytes, got %d", ErrCipher, len(b))
	}
	return Key(append([]byte(nil), b...)), nil
}

func isHex(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Fixed keys for decrypting UDP discovery broadcasts. Not secrets, they
// are baked into every Tuya firmware.
var (
	udpKey   = md5Key("yGAdlopoPVldABfn")
	udpKey35 = md5Key("A]c#n0r@xqhk,XuM")
)

func md5Key(s string) Key {
	sum := md5.Sum([]byte(s))
	return Key(sum[:])
}

func (k Key) hmac(msg []byte) []byte {
	mac := hmac.New(sha256.New, k)
	mac.Write(msg)
	return mac.Sum(nil)
}

// encryptECB encrypts block by block. With pad=false the input must
// already be block aligned (nonce material during negotiation).
func (k Key) encryptECB(data []byte, pad bool) ([]byte, error) {
	if pad {
		data = pkcs7Pad(data)
	} else if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ECB input not block aligned: %d", ErrCipher, len(data))
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:], data[i:])
	}
	return out, nil
}

func (k Key) decryptECB(data []byte, unpad bool) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ECB input not block aligned: %d", ErrCipher, len(data))
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:], data[i:])
	}

	if unpad {
		return pkcs7Unpad(out)
	}
	return out, nil
}

// sealGCM returns ciphertext and 16 byte tag separately so the frame
// codec can place them per the 6699 layout.
func (k Key) sealGCM(nonce, plaintext, aad []byte) (ct, tag []byte, err error) {
	if len(nonce) != 12 {
		return nil, nil, fmt.Errorf("%w: GCM nonce must be 12 bytes, got %d", ErrCipher, len(nonce))
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, aad)
	n := len(sealed) - aesgcm.Overhead()
	return sealed[:n], sealed[n:], nil
}

// openGCM fails closed - a tag mismatch returns ErrChecksum and no
// plaintext, never a partial result.
func (k Key) openGCM(nonce, ct, tag, aad []byte) ([]byte, error) {
	if len(nonce) != 12 {
		return nil, fmt.Errorf("%w: GCM nonce must be 12 bytes, got %d", ErrCipher, len(nonce))
	}
	if len(tag) != 16 {
		return nil, fmt.Errorf("%w: GCM tag must be 16 bytes, got %d", ErrCipher, len(tag))
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCipher, err)
	}

	sealed := append(append(make([]byte, 0, len(ct)+len(tag)), ct...), tag...)
	plain, err := aesgcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChecksum, err)
	}
	return plain, nil
}

func pkcs7Pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	for i := 0; i < n; i++ {
		data = append(data, byte(n))
	}
	return data
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty padded input", ErrCipher)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCipher)
		}
	}
	return data[:len(data)-n], nil
}
