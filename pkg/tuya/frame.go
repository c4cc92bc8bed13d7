package tuya

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Message is one protocol frame after framing and payload crypto are
// stripped away. RetCode is only meaningful on frames sent by the device.
type Message struct {
	SeqNo   uint32
	Cmd     Command
	RetCode uint32
	Payload []byte
}

const (
	header55AA = 16 // prefix + seqno + cmd + length
	header6699 = 18 // prefix + version + reserved + seqno + cmd + length
	end55AA    = 8  // crc32 + suffix
	end55AAMAC = 36 // hmac-sha256 + suffix
	end6699    = 4  // suffix, tag is part of the declared length

	gcmNonceSize = 12
	gcmTagSize   = 16

	// devices never send frames anywhere near this big, anything
	// larger means we lost sync with the stream
	maxFrameSize = 0x40000
)

var (
	prefix55AABin = []byte{0x00, 0x00, 0x55, 0xAA}
	prefix6699Bin = []byte{0x00, 0x00, 0x66, 0x99}
)

// findFrame locates the next complete frame in buf, skipping any junk
// bytes before a known prefix. It returns the frame start offset and
// total size. total=0 with errNeedMore means keep buffering; the caller
// should still discard buf[:start].
func findFrame(buf []byte) (start, total int, err error) {
	i55 := bytes.Index(buf, prefix55AABin)
	i66 := bytes.Index(buf, prefix6699Bin)

	switch {
	case i55 < 0 && i66 < 0:
		// a prefix may straddle the buffer end, keep the tail
		start = len(buf) - 3
		if start < 0 {
			start = 0
		}
		return start, 0, errNeedMore
	case i55 < 0, i66 >= 0 && i66 < i55:
		start = i66
	default:
		start = i55
	}

	buf = buf[start:]

	var headerSize, endSize int
	if buf[2] == 0x66 {
		headerSize, endSize = header6699, end6699
	} else {
		headerSize, endSize = header55AA, 0
	}

	if len(buf) < headerSize {
		return start, 0, errNeedMore
	}

	length := int(binary.BigEndian.Uint32(buf[headerSize-4:]))
	if length > maxFrameSize {
		return start, 0, fmt.Errorf("%w: declared length %d", ErrFraming, length)
	}

	total = headerSize + length + endSize
	if len(buf) < total {
		return start, 0, errNeedMore
	}
	return start, total, nil
}

// encode55AA packs a frame in the 3.1-3.4 format. The payload must
// already be encrypted. A nil hmacKey selects the CRC32 trailer
// (versions up to 3.3), otherwise the trailer is an HMAC-SHA256 keyed
// with the active session or device key (3.4). Response frames carry
// the extra return code field after the header.
func encode55AA(m *Message, hmacKey Key, response bool) []byte {
	endSize := end55AA
	if hmacKey != nil {
		endSize = end55AAMAC
	}

	length := len(m.Payload) + endSize
	if response {
		length += 4
	}

	b := make([]byte, 0, header55AA+length)
	b = binary.BigEndian.AppendUint32(b, prefix55AA)
	b = binary.BigEndian.AppendUint32(b, m.SeqNo)
	b = binary.BigEndian.AppendUint32(b, uint32(m.Cmd))
	b = binary.BigEndian.AppendUint32(b, uint32(length))
	if response {
		b = binary.BigEndian.AppendUint32(b, m.RetCode)
	}
	b = append(b, m.Payload...)

	if hmacKey != nil {
		b = append(b, hmacKey.hmac(b)...)
	} else {
		b = binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
	}
	return binary.BigEndian.AppendUint32(b, suffix55AA)
}

// decode55AA unpacks one complete 55AA frame located by findFrame.
// The payload is returned still encrypted.
func decode55AA(frame []byte, hmacKey Key) (*Message, error) {
	endSize := end55AA
	if hmacKey != nil {
		endSize = end55AAMAC
	}

	if len(frame) < header55AA+endSize {
		return nil, fmt.Errorf("%w: 55AA frame too short: %d", ErrFraming, len(frame))
	}

	length := int(binary.BigEndian.Uint32(frame[12:]))
	if length < endSize || header55AA+length != len(frame) {
		return nil, fmt.Errorf("%w: 55AA length %d of %d", ErrFraming, length, len(frame))
	}
	if binary.BigEndian.Uint32(frame[len(frame)-4:]) != suffix55AA {
		return nil, fmt.Errorf("%w: bad 55AA suffix", ErrFraming)
	}

	signed := frame[:len(frame)-endSize]
	trailer := frame[len(frame)-endSize : len(frame)-4]

	if hmacKey != nil {
		if !hmac.Equal(trailer, hmacKey.hmac(signed)) {
			return nil, fmt.Errorf("%w: 55AA hmac mismatch", ErrChecksum)
		}
	} else {
		if binary.BigEndian.Uint32(trailer) != crc32.ChecksumIEEE(signed) {
			return nil, fmt.Errorf("%w: 55AA crc mismatch", ErrChecksum)
		}
	}

	msg := &Message{
		SeqNo: binary.BigEndian.Uint32(frame[4:]),
		Cmd:   Command(binary.BigEndian.Uint32(frame[8:])),
	}
	msg.RetCode, msg.Payload = splitRetCode(msg.Cmd, signed[header55AA:])
	return msg, nil
}

// encode6699 packs a frame in the 3.5 format, sealing the payload with
// AES-GCM. The additional authenticated data covers the header bytes
// from the version field through the length field.
func encode6699(m *Message, key Key, response bool) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return encode6699Nonce(m, key, nonce, response)
}

func encode6699Nonce(m *Message, key Key, nonce []byte, response bool) ([]byte, error) {
	plain := m.Payload
	if response {
		plain = binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(plain)), m.RetCode)
		plain = append(plain, m.Payload...)
	}

	length := gcmNonceSize + len(plain) + gcmTagSize

	b := make([]byte, 0, header6699+length+end6699)
	b = binary.BigEndian.AppendUint32(b, prefix6699)
	b = append(b, 0, 0) // version + reserved
	b = binary.BigEndian.AppendUint32(b, m.SeqNo)
	b = binary.BigEndian.AppendUint32(b, uint32(m.Cmd))
	b = binary.BigEndian.AppendUint32(b, uint32(length))

	ct, tag, err := key.sealGCM(nonce, plain, b[4:header6699])
	if err != nil {
		return nil, err
	}

	b = append(b, nonce...)
	b = append(b, ct...)
	b = append(b, tag...)
	return binary.BigEndian.AppendUint32(b, suffix6699), nil
}

// decode6699 unpacks and decrypts one complete 6699 frame. Some
// firmwares authenticate without the header AAD, so a failed open is
// retried once without it before giving up.
func decode6699(frame []byte, key Key) (*Message, error) {
	if len(frame) < header6699+gcmNonceSize+gcmTagSize+end6699 {
		return nil, fmt.Errorf("%w: 6699 frame too short: %d", ErrFraming, len(frame))
	}

	length := int(binary.BigEndian.Uint32(frame[header6699-4:]))
	if length < gcmNonceSize+gcmTagSize || header6699+length+end6699 != len(frame) {
		return nil, fmt.Errorf("%w: 6699 length %d of %d", ErrFraming, length, len(frame))
	}
	if binary.BigEndian.Uint32(frame[len(frame)-4:]) != suffix6699 {
		return nil, fmt.Errorf("%w: bad 6699 suffix", ErrFraming)
	}

	nonce := frame[header6699 : header6699+gcmNonceSize]
	ct := frame[header6699+gcmNonceSize : header6699+length-gcmTagSize]
	tag := frame[header6699+length-gcmTagSize : header6699+length]

	plain, err := key.openGCM(nonce, ct, tag, frame[4:header6699])
	if err != nil {
		if plain, err = key.openGCM(nonce, ct, tag, nil); err != nil {
			return nil, err
		}
	}

	msg := &Message{
		SeqNo: binary.BigEndian.Uint32(frame[6:]),
		Cmd:   Command(binary.BigEndian.Uint32(frame[10:])),
	}
	msg.RetCode, msg.Payload = splitRetCode(msg.Cmd, plain)
	return msg, nil
}

// splitRetCode strips the 4 byte return code that devices prepend to
// response payloads. Real return codes are small numbers, anything else
// (JSON, ciphertext) fails the test and is left intact. Handshake
// payloads are random nonce and hmac material, so they only lose the
// leading word when it is exactly zero on top of the full 48 bytes.
func splitRetCode(cmd Command, p []byte) (uint32, []byte) {
	switch cmd {
	case SessKeyNegStart, SessKeyNegResp, SessKeyNegFinish:
		if len(p) >= 52 && binary.BigEndian.Uint32(p) == 0 {
			return 0, p[4:]
		}
		return 0, p
	}
	if len(p) >= 4 {
		if rc := binary.BigEndian.Uint32(p); rc < 256 {
			return rc, p[4:]
		}
	}
	return 0, p
}
