package tuya

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// Devices announce themselves every few seconds via UDP broadcast:
// port 6666 for unencrypted 3.1 payloads, 6667 for everything newer.
// The broadcast key is fixed and public, it identifies devices but
// never carries secrets.
const (
	DiscoveryPort31 = 6666
	DiscoveryPort   = 6667
)

// Discovered is one decoded announcement.
type Discovered struct {
	ID         string `json:"gwId"`
	IP         string `json:"ip"`
	ProductKey string `json:"productKey"`
	Version    string `json:"version"`
}

// Discovery listens for announcements and reports each device once.
type Discovery struct {
	log     zerolog.Logger
	handler func(Discovered)

	mu    sync.Mutex
	conns []net.PacketConn
	seen  map[string]struct{}
}

// Discover starts listening on both broadcast ports. The handler runs
// on the receive goroutine, once per device until Close.
func Discover(log zerolog.Logger, handler func(Discovered)) (*Discovery, error) {
	d := &Discovery{
		log:     log,
		handler: handler,
		seen:    map[string]struct{}{},
	}

	for _, port := range []int{DiscoveryPort31, DiscoveryPort} {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.conns = append(d.conns, conn)
		go d.listen(conn)
	}

	return d, nil
}

func (d *Discovery) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		_ = conn.Close()
	}
	d.conns = nil
	return nil
}

func (d *Discovery) listen(conn net.PacketConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		dev, err := parseDatagram(buf[:n])
		if err != nil {
			d.log.Debug().Err(err).Stringer("addr", addr).Msg("bad discovery datagram")
			continue
		}

		d.mu.Lock()
		_, dup := d.seen[dev.ID]
		if !dup {
			d.seen[dev.ID] = struct{}{}
		}
		d.mu.Unlock()

		if dup {
			continue
		}

		d.log.Debug().Str("id", dev.ID).Str("ip", dev.IP).Str("version", dev.Version).Msg("discovered")
		if d.handler != nil {
			d.handler(*dev)
		}
	}
}

// parseDatagram extracts the JSON announcement from one broadcast
// frame. Newer firmwares use the 6699 format sealed with a fixed key,
// older ones 55AA with ECB or no encryption at all.
func parseDatagram(data []byte) (*Discovered, error) {
	if len(data) < 8 {
		return nil, ErrFraming
	}

	var payload []byte

	if binary.BigEndian.Uint32(data) == prefix6699 {
		msg, err := decode6699(data, udpKey35)
		if err != nil {
			return nil, err
		}
		payload = stripVersionHeader(msg.Payload)
	} else {
		msg, err := decode55AA(data, nil)
		if err != nil {
			return nil, err
		}
		payload = msg.Payload
		if len(payload) > 0 && payload[0] != '{' {
			if payload, err = udpKey.decryptECB(payload, true); err != nil {
				return nil, err
			}
		}
	}

	dev := &Discovered{}
	if err := json.Unmarshal(payload, dev); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFraming, err)
	}
	if dev.ID == "" || dev.IP == "" {
		return nil, fmt.Errorf("%w: announcement without id", ErrFraming)
	}
	return dev, nil
}
