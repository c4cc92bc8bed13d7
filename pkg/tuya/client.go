package tuya

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Device is the caller supplied descriptor of one device on the LAN.
type Device struct {
	ID      string `yaml:"id" json:"id"`
	Host    string `yaml:"host" json:"host"`         // host or host:port, default port 6668
	Key     string `yaml:"key" json:"-"`             // raw 16 byte local_key
	Version string `yaml:"version" json:"version"`   // "3.1".."3.5"
	Type    string `yaml:"type" json:"type,omitempty"` // "" or "type_0d"
}

// Client owns one TCP connection to one device: its socket, sequence
// number space, session key and pending request table. Clients for
// different devices share nothing.
type Client struct {
	dev     Device
	key     Key
	version Version
	profile profile

	// set before Connect, read-only afterwards
	Timeout       time.Duration
	Heartbeat     time.Duration
	HeartbeatTol  int // consecutive heartbeat failures before close
	AutoReconnect bool
	// accept a wrong device HMAC during the session handshake. Unsafe
	// and off by default, some firmwares are known to compute it wrong.
	TolerateBadHMAC bool
	Log             zerolog.Logger

	onStatus func(DPS)

	mu         sync.Mutex
	state      State
	conn       net.Conn
	sessionKey Key
	seq        uint32
	pending    map[uint32]*pending
	negCh      chan *Message
	done       chan struct{} // per connection, closed on teardown
	hbFails    int
	badFrames  int

	wmu sync.Mutex // serializes socket writes, one frame at a time

	reconnecting atomic.Bool
	closed       chan struct{} // closed by Close, stops reconnecting
}

type pending struct {
	cmd       Command
	ch        chan *Message
	createdAt time.Time
}

func NewClient(dev Device) (*Client, error) {
	key, err := NewKey([]byte(dev.Key))
	if err != nil {
		return nil, err
	}

	version, err := ParseVersion(dev.Version)
	if err != nil {
		return nil, err
	}

	return &Client{
		dev:          dev,
		key:          key,
		version:      version,
		profile:      version.profile(),
		Timeout:      DefaultTimeout,
		Heartbeat:    HeartbeatInterval,
		HeartbeatTol: heartbeatFailLimit,
		Log:          zerolog.Nop(),
		closed:       make(chan struct{}),
	}, nil
}

// Listen registers the sink for unsolicited DP updates (device pushes
// distinct from query responses). Call before Connect.
func (c *Client) Listen(f func(DPS)) {
	c.onStatus = f
}

func (c *Client) Device() Device {
	return c.dev
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status queries all current DP values.
func (c *Client) Status(ctx context.Context) (DPS, error) {
	msg, err := c.request(ctx, DPQuery, nil, nil)
	if err != nil {
		return nil, err
	}
	return parseStatus(msg.Payload)
}

// SetDP sets a single data point and waits for the device to confirm.
func (c *Client) SetDP(ctx context.Context, id int, value any) (DPS, error) {
	return c.SetDPs(ctx, DPS{strconv.Itoa(id): value})
}

// SetDPs sets several data points at once. The returned map is the
// state echoed by the device, nil when it acknowledged without one.
func (c *Client) SetDPs(ctx context.Context, dps DPS) (DPS, error) {
	msg, err := c.request(ctx, Control, dps, nil)
	if err != nil {
		return nil, err
	}
	if state, err := parseStatus(msg.Payload); err == nil {
		return state, nil
	}
	return nil, nil
}

// DetectAvailableDPs reports which DP ids the device actually
// populates, probing the id ranges known to be in use in the wild.
func (c *Client) DetectAvailableDPs(ctx context.Context) (DPS, error) {
	// wake the device first, sleepy firmwares drop the first query
	_, _ = c.request(ctx, HeartBeat, nil, nil)

	found := DPS{}

	if state, err := c.Status(ctx); err == nil {
		for k, v := range state {
			found[k] = v
		}
	}

	for _, r := range [][2]int{{1, 12}, {11, 22}, {21, 32}, {100, 112}} {
		ids := make([]int, 0, r[1]-r[0])
		for id := r[0]; id < r[1]; id++ {
			ids = append(ids, id)
		}

		probe, cancel := context.WithTimeout(ctx, time.Second*2)
		msg, err := c.request(probe, UpdateDPS, nil, ids)
		cancel()
		if err != nil {
			continue // most devices stay silent for unused ranges
		}
		if state, err := parseStatus(msg.Payload); err == nil {
			for k, v := range state {
				found[k] = v
			}
		}
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("tuya: device %s exposed no data points", c.dev.ID)
	}
	return found, nil
}

// request builds, encrypts, frames and exchanges one command.
func (c *Client) request(ctx context.Context, cmd Command, dps DPS, dpIDs []int) (*Message, error) {
	cmd, body, err := buildRequest(c.dev.ID, c.dev.Type, c.version, cmd, dps, dpIDs)
	if err != nil {
		return nil, err
	}

	payload, err := encryptPayload(c.version, c.profile, c.activeKey(), cmd, body)
	if err != nil {
		return nil, err
	}

	return c.exchange(ctx, cmd, payload)
}

func (c *Client) activeKey() Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey != nil {
		return c.sessionKey
	}
	return c.key
}

func (c *Client) addr() string {
	if _, _, err := net.SplitHostPort(c.dev.Host); err == nil {
		return c.dev.Host
	}
	return net.JoinHostPort(c.dev.Host, strconv.Itoa(DefaultPort))
}
