package tuya

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

const negotiateRetries = 5

// Connect dials the device and, for protocol 3.4+, performs the
// session key handshake before the client becomes Ready.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: client closed", ErrConnectionLost)
	default:
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("tuya: connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if c.AutoReconnect {
			c.startReconnect()
		}
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting { // Close raced the dial
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: client closed", ErrConnectionLost)
	}
	c.conn = conn
	c.sessionKey = nil
	c.seq = 0
	c.hbFails = 0
	c.badFrames = 0
	c.pending = map[uint32]*pending{}
	c.negCh = make(chan *Message, 1)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, done)

	if c.profile.handshake {
		c.mu.Lock()
		c.state = StateNegotiating
		c.mu.Unlock()

		if err = c.negotiate(ctx, done); err != nil {
			c.lost(err)
			return err
		}
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	go c.heartbeatLoop(done)

	c.Log.Debug().Str("device", c.dev.ID).Stringer("version", c.version).Msg("connected")
	return nil
}

// Close tears the connection down and disables reconnecting.
func (c *Client) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.lost(nil)
	return nil
}

// lost is the single teardown path: closes the socket, wakes every
// pending waiter and optionally kicks off the reconnect loop.
func (c *Client) lost(err error) {
	c.mu.Lock()
	done := c.done
	alive := false
	if done != nil {
		select {
		case <-done:
		default:
			alive = true
		}
	}
	if !alive {
		// nothing running yet, Connect may still be dialing and will
		// notice the state change after the dial returns
		if c.state == StateClosing {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return
	}
	wasClosing := c.state == StateClosing
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.sessionKey = nil
	c.pending = nil
	close(done)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if err != nil {
		c.Log.Warn().Err(err).Str("device", c.dev.ID).Msg("connection lost")
	}

	if c.AutoReconnect && !wasClosing {
		c.startReconnect()
	}
}

// startReconnect runs at most one reconnect loop per client.
func (c *Client) startReconnect() {
	if c.reconnecting.CompareAndSwap(false, true) {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer c.reconnecting.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		select {
		case <-c.closed:
			return
		case <-time.After(b.NextBackOff()):
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		c.Log.Debug().Err(err).Str("device", c.dev.ID).Msg("reconnect failed")
	}
}

// readLoop owns the socket read side: accumulates bytes, extracts
// frames and routes decoded messages. Exits on the first read error.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	var buf []byte
	tmp := make([]byte, 4096)

	for {
		n, err := conn.Read(tmp)
		if err != nil {
			c.lost(fmt.Errorf("%w: %s", ErrConnectionLost, err))
			return
		}
		buf = append(buf, tmp[:n]...)

		for len(buf) > 0 {
			start, total, err := findFrame(buf)
			if errors.Is(err, errNeedMore) {
				if start > 0 {
					rest := copy(buf, buf[start:])
					buf = buf[:rest]
				}
				break
			}
			if err != nil {
				c.lost(err) // declared length insane, stream is beyond recovery
				return
			}

			// decoded payloads outlive this iteration, detach the frame
			// before the buffer is compacted and refilled
			frame := make([]byte, total)
			copy(frame, buf[start:start+total])
			msg, derr := c.decodeFrame(frame)

			rest := copy(buf, buf[start+total:])
			buf = buf[:rest]

			if derr != nil {
				if errors.Is(derr, ErrChecksum) {
					c.mu.Lock()
					c.badFrames++
					bad := c.badFrames
					c.mu.Unlock()
					if bad >= 3 {
						c.lost(fmt.Errorf("%w: %d frames in a row failed authentication", ErrChecksum, bad))
						return
					}
				}
				c.Log.Debug().Err(derr).Str("device", c.dev.ID).Msg("dropped frame")
				continue
			}

			c.mu.Lock()
			c.badFrames = 0
			c.mu.Unlock()

			c.route(msg)
		}
	}
}

// decodeFrame verifies and decrypts one complete frame. Handshake
// payloads are left raw, the negotiator decrypts them itself.
func (c *Client) decodeFrame(frame []byte) (msg *Message, err error) {
	if c.profile.frame6699 {
		msg, err = decode6699(frame, c.activeKey())
	} else {
		var hmacKey Key
		if c.profile.hmacFrame {
			hmacKey = c.activeKey()
		}
		msg, err = decode55AA(frame, hmacKey)
	}
	if err != nil {
		return nil, err
	}

	switch msg.Cmd {
	case SessKeyNegStart, SessKeyNegResp, SessKeyNegFinish:
		return msg, nil
	}

	msg.Payload, err = decryptPayload(c.version, c.profile, c.activeKey(), msg.Payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// route matches a decoded message to its waiter. Exact seqno match
// wins, then the closest pending within the tolerance window. Status
// pushes use an independent id space and never resolve a request.
func (c *Client) route(msg *Message) {
	c.mu.Lock()

	switch msg.Cmd {
	case SessKeyNegStart, SessKeyNegResp, SessKeyNegFinish:
		negCh := c.negCh
		c.mu.Unlock()
		select {
		case negCh <- msg:
		default:
		}
		return
	}

	// pushes live in the device's own seqno space, they never resolve
	// a pending request even when the numbers collide
	if msg.Cmd == Status {
		c.mu.Unlock()
		c.pushStatus(msg)
		return
	}

	if p, ok := c.pending[msg.SeqNo]; ok {
		delete(c.pending, msg.SeqNo)
		c.mu.Unlock()
		p.ch <- msg
		return
	}

	var bestSeq uint32
	var best *pending
	bestDelta := int64(seqnoTolerance) + 1
	for seq, p := range c.pending {
		delta := int64(msg.SeqNo) - int64(seq)
		if delta < 0 {
			delta = -delta
		}
		if delta < bestDelta {
			bestDelta, bestSeq, best = delta, seq, p
		}
	}
	if best != nil {
		delete(c.pending, bestSeq)
		c.mu.Unlock()
		c.Log.Debug().Uint32("seq", msg.SeqNo).Uint32("want", bestSeq).Msg("matched response by seqno tolerance")
		best.ch <- msg
		return
	}

	c.mu.Unlock()
	c.pushStatus(msg) // unmatched, may still carry a usable DP update
}

func (c *Client) pushStatus(msg *Message) {
	if c.State() != StateReady {
		return
	}
	dps, err := parseStatus(msg.Payload)
	if err != nil || len(dps) == 0 {
		return
	}
	c.Log.Debug().Str("device", c.dev.ID).Interface("dps", dps).Msg("status push")
	if c.onStatus != nil {
		c.onStatus(dps)
	}
}

// send frames and writes one message. Writes are serialized so frames
// from concurrent commands never interleave on the wire.
func (c *Client) send(msg *Message) error {
	var frame []byte
	var err error
	if c.profile.frame6699 {
		frame, err = encode6699(msg, c.activeKey(), false)
		if err != nil {
			return err
		}
	} else {
		var hmacKey Key
		if c.profile.hmacFrame {
			hmacKey = c.activeKey()
		}
		frame = encode55AA(msg, hmacKey, false)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.Timeout))
	_, err = conn.Write(frame)
	return err
}

// exchange sends one request and waits for its correlated response.
func (c *Client) exchange(ctx context.Context, cmd Command, payload []byte) (*Message, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", ErrConnectionLost)
	}
	c.seq++
	seq := c.seq
	p := &pending{cmd: cmd, ch: make(chan *Message, 1), createdAt: time.Now()}
	c.pending[seq] = p
	done := c.done
	c.mu.Unlock()

	unregister := func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}

	if err := c.send(&Message{SeqNo: seq, Cmd: cmd, Payload: payload}); err != nil {
		unregister()
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	select {
	case msg := <-p.ch:
		return msg, nil
	case <-timer.C:
		unregister()
		return nil, fmt.Errorf("%w: %s seq=%d", ErrTimeout, cmd, seq)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	case <-done:
		return nil, fmt.Errorf("%w: connection closed", ErrConnectionLost)
	}
}

// negotiate drives the 3-step session key handshake. A degenerate
// derived key restarts the exchange with a fresh nonce.
func (c *Client) negotiate(ctx context.Context, done chan struct{}) error {
	neg := &negotiator{
		key:      c.key,
		version:  c.version,
		profile:  c.profile,
		tolerant: c.TolerateBadHMAC,
	}

	for attempt := 1; attempt <= negotiateRetries; attempt++ {
		start, err := neg.startPayload()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()

		if err = c.send(&Message{SeqNo: seq, Cmd: SessKeyNegStart, Payload: start}); err != nil {
			return fmt.Errorf("%w: %s", ErrNegotiation, err)
		}

		timer := time.NewTimer(c.Timeout)
		var msg *Message
		select {
		case msg = <-c.negCh:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("%w: no response to key exchange", ErrNegotiation)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-done:
			timer.Stop()
			return fmt.Errorf("%w: connection closed", ErrNegotiation)
		}

		if msg.Cmd != SessKeyNegResp {
			return fmt.Errorf("%w: unexpected command %s", ErrNegotiation, msg.Cmd)
		}

		if err = neg.handleResponse(msg.Payload); err != nil {
			return err
		}

		key, err := neg.sessionKey()
		if errors.Is(err, errDegenerateKey) {
			c.Log.Debug().Int("attempt", attempt).Msg("degenerate session key, renegotiating")
			continue
		}
		if err != nil {
			return err
		}

		finish, err := neg.finishPayload()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.seq++
		seq = c.seq
		c.mu.Unlock()

		if err = c.send(&Message{SeqNo: seq, Cmd: SessKeyNegFinish, Payload: finish}); err != nil {
			return fmt.Errorf("%w: %s", ErrNegotiation, err)
		}

		c.mu.Lock()
		c.sessionKey = key
		c.mu.Unlock()
		return nil
	}

	return fmt.Errorf("%w: gave up after %d degenerate keys", ErrNegotiation, negotiateRetries)
}

// heartbeatLoop keeps NAT mappings and sleepy firmwares alive. Two
// missed heartbeats in a row mean the peer is gone.
func (c *Client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(c.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		_, err := c.request(ctx, HeartBeat, nil, nil)
		cancel()

		if err == nil {
			c.mu.Lock()
			c.hbFails = 0
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		c.hbFails++
		fails := c.hbFails
		c.mu.Unlock()

		c.Log.Debug().Err(err).Int("fails", fails).Str("device", c.dev.ID).Msg("heartbeat failed")

		if fails >= c.HeartbeatTol {
			c.lost(fmt.Errorf("%w: %d heartbeats missed", ErrConnectionLost, fails))
			return
		}
	}
}
