// Package mqtt is broker.Session over github.com/256dpi/gomqtt.
// - Connect is synchronous: dial, CONNECT, wait CONNACK within network timeout
// - clean session, MQTT 3.1.1
// - no reconnect, connection loss is reported via Connected()=false
// - QOS 0,1, one publish in flight
// - no subscriptions, incoming PUBLISH is logged and acknowledged
package mqtt

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

var (
	ErrClosing        = fmt.Errorf("MQTT connection is closing")
	ErrServerClosed   = fmt.Errorf("MQTT server closed connection")
	ErrReplaced       = fmt.Errorf("MQTT connection replaced by new Connect")
	ErrPublishTimeout = errors.Timeoutf("MQTT PUBACK")
)

var _ broker.Session = (*Session)(nil)

type Session struct {
	sync.Mutex

	current *conn
	dialer  *transport.Dialer
	lastID  uint32
	opt     broker.Options
	pubMu   sync.Mutex
}

func NewSession(opt broker.Options) (*Session, error) {
	opt.SetDefaults()
	if _, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	}
	s := &Session{
		dialer: transport.NewDialer(transport.DialConfig{
			TLSConfig: opt.TLS,
			Timeout:   opt.NetworkTimeout,
		}),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
	}
	return s, nil
}

func (s *Session) Connect(ctx context.Context, id broker.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if prev := s.swap(nil); prev != nil {
		prev.close(ErrReplaced)
	}

	timeout := s.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	conpkt := packet.NewConnect()
	conpkt.ClientID = id.ClientID
	conpkt.Username = id.Username
	conpkt.Password = id.Password
	conpkt.KeepAlive = s.opt.KeepaliveSec
	conpkt.CleanSession = true

	c, err := dial(s.dialer, s.opt, conpkt, timeout)
	if err != nil {
		return err
	}
	s.swap(c)
	return nil
}

func (s *Session) Connected() bool {
	c := s.conn()
	return c != nil && c.alive.IsRunning()
}

func (s *Session) Disconnect() error {
	c := s.swap(nil)
	if c == nil {
		return broker.ErrNotConnected
	}
	err := c.send(packet.NewDisconnect())
	c.close(ErrClosing)
	return err
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.publish(ctx, &packet.Message{Topic: topic, Payload: payload, QOS: packet.QOSAtLeastOnce})
}

func (s *Session) publish(ctx context.Context, msg *packet.Message) error {
	if msg.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	c := s.conn()
	if c == nil || !c.alive.IsRunning() {
		return broker.ErrNotConnected
	}

	publish := packet.NewPublish()
	publish.Message = *msg
	var fu *future.Future
	if msg.QOS >= packet.QOSAtLeastOnce {
		publish.ID = s.nextID()
		fu = c.expectPuback(publish.ID)
	}
	if err := c.send(publish); err != nil {
		return errors.Annotate(err, "send PUBLISH")
	}
	if fu == nil {
		return nil
	}

	switch err := fu.Wait(s.opt.NetworkTimeout); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClosing

	case future.ErrTimeout:
		c.close(ErrPublishTimeout)
		return ErrPublishTimeout

	default:
		return fmt.Errorf("code error future.Wait()=%v", err)
	}
}

func (s *Session) conn() *conn {
	s.Lock()
	defer s.Unlock()
	return s.current
}

func (s *Session) swap(c *conn) *conn {
	s.Lock()
	defer s.Unlock()
	prev := s.current
	s.current = c
	return prev
}

func (s *Session) nextID() packet.ID {
	u32 := atomic.AddUint32(&s.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

// Single authenticated connection with pinger and reader.
type conn struct {
	alive  *alive.Alive
	closed uint32
	conn   transport.Conn
	opt    broker.Options
	log    *log2.Log
	pingat *atomic_clock.Clock // timestamp of last outgoing control packet
	pongat *atomic_clock.Clock // timestamp of last incoming control packet

	flow struct {
		sync.Mutex
		fu *future.Future
		id packet.ID
	}
}

// dial, send CONNECT, wait CONNACK, start pinger and reader
func dial(dialer *transport.Dialer, opt broker.Options, conpkt *packet.Connect, timeout time.Duration) (*conn, error) {
	tc, err := dialer.Dial(opt.BrokerURL)
	if err != nil {
		return nil, errors.Annotatef(err, "connect: dial broker=%s", opt.BrokerURL)
	}
	c := &conn{
		alive:  alive.NewAlive(),
		conn:   tc,
		opt:    opt,
		log:    opt.Log,
		pingat: atomic_clock.Now(),
		pongat: atomic_clock.Now(),
	}
	if err = c.send(conpkt); err != nil {
		c.close(err)
		return nil, errors.Annotate(err, "connect: send CONNECT")
	}

	tc.SetReadTimeout(timeout)
	pkt, err := tc.Receive()
	if err != nil {
		err = errors.Annotate(err, "connect: expect CONNACK")
		c.close(err)
		return nil, err
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
		c.close(err)
		return nil, err
	}
	c.log.Debugf("mqtt: CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		err = errors.Annotatef(broker.ErrRefused, "connect: %s", connack.ReturnCode.String())
		c.close(err)
		return nil, err
	}
	tc.SetReadTimeout(0)

	if !c.alive.Add(2) {
		c.close(ErrClosing)
		return nil, ErrClosing
	}
	c.pongat.SetNow()
	go c.pinger()
	go c.reader()
	return c, nil
}

func (c *conn) close(e error) {
	c.die(e)
	c.alive.Wait()
}

func (c *conn) die(e error) {
	if e == nil {
		e = ErrClosing
	}
	if !atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		return
	}
	c.log.Debugf("mqtt: connection closing reason=%v", e)
	c.alive.Stop()
	c.flow.Lock()
	if c.flow.fu != nil {
		c.flow.fu.Cancel(e)
	}
	c.flow.Unlock()
	_ = c.conn.Close()
}

func (c *conn) expectPuback(id packet.ID) *future.Future {
	c.flow.Lock()
	defer c.flow.Unlock()
	c.flow.fu = future.New()
	c.flow.id = id
	return c.flow.fu
}

func (c *conn) onPuback(id packet.ID) {
	c.flow.Lock()
	defer c.flow.Unlock()
	if c.flow.fu == nil {
		c.log.Errorf("mqtt: unexpected PUBACK id=%d", id)
		return
	}
	if c.flow.id != id {
		// no concurrent publish flow, PUBACK for unexpected id is severe error
		go c.die(errors.Errorf("PUBACK id=%d expected=%d", id, c.flow.id))
		return
	}
	c.flow.fu.Complete(id)
	c.flow.fu = nil
}

// Sends PINGREQ as late as possible while respecting [MQTT-3.1.2-24]
// control packets at most KeepaliveSec*1.5 apart.
func (c *conn) pinger() {
	defer c.alive.Done()
	if c.opt.KeepaliveSec == 0 {
		return
	}

	keepalive := keepaliveAndHalf(c.opt.KeepaliveSec)
	interval := keepalive - c.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := c.alive.StopChan()
	for c.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(c.pingat)
		sincePong := now.Sub(c.pongat)

		if sincePong > keepalive {
			c.die(client.ErrClientMissingPong)
			return
		}
		if window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		}
		if err := c.send(packet.NewPingreq()); err != nil {
			return
		}
	}
}

func (c *conn) reader() {
	defer c.alive.Done()

	for {
		pkt, err := c.conn.Receive()
		if !c.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF:
			c.log.Errorf("mqtt: server closed connection")
			c.die(ErrServerClosed)
			return

		default:
			c.die(errors.Annotate(err, "receive"))
			return
		}
		c.log.Debugf("mqtt: received=%s", PacketString(pkt))

		switch pt := pkt.(type) {
		case *packet.Connack:
			c.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			c.pongat.SetNow()

		case *packet.Puback:
			c.pongat.SetNow()
			c.onPuback(pt.ID)

		case *packet.Publish:
			c.log.Infof("mqtt: unsolicited %s", PacketString(pt))
			if pt.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = pt.ID
				if err := c.send(puback); err != nil {
					return
				}
			}

		default:
			c.log.Debugf("mqtt: unknown packet %s", PacketString(pkt))
		}
	}
}

func (c *conn) send(p packet.Generic) error {
	if err := c.conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		c.die(err)
		return err
	}
	c.pingat.SetNow()
	c.log.Debugf("mqtt: sent %s", PacketString(p))
	return nil
}
