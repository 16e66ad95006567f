// Package paho is broker.Session over github.com/eclipse/paho.mqtt.golang.
// Paho auto reconnect is disabled: it would reuse stale password after token expiry.
// New paho client is created for every Connect instead.
package paho

import (
	"context"
	"sync"
	"time"

	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/log2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
)

const quiesceMs = 250

var _ broker.Session = (*Session)(nil)

type Session struct {
	mu  sync.Mutex
	m   mqtt.Client
	opt broker.Options
	log *log2.Log
}

// SetLoggers routes paho package loggers to log.
// Paho loggers are process global, shared by every Session regardless of
// broker.Options.Log. Call once at startup before any Session connects.
func SetLoggers(log *log2.Log) {
	mqtt.ERROR = log.Printer(log2.LError)
	mqtt.CRITICAL = log.Printer(log2.LError)
	mqtt.WARN = log.Printer(log2.LInfo)
	mqtt.DEBUG = log.Printer(log2.LDebug)
}

func NewSession(opt broker.Options) *Session {
	opt.SetDefaults()
	return &Session{opt: opt, log: opt.Log}
}

func (s *Session) clientOptions(id broker.Identity) *mqtt.ClientOptions {
	mopt := mqtt.NewClientOptions().
		AddBroker(s.opt.BrokerURL).
		SetClientID(id.ClientID).
		SetUsername(id.Username).
		SetPassword(id.Password).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetKeepAlive(time.Duration(s.opt.KeepaliveSec) * time.Second).
		SetConnectTimeout(s.opt.NetworkTimeout).
		SetWriteTimeout(s.opt.NetworkTimeout).
		SetAutoReconnect(false).
		SetConnectionLostHandler(s.connectLostHandler)
	if s.opt.TLS != nil {
		mopt.SetTLSConfig(s.opt.TLS)
	}
	return mopt
}

func (s *Session) Connect(ctx context.Context, id broker.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m != nil {
		s.m.Disconnect(quiesceMs)
		s.m = nil
	}

	m := mqtt.NewClient(s.clientOptions(id))
	token := m.Connect()
	if !token.WaitTimeout(s.opt.NetworkTimeout) {
		m.Disconnect(0)
		return errors.Timeoutf("paho connect broker=%s", s.opt.BrokerURL)
	}
	if err := token.Error(); err != nil {
		if refused(token) {
			return errors.Wrapf(err, broker.ErrRefused, "paho connect broker=%s (%v)", s.opt.BrokerURL, err)
		}
		return errors.Annotatef(err, "paho connect broker=%s", s.opt.BrokerURL)
	}
	s.m = m
	s.log.Infof("paho: connected broker=%s client_id=%s", s.opt.BrokerURL, id.ClientID)
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m != nil && s.m.IsConnected()
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		return broker.ErrNotConnected
	}
	s.m.Disconnect(quiesceMs)
	s.m = nil
	return nil
}

func (s *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	m := s.m
	s.mu.Unlock()
	if m == nil || !m.IsConnected() {
		return broker.ErrNotConnected
	}

	token := m.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(s.opt.NetworkTimeout) {
		return errors.Timeoutf("paho publish topic=%s", topic)
	}
	return errors.Annotatef(token.Error(), "paho publish topic=%s", topic)
}

// CONNACK return codes 1..5, as opposed to network or protocol errors
func refused(token mqtt.Token) bool {
	ct, ok := token.(*mqtt.ConnectToken)
	if !ok {
		return false
	}
	rc := ct.ReturnCode()
	return rc != packets.Accepted && rc <= packets.ErrRefusedNotAuthorised
}

func (s *Session) connectLostHandler(c mqtt.Client, err error) {
	s.log.Errorf("paho: connection lost err=%v", err)
}
