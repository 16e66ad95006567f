package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
)

var testIdentity = broker.Identity{
	ClientID: "device1",
	Username: "myhub.example.net/device1/?api-version=2020-09-30",
	Password: "SharedAccessSignature sr=myhub.example.net/devices/device1&sig=x&se=1700000100",
}

func expectConnect(t testing.TB, b *transport.NetConn) *packet.Connect {
	pkt, err := b.Receive()
	require.NoError(t, err)
	con, ok := pkt.(*packet.Connect)
	require.True(t, ok, "expected CONNECT pkt=%s", PacketString(pkt))
	return con
}

func sendConnack(t testing.TB, b *transport.NetConn, code packet.ConnackCode) {
	connack := packet.NewConnack()
	connack.ReturnCode = code
	require.NoError(t, b.Send(connack, false))
}

func TestSession(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		alive *alive.Alive
		opts  broker.Options
	}
	cases := []struct {
		name   string
		client func(t testing.TB, env *tenv)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", func(t testing.TB, env *tenv) {
			s, err := NewSession(env.opts)
			require.NoError(t, err)
			assert.False(t, s.Connected())
			require.NoError(t, s.Connect(context.Background(), testIdentity))
			assert.True(t, s.Connected())
			require.NoError(t, s.Disconnect())
			assert.False(t, s.Connected())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			con := expectConnect(t, b)
			assert.Equal(t, testIdentity.ClientID, con.ClientID)
			assert.Equal(t, testIdentity.Username, con.Username)
			assert.Equal(t, testIdentity.Password, con.Password)
			assert.True(t, con.CleanSession)
			sendConnack(t, b, packet.ConnectionAccepted)
			pkt, err := b.Receive()
			require.NoError(t, err)
			assert.Equal(t, packet.DISCONNECT, pkt.Type())
		}},

		{"refused", func(t testing.TB, env *tenv) {
			s, err := NewSession(env.opts)
			require.NoError(t, err)
			err = s.Connect(context.Background(), testIdentity)
			require.Error(t, err)
			assert.Equal(t, broker.ErrRefused, errors.Cause(err))
			assert.False(t, s.Connected())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			expectConnect(t, b)
			sendConnack(t, b, packet.NotAuthorized)
		}},

		{"publish", func(t testing.TB, env *tenv) {
			s, err := NewSession(env.opts)
			require.NoError(t, err)
			require.NoError(t, s.Connect(context.Background(), testIdentity))
			require.NoError(t, s.Publish(context.Background(), broker.TopicEvents("device1"), []byte("temp=21.5")))
			require.NoError(t, s.Disconnect())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			expectConnect(t, b)
			sendConnack(t, b, packet.ConnectionAccepted)
			pkt, err := b.Receive()
			require.NoError(t, err)
			pub, ok := pkt.(*packet.Publish)
			require.True(t, ok, "expected PUBLISH pkt=%s", PacketString(pkt))
			assert.Equal(t, "devices/device1/messages/events/", pub.Message.Topic)
			assert.Equal(t, []byte("temp=21.5"), pub.Message.Payload)
			assert.Equal(t, packet.QOSAtLeastOnce, pub.Message.QOS)
			puback := packet.NewPuback()
			puback.ID = pub.ID
			require.NoError(t, b.Send(puback, false))
			_, _ = b.Receive() // DISCONNECT
		}},

		{"server-close", func(t testing.TB, env *tenv) {
			s, err := NewSession(env.opts)
			require.NoError(t, err)
			require.NoError(t, s.Connect(context.Background(), testIdentity))
			deadline := time.Now().Add(timeout)
			for s.Connected() && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			assert.False(t, s.Connected())
			err = s.Publish(context.Background(), "t", nil)
			assert.Equal(t, broker.ErrNotConnected, err)
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			expectConnect(t, b)
			sendConnack(t, b, packet.ConnectionAccepted)
			require.NoError(t, b.Close())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{alive: alive.NewAlive()}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			defer ln.Close()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", ln.Addr().String())
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			env.alive.Add(1)
			go func() {
				defer env.alive.Done()
				conn, err := ln.Accept()
				if err != nil {
					t.Error(err)
					return
				}
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(timeout))
				c.server(t, env, transport.NewNetConn(conn))
			}()
			c.client(t, env)
			env.alive.Stop()
			env.alive.Wait()
		})
	}
}

func TestNewSessionInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewSession(broker.Options{BrokerURL: "::not a url"})
	require.Error(t, err)
}

func TestPacketStringHidesPassword(t *testing.T) {
	t.Parallel()

	con := packet.NewConnect()
	con.ClientID = "device1"
	con.Password = "SharedAccessSignature secret"
	s := PacketString(con)
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, `ClientID="device1"`)
	assert.Equal(t, "(nil)", PacketString(nil))
}
