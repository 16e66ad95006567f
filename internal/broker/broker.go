// Package broker is the transport side of the device link.
// Sessions authenticate with identity produced by credential.State
// and never reconnect on their own; link.Driver decides when to reconnect.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
)

const (
	DefaultPort           = 8883
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepaliveSec   = 240
)

var (
	ErrNotConnected = errors.New("broker: not connected")
	// ErrRefused is cause of Connect errors where broker rejected credentials.
	ErrRefused = errors.New("broker: connection refused")
)

// Identity is authentication parameters for one session.
type Identity struct {
	ClientID string
	Username string
	Password string // SAS token text, secret
}

type Session interface {
	// Connect opens new session, closing previous one if any.
	// Blocks at most network timeout.
	Connect(ctx context.Context, id Identity) error
	Connected() bool
	Disconnect() error
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Options struct {
	BrokerURL      string
	TLS            *tls.Config
	KeepaliveSec   uint16
	NetworkTimeout time.Duration
	Log            *log2.Log
}

func (o *Options) SetDefaults() {
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
}

// URL returns TLS broker URL for host name.
func URL(host string, port int) string {
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("tls://%s:%d", host, port)
}

// TopicEvents is device-to-cloud telemetry topic.
func TopicEvents(deviceID string) string { return fmt.Sprintf("devices/%s/messages/events/", deviceID) }

// LoadTLS returns config with system roots, or roots from caFile when given.
func LoadTLS(serverName, caFile string) (*tls.Config, error) {
	tlsconf := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if caFile != "" {
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS ca_file=%s", caFile)
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS ca_file=%s no PEM certificates", caFile)
		}
	}
	return tlsconf, nil
}
