package broker

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tls://myhub.example.net:8883", URL("myhub.example.net", 0))
	assert.Equal(t, "tls://localhost:1883", URL("localhost", 1883))
	assert.Equal(t, "devices/device1/messages/events/", TopicEvents("device1"))
}

func TestLoadTLS(t *testing.T) {
	t.Parallel()

	c, err := LoadTLS("myhub.example.net", "")
	require.NoError(t, err)
	assert.Equal(t, "myhub.example.net", c.ServerName)
	assert.Nil(t, c.RootCAs)

	_, err = LoadTLS("x", "/nonexistent/ca.pem")
	require.Error(t, err)

	dir, err := ioutil.TempDir("", "broker-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, ioutil.WriteFile(garbage, []byte("not a certificate"), 0600))
	_, err = LoadTLS("x", garbage)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)
}
