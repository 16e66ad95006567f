package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/spq"
)

type fakePublisher struct {
	sync.Mutex
	fails int
	sent  []string
}

func (p *fakePublisher) Publish(ctx context.Context, payload []byte) error {
	p.Lock()
	defer p.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("not connected")
	}
	p.sent = append(p.sent, string(payload))
	return nil
}

func (p *fakePublisher) Sent() []string {
	p.Lock()
	defer p.Unlock()
	return append([]string(nil), p.sent...)
}

func waitSent(t testing.TB, p *fakePublisher, n int) []string {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Sent(); len(s) >= n {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d payloads, sent=%v", n, p.Sent())
	return nil
}

func TestDeliverInOrder(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{}
	o, err := Open(spq.OnlyForTesting, pub, Options{}, log)
	require.NoError(t, err)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, o.Push([]byte(s)))
	}
	assert.Equal(t, []string{"a", "b", "c"}, waitSent(t, pub, 3))
	require.NoError(t, o.Close())
	assert.Equal(t, ErrClosed, o.Push([]byte("d")))
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{fails: 2}
	o, err := Open(spq.OnlyForTesting, pub, Options{RetryDelay: time.Millisecond}, log)
	require.NoError(t, err)
	require.NoError(t, o.Push([]byte("only")))
	assert.Equal(t, []string{"only"}, waitSent(t, pub, 1))
	require.NoError(t, o.Close())
}

func TestPushInvalid(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	o, err := Open(spq.OnlyForTesting, &fakePublisher{}, Options{}, log)
	require.NoError(t, err)
	defer o.Close()
	err = o.Push(nil)
	assert.True(t, errors.IsNotValid(err), "err=%v", err)

	_, err = Open("", &fakePublisher{}, Options{}, log)
	assert.True(t, errors.IsNotValid(err))
}

func TestCloseWhileRetrying(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	pub := &fakePublisher{fails: 1 << 20}
	o, err := Open(spq.OnlyForTesting, pub, Options{RetryDelay: time.Hour}, log)
	require.NoError(t, err)
	require.NoError(t, o.Push([]byte("x")))
	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		_ = o.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked by retry delay")
	}
}
