package clock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetworkTime struct {
	calls   int
	results []time.Time
}

func (f *fakeNetworkTime) NetworkTime(ctx context.Context) (time.Time, error) {
	i := f.calls
	f.calls++
	if i < len(f.results) && !f.results[i].IsZero() {
		return f.results[i], nil
	}
	return time.Time{}, fmt.Errorf("ntp timeout")
}

func TestSources(t *testing.T) {
	t.Parallel()

	now, err := Fixed(1700000000).Now()
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), now)

	_, err = Func(func() (uint32, error) { return 0, ErrUnavailable }).Now()
	assert.Equal(t, ErrUnavailable, errors.Cause(err))

	now, err = System{}.Now()
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix(), int64(now), 2)

	_, err = System{Floor: ^uint32(0)}.Now()
	assert.Equal(t, ErrUnavailable, errors.Cause(err))
}

func TestRTC(t *testing.T) {
	t.Parallel()

	mono := time.Unix(0, 0)
	r := NewRTC()
	r.mono = func() time.Time { return mono }

	_, err := r.Now()
	assert.Equal(t, ErrUnavailable, errors.Cause(err))

	r.Set(1700000000)
	now, err := r.Now()
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000000), now)

	mono = mono.Add(90*time.Second + 500*time.Millisecond)
	now, err = r.Now()
	require.NoError(t, err)
	assert.Equal(t, uint32(1700000090), now)
}

func TestRTCSync(t *testing.T) {
	t.Parallel()

	good := time.Unix(1700000000, 0)
	cases := []struct {
		name      string
		results   []time.Time
		mandatory bool
		cause     error
		calls     int
	}{
		{"first-try", []time.Time{good}, true, nil, 1},
		{"third-try", []time.Time{{}, {}, good}, true, nil, 3},
		{"exhausted-mandatory", nil, true, ErrSyncFatal, 4},
		{"exhausted-optional", nil, false, ErrUnavailable, 4},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			src := &fakeNetworkTime{results: c.results}
			r := NewRTC()
			assert.True(t, r.SyncDue(time.Hour))
			err := r.Sync(context.Background(), src, SyncOptions{Tries: 4, Delay: time.Millisecond, Mandatory: c.mandatory}, log)
			assert.Equal(t, c.calls, src.calls)
			if c.cause != nil {
				require.Error(t, err)
				assert.Equal(t, c.cause, errors.Cause(err))
				_, nowErr := r.Now()
				assert.Equal(t, ErrUnavailable, errors.Cause(nowErr))
				return
			}
			require.NoError(t, err)
			now, err := r.Now()
			require.NoError(t, err)
			assert.InDelta(t, 1700000000, int64(now), 1)
			assert.False(t, r.SyncDue(time.Hour))
			assert.True(t, r.SyncDue(0))
		})
	}
}

func TestRTCSyncCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeNetworkTime{}
	err := NewRTC().Sync(ctx, src, SyncOptions{Tries: 10, Delay: time.Hour, Mandatory: true}, nil)
	assert.Equal(t, ErrSyncFatal, errors.Cause(err))
	assert.Equal(t, 1, src.calls)
}
