// Package link drives device connection to the broker.
//
// Driver advances only on Tick. Each tick either waits out retry delay,
// regenerates token and authenticates, or checks that connected session is
// still alive and token not expired. No retry starts before its delay elapsed.
package link

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dbarentine/environment-iot/helpers"
	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultTokenLifetimeMin = 60
	DefaultRetryDelay       = 1 * time.Second
	DefaultTickInterval     = 1 * time.Second
)

var (
	ErrGaveUp       = errors.New("link: giving up after consecutive connect failures")
	ErrNotConnected = errors.New("link: not connected")
)

// Credentials is what Driver needs from credential.State.
type Credentials interface {
	Refresh(minutes uint) error
	IsExpired() bool
	ClientID() string
	Username() string
	Token() string
}

type Options struct {
	TokenLifetimeMin uint
	Topic            string
	TickInterval     time.Duration
	// Retry delay is RetryDelay, growing by RetryK up to RetryMax when RetryK>1.
	RetryDelay time.Duration
	RetryMax   time.Duration
	RetryK     float32
	// MaxAttempts=0 retries forever.
	MaxAttempts int
}

type Driver struct {
	opt     Options
	cred    Credentials
	session broker.Session
	log     *log2.Log
	now     func() time.Time

	state       uint32 // State
	backoff     helpers.Backoff
	failures    int
	retryAt     time.Time
	connectedAt atomic_clock.Clock
	connects    uint32
}

func NewDriver(opt Options, cred Credentials, session broker.Session, log *log2.Log) *Driver {
	if opt.TokenLifetimeMin == 0 {
		opt.TokenLifetimeMin = DefaultTokenLifetimeMin
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = DefaultTickInterval
	}
	if opt.RetryMax < opt.RetryDelay {
		opt.RetryMax = opt.RetryDelay
	}
	return &Driver{
		opt:     opt,
		cred:    cred,
		session: session,
		log:     log,
		now:     time.Now,
		backoff: helpers.Backoff{Min: opt.RetryDelay, Max: opt.RetryMax, K: opt.RetryK},
	}
}

func (d *Driver) State() State      { return State(atomic.LoadUint32(&d.state)) }
func (d *Driver) setState(s State) { atomic.StoreUint32(&d.state, uint32(s)) }

// Failures is number of consecutive failed connect attempts.
func (d *Driver) Failures() int { return d.failures }

// Connects is total number of successful connects.
func (d *Driver) Connects() uint32 { return atomic.LoadUint32(&d.connects) }

// ConnectedFor returns time since last successful connect, 0 when not connected.
func (d *Driver) ConnectedFor() time.Duration {
	if d.State() != StateConnected || d.connectedAt.IsZero() {
		return 0
	}
	return atomic_clock.Since(&d.connectedAt)
}

// Tick advances state machine one step.
// Returns error with ErrGaveUp cause once MaxAttempts consecutive attempts failed.
func (d *Driver) Tick(ctx context.Context) error {
	switch d.State() {
	case StateFailed:
		return errors.Annotatef(ErrGaveUp, "attempts=%d", d.failures)

	case StateConnected:
		if !d.session.Connected() {
			d.log.Errorf("link: transport disconnected connected_for=%v connects=%d", d.ConnectedFor(), d.Connects())
			d.setState(StateDisconnected)
			return nil
		}
		if d.cred.IsExpired() {
			d.log.Infof("link: token expired, reconnecting connected_for=%v connects=%d", d.ConnectedFor(), d.Connects())
			if err := d.session.Disconnect(); err != nil {
				d.log.Debugf("link: disconnect err=%v", err)
			}
			d.setState(StateDisconnected)
		}
		return nil

	default:
		if d.now().Before(d.retryAt) {
			return nil
		}
		return d.connect(ctx)
	}
}

func (d *Driver) connect(ctx context.Context) error {
	d.setState(StateAuthenticating)
	d.log.Infof("link: attempting to connect attempt=%d", d.failures+1)

	if err := d.cred.Refresh(d.opt.TokenLifetimeMin); err != nil {
		d.log.Error(errors.Annotate(err, "link: failed generating token"))
		return d.fail()
	}

	id := broker.Identity{
		ClientID: d.cred.ClientID(),
		Username: d.cred.Username(),
		Password: d.cred.Token(),
	}
	if err := d.session.Connect(ctx, id); err != nil {
		d.log.Error(errors.Annotate(err, "link: connect"))
		return d.fail()
	}

	d.failures = 0
	d.backoff.Reset()
	d.retryAt = time.Time{}
	d.connectedAt.SetNow()
	atomic.AddUint32(&d.connects, 1)
	d.setState(StateConnected)
	d.log.Infof("link: successfully connected client_id=%s", id.ClientID)
	return nil
}

func (d *Driver) fail() error {
	d.failures++
	if d.opt.MaxAttempts > 0 && d.failures >= d.opt.MaxAttempts {
		d.setState(StateFailed)
		err := errors.Annotatef(ErrGaveUp, "attempts=%d", d.failures)
		d.log.Error(err)
		return err
	}
	delay := d.backoff.Failure()
	d.retryAt = d.now().Add(delay)
	d.setState(StateDisconnected)
	d.log.Infof("link: retry in %v failures=%d", delay, d.failures)
	return nil
}

// Reset leaves Failed state, next Tick attempts to connect immediately.
func (d *Driver) Reset() {
	d.failures = 0
	d.backoff.Reset()
	d.retryAt = time.Time{}
	if d.State() == StateFailed {
		d.setState(StateDisconnected)
	}
}

// Run calls Tick every TickInterval until a is stopped, ctx is done or driver gives up.
// Optional hook runs after every tick on the same goroutine.
func (d *Driver) Run(ctx context.Context, a *alive.Alive, hook func(context.Context)) error {
	if !a.Add(1) {
		return nil
	}
	defer a.Done()

	stopch := a.StopChan()
	ticker := time.NewTicker(d.opt.TickInterval)
	defer ticker.Stop()
	for {
		if err := d.Tick(ctx); err != nil {
			return err
		}
		if hook != nil {
			hook(ctx)
		}
		select {
		case <-ticker.C:
		case <-stopch:
			return d.close()
		case <-ctx.Done():
			_ = d.close()
			return ctx.Err()
		}
	}
}

func (d *Driver) close() error {
	if d.State() != StateConnected {
		return nil
	}
	d.setState(StateDisconnected)
	if err := d.session.Disconnect(); err != nil && errors.Cause(err) != broker.ErrNotConnected {
		return errors.Annotate(err, "link: close")
	}
	return nil
}

// Publish sends opaque payload to device events topic.
// Safe to call from other goroutines.
func (d *Driver) Publish(ctx context.Context, payload []byte) error {
	if d.State() != StateConnected {
		return ErrNotConnected
	}
	if err := d.session.Publish(ctx, d.opt.Topic, payload); err != nil {
		if errors.Cause(err) == broker.ErrNotConnected {
			return ErrNotConnected
		}
		return errors.Annotate(err, "link: publish")
	}
	return nil
}
