package clock

import (
	"context"
	"sync"
	"time"

	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultSyncTries = 10
	DefaultSyncDelay = 1 * time.Second
)

// ErrSyncFatal is returned by mandatory Sync when network time could not be obtained.
// Process should not continue without verified time; supervisor decides restart.
var ErrSyncFatal = errors.New("clock: network time unreachable")

// NetworkTime is the network time collaborator (NTP or similar).
type NetworkTime interface {
	NetworkTime(ctx context.Context) (time.Time, error)
}

// HostTime trusts OS clock disciplined by host NTP daemon (chrony, timesyncd).
type HostTime struct {
	Floor uint32
}

func (h HostTime) NetworkTime(ctx context.Context) (time.Time, error) {
	now := time.Now()
	if _, err := checkFloor(now, h.Floor); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

type SyncOptions struct {
	Tries     int
	Delay     time.Duration
	Mandatory bool
}

// RTC is software real time clock: set from network time, advanced by monotonic clock.
// Unavailable until first successful Set or Sync.
type RTC struct {
	mu    sync.Mutex
	epoch uint32
	base  time.Time
	isSet bool

	synced atomic_clock.Clock
	mono   func() time.Time
}

func NewRTC() *RTC { return &RTC{mono: time.Now} }

func (r *RTC) Set(epoch uint32) {
	r.mu.Lock()
	r.epoch = epoch
	r.base = r.mono()
	r.isSet = true
	r.mu.Unlock()
}

func (r *RTC) Now() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isSet {
		return 0, errors.Annotate(ErrUnavailable, "rtc not set")
	}
	elapsed := r.mono().Sub(r.base)
	if elapsed < 0 {
		elapsed = 0
	}
	now := uint64(r.epoch) + uint64(elapsed/time.Second)
	if now > uint64(^uint32(0)) {
		return 0, errors.Annotatef(ErrUnavailable, "rtc overflow epoch=%d elapsed=%v", r.epoch, elapsed)
	}
	return uint32(now), nil
}

// SyncDue reports whether RTC was never synced or last sync is older than interval.
func (r *RTC) SyncDue(interval time.Duration) bool {
	if r.synced.IsZero() {
		return true
	}
	return atomic_clock.Since(&r.synced) >= interval
}

// Sync sets RTC from src, trying opt.Tries times opt.Delay apart.
// On exhaustion returns ErrSyncFatal cause if opt.Mandatory, otherwise ErrUnavailable
// and RTC keeps running from previous value.
func (r *RTC) Sync(ctx context.Context, src NetworkTime, opt SyncOptions, log *log2.Log) error {
	if opt.Tries <= 0 {
		opt.Tries = DefaultSyncTries
	}
	if opt.Delay <= 0 {
		opt.Delay = DefaultSyncDelay
	}

	var lastErr error
loop:
	for try := 1; try <= opt.Tries; try++ {
		t, err := src.NetworkTime(ctx)
		if err == nil && (t.IsZero() || t.Unix() <= 0) {
			err = errors.Annotate(ErrUnavailable, "network time zero")
		}
		if err == nil {
			if _, err = checkFloor(t, 1); err == nil {
				r.Set(uint32(t.Unix()))
				r.synced.SetNow()
				log.Infof("clock: updating RTC from network time epoch=%d try=%d", t.Unix(), try)
				return nil
			}
		}
		lastErr = err
		log.Debugf("clock: network time try=%d/%d err=%v", try, opt.Tries, err)

		if try == opt.Tries {
			break
		}
		select {
		case <-time.After(opt.Delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			break loop
		}
	}

	if opt.Mandatory {
		err := errors.Wrapf(lastErr, ErrSyncFatal, "clock: network time unreachable tries=%d (%v)", opt.Tries, lastErr)
		log.Error(err)
		return err
	}
	log.Warningf("clock: network time unavailable tries=%d, will try again later (%v)", opt.Tries, lastErr)
	return errors.Annotatef(ErrUnavailable, "network time tries=%d", opt.Tries)
}
