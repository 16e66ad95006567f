// Package clock supplies current UNIX time to token generation.
// Time may be unavailable, e.g. board without battery RTC before network sync;
// callers must not sign tokens with such time.
package clock

import (
	"time"

	"github.com/juju/errors"
)

// 2020-01-01T00:00:00Z, anything earlier is an unset clock.
const DefaultFloor uint32 = 1577836800

var ErrUnavailable = errors.New("clock: current time unavailable")

type Source interface {
	Now() (uint32, error)
}

// Func adapts plain function to Source.
type Func func() (uint32, error)

func (f Func) Now() (uint32, error) { return f() }

// Fixed always reports same time. For tests and one-shot tools.
type Fixed uint32

func (f Fixed) Now() (uint32, error) { return uint32(f), nil }

// System reads OS wall clock and treats readings before Floor as unavailable.
type System struct {
	Floor uint32
}

func (s System) Now() (uint32, error) {
	return checkFloor(time.Now(), s.Floor)
}

func checkFloor(t time.Time, floor uint32) (uint32, error) {
	if floor == 0 {
		floor = DefaultFloor
	}
	unix := t.Unix()
	if unix < int64(floor) || unix > int64(^uint32(0)) {
		return 0, errors.Annotatef(ErrUnavailable, "unix=%d floor=%d", unix, floor)
	}
	return uint32(unix), nil
}
