package helpers

import (
	"time"
)

// Limited exponential backoff for retry delays.
// K<=1 keeps delay fixed at Min, which is the plain "retry every N" policy.
// Not safe for concurrent use, owner goroutine calls Failure/Reset.
//
// Use scenario:
// for {
//   if err := op(); err == nil {
//     backoff.Reset()
//     break
//   }
//   time.Sleep(backoff.Failure())
// }
type Backoff struct {
	next time.Duration

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Failure returns delay to wait before next attempt and increases following delay by K.
func (b *Backoff) Failure() time.Duration {
	if b.next == 0 {
		b.next = b.Min
	}
	delay := b.limit(b.next)
	if b.K > 1 {
		b.next = b.limit(time.Duration(float32(delay) * b.K))
	}
	return delay
}

// Next returns delay the following Failure() would report, without changing state.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		return b.limit(b.Min)
	}
	return b.limit(b.next)
}

func (b *Backoff) Reset() { b.next = b.Min }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max >= b.Min && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
