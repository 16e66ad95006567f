// Package outbox keeps opaque device payloads in a persistent queue
// and forwards them to the broker while link is connected.
// Delivery is at-least-once: item is deleted only after successful publish.
package outbox

import (
	"context"
	"time"

	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"
)

const DefaultRetryDelay = 5 * time.Second

var ErrClosed = errors.New("outbox is closed")

type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

type Options struct {
	RetryDelay time.Duration
}

type Outbox struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	pub   Publisher
	q     *spq.Queue
}

// Open starts worker. Path spq.OnlyForTesting keeps queue in memory.
func Open(path string, pub Publisher, opt Options, log *log2.Log) (*Outbox, error) {
	if path == "" {
		return nil, errors.NotValidf("outbox path empty")
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%s", path)
	}
	o := &Outbox{
		alive: alive.NewAlive(),
		log:   log,
		opt:   opt,
		pub:   pub,
		q:     q,
	}
	o.alive.Add(1)
	go o.worker()
	return o, nil
}

// Push stores payload for delivery. Empty payload is rejected.
func (o *Outbox) Push(payload []byte) error {
	if len(payload) == 0 {
		return errors.NotValidf("outbox payload empty")
	}
	if !o.alive.IsRunning() {
		return ErrClosed
	}
	if err := o.q.Push(payload); err != nil {
		if err == spq.ErrClosed {
			return ErrClosed
		}
		return errors.Annotate(err, "outbox push")
	}
	return nil
}

func (o *Outbox) Close() error {
	o.alive.Stop()
	err := o.q.Close()
	o.alive.Wait()
	return errors.Annotate(err, "outbox close")
}

func (o *Outbox) worker() {
	defer o.alive.Done()
	stopch := o.alive.StopChan()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopch
		cancel()
	}()

	for {
		box, err := o.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			if err = o.pub.Publish(ctx, b); err == nil {
				if err = o.q.Delete(box); err != nil {
					o.log.Errorf("outbox Delete len=%d err=%v", len(b), err)
				}
				continue
			}
			o.log.Debugf("outbox publish len=%d err=%v", len(b), err)
			if err = o.q.DeletePush(box); err != nil {
				o.log.Errorf("outbox DeletePush len=%d err=%v", len(b), err)
			}
			select {
			case <-time.After(o.opt.RetryDelay):
			case <-stopch:
				return
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				o.log.Errorf("CRITICAL outbox spq closed unexpectedly")
			}
			return

		default:
			o.log.Errorf("CRITICAL outbox spq err=%v", err)
			if spq.IsCorrupted(err) {
				return
			}
			select {
			case <-time.After(o.opt.RetryDelay):
			case <-stopch:
				return
			}
		}
	}
}
