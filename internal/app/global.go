// Package app holds process-wide state of devlink: config, clock,
// credential, broker session, link driver and outbox.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbarentine/environment-iot/internal/broker"
	"github.com/dbarentine/environment-iot/internal/broker/mqtt"
	"github.com/dbarentine/environment-iot/internal/broker/paho"
	"github.com/dbarentine/environment-iot/internal/clock"
	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/dbarentine/environment-iot/internal/credential"
	"github.com/dbarentine/environment-iot/internal/link"
	"github.com/dbarentine/environment-iot/internal/outbox"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/spq"
)

const (
	DefaultOutboxPath = "./tmp-devlink-outbox"
	// failed clock sync is repeated no more often than this
	ResyncRetryInterval = time.Minute
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Log          *log2.Log

	Clock   *clock.RTC
	NetTime clock.NetworkTime
	Cred    *credential.State
	Session broker.Session
	Link    *link.Driver
	Outbox  *outbox.Outbox

	errorCount uint32
	syncTried  atomic_clock.Clock

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/devlink-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive: alive.NewAlive(),
		Log:   log,
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init builds credential state, broker session and link driver from cfg.
// No network IO happens here. Clock, NetTime and Session already set
// (e.g. by tests) are kept.
// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	g.Log.Infof("build version=%s", g.BuildVersion)
	if cfg.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.SetErrorFunc(func(error) { atomic.AddUint32(&g.errorCount, 1) })

	if g.Clock == nil {
		g.Clock = clock.NewRTC()
	}
	if g.NetTime == nil {
		g.NetTime = clock.HostTime{Floor: cfg.ClockFloor()}
	}

	id := credential.Identity{Broker: cfg.Device.Broker, DeviceID: cfg.Device.DeviceID}
	var opts []credential.Option
	if cfg.Device.KeyName != "" {
		opts = append(opts, credential.WithKeyName(cfg.Device.KeyName))
	}
	g.Cred = credential.New(id, cfg.Device.Key, g.Clock, g.Log, opts...)

	linkLog := g.Log.Clone(log2.LInfo)
	if cfg.Link.LogDebug {
		linkLog.SetLevel(log2.LDebug)
	}
	if g.Session == nil {
		s, err := g.newSession(linkLog)
		if err != nil {
			return errors.Annotate(err, "broker session")
		}
		g.Session = s
	}

	linkOpt := cfg.LinkOptions()
	if linkOpt.Topic == "" {
		linkOpt.Topic = broker.TopicEvents(id.DeviceID)
	}
	g.Link = link.NewDriver(linkOpt, g.Cred, g.Session, linkLog)
	g.Log.Debugf("link transport=%s broker=%s topic=%s", cfg.Transport(), cfg.BrokerURL(), linkOpt.Topic)
	return nil
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

func (g *Global) newSession(log *log2.Log) (broker.Session, error) {
	tlsConfig, err := broker.LoadTLS(g.Config.Device.Broker, g.Config.Link.TLSCAFile)
	if err != nil {
		return nil, err
	}
	opt := g.Config.BrokerOptions(log)
	opt.TLS = tlsConfig
	switch g.Config.Transport() {
	case config.TransportPaho:
		// Init runs once per process
		paho.SetLoggers(log)
		return paho.NewSession(opt), nil
	default:
		return mqtt.NewSession(opt)
	}
}

// SyncClock sets RTC from network time with configured tries.
// Mandatory config makes exhaustion an error with clock.ErrSyncFatal cause.
func (g *Global) SyncClock(ctx context.Context) error {
	err := g.Clock.Sync(ctx, g.NetTime, g.Config.SyncOptions(), g.Log)
	g.syncTried.SetNow()
	return err
}

// Resync is periodic clock sync. Failure is never fatal here,
// RTC keeps running from previous value.
func (g *Global) Resync(ctx context.Context) {
	if !g.Clock.SyncDue(g.Config.ResyncInterval()) {
		return
	}
	if !g.syncTried.IsZero() && atomic_clock.Since(&g.syncTried) < ResyncRetryInterval {
		return
	}
	opt := g.Config.SyncOptions()
	opt.Mandatory = false
	if err := g.Clock.Sync(ctx, g.NetTime, opt, g.Log); err != nil {
		g.Error(err, "clock resync")
	}
	g.syncTried.SetNow()
}

func (g *Global) OpenOutbox() error {
	path := g.Config.Outbox.Path
	if path == "" {
		path = DefaultOutboxPath
		g.Log.Errorf("config: outbox.path=empty changed=%s", path)
	}
	if dir := filepath.Dir(path); path != spq.OnlyForTesting && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Annotatef(err, "outbox dir=%s", dir)
		}
	}
	o, err := outbox.Open(path, g.Link, outbox.Options{RetryDelay: g.Config.OutboxRetryDelay()}, g.Log)
	if err != nil {
		return err
	}
	g.Outbox = o
	return nil
}

// RunLink pumps link driver until stopped. Clock resync runs between ticks.
func (g *Global) RunLink(ctx context.Context) error {
	return g.Link.Run(ctx, g.Alive, g.Resync)
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

// ErrorCount is number of errors logged since Init.
func (g *Global) ErrorCount() uint32 { return atomic.LoadUint32(&g.errorCount) }

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

// StopWait stops link and closes outbox, waiting up to timeout.
func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	if g.Outbox != nil {
		if err := g.Outbox.Close(); err != nil {
			g.Log.Error(err)
		}
	}
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
