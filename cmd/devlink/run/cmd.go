// Main mode of operation: keep authenticated broker link and forward
// newline separated payloads from stdin to device events topic.
package run

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/dbarentine/environment-iot/cmd/devlink/subcmd"
	"github.com/dbarentine/environment-iot/internal/app"
	"github.com/dbarentine/environment-iot/internal/clock"
	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/juju/errors"
)

const modName = "run"

var Mod = subcmd.Mod{Name: modName, Usage: "connect and forward stdin lines to broker (default)", Main: Main}

const stopTimeout = 5 * time.Second

func Main(ctx context.Context, cfg *config.Config) error {
	g := app.GetGlobal(ctx)
	g.MustInit(ctx, cfg)

	if err := g.SyncClock(ctx); err != nil {
		if errors.Cause(err) == clock.ErrSyncFatal {
			return errors.Annotate(err, "clock sync")
		}
		// credential refresh fails until periodic resync succeeds
		g.Error(err, "clock sync")
	}
	if err := g.OpenOutbox(); err != nil {
		return errors.Annotate(err, "outbox")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			g.Log.Infof("signal=%v stopping", s)
			g.Stop()
		case <-g.Alive.StopChan():
		}
	}()

	go func() {
		if err := Forward(os.Stdin, g.Outbox.Push); err != nil {
			g.Error(err, "stdin")
		}
		g.Log.Debugf("stdin closed")
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Debugf("run init complete")

	err := g.RunLink(ctx)
	g.Log.Infof("link stopped state=%s connects=%d failures=%d", g.Link.State(), g.Link.Connects(), g.Link.Failures())
	if !g.StopWait(stopTimeout) {
		g.Log.Errorf("stop timeout=%v", stopTimeout)
	}
	return errors.Annotate(err, "link")
}

// Forward pushes each non-empty line of r, until EOF or push error.
func Forward(r io.Reader, push func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b := make([]byte, len(line))
		copy(b, line)
		if err := push(b); err != nil {
			return err
		}
	}
	return scanner.Err()
}
