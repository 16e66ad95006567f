// Print one freshly generated token and connection identity.
// Useful to test broker access with mosquitto_pub.
package token

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dbarentine/environment-iot/cmd/devlink/subcmd"
	"github.com/dbarentine/environment-iot/internal/app"
	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/dbarentine/environment-iot/internal/credential"
	"github.com/juju/errors"
)

const modName = "token"

var Mod = subcmd.Mod{Name: modName, Usage: "print fresh token, client id and username", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	g := app.GetGlobal(ctx)
	g.MustInit(ctx, cfg)

	if err := g.SyncClock(ctx); err != nil {
		return errors.Annotate(err, "clock sync")
	}
	if err := g.Cred.Refresh(cfg.LinkOptions().TokenLifetimeMin); err != nil {
		return err
	}
	return Print(os.Stdout, g.Cred)
}

func Print(w io.Writer, cred *credential.State) error {
	expiry := cred.Expiry()
	_, err := fmt.Fprintf(w, "client_id=%s\nusername=%s\nexpiry=%d (%s)\npassword=%s\n",
		cred.ClientID(),
		cred.Username(),
		expiry,
		time.Unix(int64(expiry), 0).UTC().Format(time.RFC3339),
		cred.Token(),
	)
	return errors.Annotate(err, "print")
}
