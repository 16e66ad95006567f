// Interactive token inspector: each input line is a token text,
// output is its expiry or parse error.
package inspect

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/dbarentine/environment-iot/cmd/devlink/subcmd"
	"github.com/dbarentine/environment-iot/internal/cli"
	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/dbarentine/environment-iot/internal/sas"
	"github.com/dbarentine/environment-iot/log2"
)

const modName = "inspect"

var Mod = subcmd.Mod{Name: modName, Usage: "parse expiry of tokens read from stdin", Main: Main, NoConfig: true}

func Main(ctx context.Context, _ *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	exec := newExecutor(os.Stdout, time.Now)
	return cli.MainLoop(modName, func(line string) {
		if err := exec(line); err != nil {
			log.Error(err)
		}
	}, newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := make([]prompt.Suggest, 0, len(cli.ExitCommands))
	for _, x := range cli.ExitCommands {
		suggests = append(suggests, prompt.Suggest{Text: x})
	}
	return cli.Suggest(suggests)
}

func newExecutor(w io.Writer, now func() time.Time) func(string) error {
	return func(line string) error {
		if line == "" {
			return nil
		}
		expiry, err := sas.ParseExpiry(line)
		if err != nil {
			return err
		}
		left := time.Unix(int64(expiry), 0).Sub(now()).Truncate(time.Second)
		state := "valid"
		if left <= 0 {
			state = "expired"
		}
		_, err = fmt.Fprintf(w, "se=%d %s %s left=%v\n",
			expiry, time.Unix(int64(expiry), 0).UTC().Format(time.RFC3339), state, left)
		return err
	}
}
