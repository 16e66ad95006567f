package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dbarentine/environment-iot/cmd/devlink/inspect"
	"github.com/dbarentine/environment-iot/cmd/devlink/run"
	"github.com/dbarentine/environment-iot/cmd/devlink/subcmd"
	"github.com/dbarentine/environment-iot/cmd/devlink/token"
	"github.com/dbarentine/environment-iot/internal/app"
	"github.com/dbarentine/environment-iot/internal/config"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LDebug)

var BuildVersion string = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	run.Mod,
	token.Mod,
	inspect.Mod,
}

func main() {
	flagset := flag.NewFlagSet("devlink", flag.ContinueOnError)
	flagConfig := flagset.String("config", "devlink.hcl", "")
	flagset.Usage = func() {
		usage := "Usage: devlink [option] [command]\n"
		usage += "\nOptions:\n"
		fmt.Fprint(flagset.Output(), usage)
		flagset.PrintDefaults()
		fmt.Fprint(flagset.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}

	command := strings.TrimSpace(flagset.Arg(0))
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		flagset.Usage()
		log.Fatal(err)
	}

	log.SetFlags(log2.LInteractiveFlags)
	if mod.Name == run.Mod.Name && subcmd.SdNotify("start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	}

	var cfg *config.Config
	if !mod.NoConfig {
		cfg = config.MustRead(log, config.NewOsFullReader(), *flagConfig)
		if !cfg.LogDebug {
			log.SetLevel(log2.LInfo)
		}
	}
	log.Debugf("devlink version=%s starting %s", BuildVersion, mod.Name)

	ctx, g := app.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Debugf("devlink %s done", mod.Name)
}
