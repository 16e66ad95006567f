// Package cli runs line-oriented sub-commands: interactive prompt on a
// terminal, plain line reader when stdin is piped.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// Exit from interactive prompt.
var ExitCommands = []string{"exit", "quit"}

func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if complete == nil {
		complete = NoSuggest
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		p := prompt.New(
			func(line string) {
				line = strings.TrimSpace(line)
				for _, x := range ExitCommands {
					if line == x {
						// go-prompt Run() has no stop method
						os.Exit(0)
					}
				}
				exec(line)
			},
			complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		)
		p.Run()
		return nil
	}
	return ExecLines(os.Stdin, exec)
}

// ExecLines calls exec for each non-empty trimmed line of r.
func ExecLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

func NoSuggest(prompt.Document) []prompt.Suggest { return nil }

// Suggest completes word before cursor from fixed list.
func Suggest(list []prompt.Suggest) func(prompt.Document) []prompt.Suggest {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(list, d.GetWordBeforeCursor(), true)
	}
}
