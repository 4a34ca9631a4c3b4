// Command dekeybounce filters keyboard chatter: presses that follow a
// release of the same key too closely are swallowed before they reach
// applications.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dekeybounce"),
		kong.Description("Keyboard debounce daemon."),
		kong.UsageOnError(),
	)

	if err := kctx.Run(&Global{Stdout: os.Stdout}, &cli); err != nil {
		slog.Error("dekeybounce failed", "command", kctx.Command(), "error", err)
		os.Exit(1)
	}
}
