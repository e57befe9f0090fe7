// Command alphasim boots a pre-built Alpha AXP physical-memory image and
// runs it to completion, per spec.md §6's firmware hand-off contract.
//
// Grounded on the teacher's plain main.go entry point (cmd/intuition-engine
// wires flags straight into its emulator's config and calls Run); CLI
// parsing itself follows github.com/bobuhiro11/gokvm's flag/runs.go, which
// uses github.com/alecthomas/kong's Parse/Run subcommand pattern instead of
// the standard library's flag package.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI is the top-level command set, mirroring gokvm's CLI{ Boot, Probe }
// shape: one struct field per subcommand, each a Run()-able command type.
type CLI struct {
	Boot BootCmd `cmd:"" help:"Load an image into physical memory and run it to halt."`
	Info InfoCmd `cmd:"" help:"Print the default engine configuration."`
}

func main() {
	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("alphasim"),
		kong.Description("Alpha AXP (21064/21164/21264-class) execution engine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := parser.Run(); err != nil {
		fatalf("%v", err)
	}
}

// runUntilDone drives sys.Run to completion or to the first error, treating
// context.Canceled (a Ctrl-C during a long boot) as a clean exit rather than
// a failure.
func runUntilDone(ctx context.Context, run func(context.Context) error) error {
	if err := run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
