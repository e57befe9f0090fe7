package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/felixge/fgprof"
	"github.com/pkg/profile"

	"github.com/openalpha/alphasim/internal/memsys"
	"github.com/openalpha/alphasim/internal/sys"
	"github.com/openalpha/alphasim/internal/system"
)

// BootCmd loads a pre-built physical-memory image (produced by an external
// tool; Intel-HEX/ELF parsing is explicitly out of this engine's scope, per
// spec.md §1/§6) and runs every configured CPU until halt or error.
type BootCmd struct {
	Image   string `arg:"" help:"Path to a pre-built physical-memory image."`
	Base    uint64 `default:"0" help:"Physical load address for the image."`
	Entry   uint64 `default:"0" help:"Initial PC for every CPU (defaults to Base)."`
	NCPUs   int    `default:"1" help:"Number of emulated CPUs."`
	MemSize int    `default:"268435456" help:"Physical RAM size in bytes."`
	Trace   bool   `help:"Log every trace event to stderr."`
	Profile string `enum:"none,cpu,fgprof" default:"none" help:"Profiling mode: none, cpu, or fgprof."`
}

func (b *BootCmd) Run() error {
	stop, err := startProfiling(b.Profile)
	if err != nil {
		return err
	}
	defer stop()

	image, err := os.ReadFile(b.Image)
	if err != nil {
		return fmt.Errorf("alphasim: read image: %w", err)
	}

	cfg := sys.Default()
	cfg.MemorySize = b.MemSize

	var tracer sys.Tracer = sys.NopTracer{}
	if b.Trace {
		tracer = sys.LogTracer{L: log.Default()}
	}
	sysCtx := sys.NewContext(cfg, tracer)

	sy, err := system.New(cfg, sysCtx)
	if err != nil {
		return fmt.Errorf("alphasim: build system: %w", err)
	}
	defer sy.Phys.Close()

	if f := sy.LoadImage(b.Base, image); !f.Ok() {
		return fmt.Errorf("alphasim: load image: %w", f)
	}

	entry := b.Entry
	if entry == 0 {
		entry = b.Base
	}
	for i := 0; i < b.NCPUs; i++ {
		core := sy.AddCore(memsys.CPUID(i))
		core.Exec.PC = entry
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	return runUntilDone(ctx, sy.Run)
}

// startProfiling wires github.com/pkg/profile's CPU profiler or
// github.com/felixge/fgprof's always-on wall-clock profiler, matching the
// two profiling libraries the retrieval pack's dependency set carries.
// Returns a stop function that is always safe to call.
func startProfiling(mode string) (stop func(), err error) {
	switch mode {
	case "", "none":
		return func() {}, nil
	case "cpu":
		p := profile.Start(profile.CPUProfile, profile.ProfilePath("."))
		return p.Stop, nil
	case "fgprof":
		f, ferr := os.Create("alphasim.fgprof")
		if ferr != nil {
			return nil, fmt.Errorf("alphasim: create fgprof output: %w", ferr)
		}
		stopFn := fgprof.Start(f, fgprof.FormatPprof)
		return func() {
			stopFn()
			f.Close()
		}, nil
	default:
		return nil, fmt.Errorf("alphasim: unknown profile mode %q", mode)
	}
}
