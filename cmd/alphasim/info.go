package main

import (
	"fmt"

	"github.com/openalpha/alphasim/internal/sys"
)

// InfoCmd prints the default engine configuration, the same way the
// teacher's own build prints its default audio/video device geometry before
// a run, so a caller can see what a bare `alphasim boot` will allocate.
type InfoCmd struct{}

func (InfoCmd) Run() error {
	cfg := sys.Default()
	fmt.Printf("page size:       %d bytes (shift %d)\n", 1<<cfg.PageShift, cfg.PageShift)
	fmt.Printf("cache line size: %d bytes\n", cfg.CacheLineSize)
	fmt.Printf("L1:              %d sets x %d ways\n", cfg.L1Sets, cfg.L1Ways)
	fmt.Printf("L2:              %d sets x %d ways\n", cfg.L2Sets, cfg.L2Ways)
	fmt.Printf("L3:              %d sets x %d ways\n", cfg.L3Sets, cfg.L3Ways)
	fmt.Printf("TLB entries:     %d (victim buffer %d)\n", cfg.TLBEntries, cfg.VictimEntries)
	fmt.Printf("JIT threshold:   %d hits, max block %d instructions\n", cfg.JITHotThreshold, cfg.JITMaxBlockInstr)
	fmt.Printf("exception stack: %d frames\n", cfg.StackDepth)
	fmt.Printf("default RAM:     %d bytes\n", cfg.MemorySize)
	return nil
}
