// cli.go - command-line front end for mover.
//
// Unlike a multi-subcommand tool, mover has exactly one job: read a
// mapping blob, place it, write a merged object. CommandContext still
// exists as the seam between flag parsing and the pipeline, the way
// the teacher's CLI layer separates "what the user asked for" from
// "what runs", even though there is only one command here.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/mover/internal/placer"
	"github.com/xyproto/mover/internal/pseg"
)

const versionString = "mover 1.0.0"

// CommandContext holds everything the pipeline needs to run, gathered
// from flags and environment overrides before any file is touched.
type CommandContext struct {
	BlobPath   string
	OutputPath string
	PageSize   uint64
	Verbose    bool
	DumpPsegs  bool
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - offline memory-layout compiler

usage: mover [options] <mapping-blob-path>

options:
  -o <path>         output image path (default "soft.elf")
  -page-size <n>    construction page size in bytes (default 4096)
  -v                verbose dump of every placed vseg and assembled section
  -sm               dump each pseg's final occupancy after placement
  -version          print version information and exit

environment overrides (read when the matching flag is left at its default):
  MOVER_OUTPUT      same as -o
  MOVER_PAGE_SIZE   same as -page-size
  MOVER_VERBOSE     same as -v

`, versionString)
}

// parseArgs builds a CommandContext from argv and environment
// overrides. An explicitly given flag always wins over its
// environment variable, which wins over the built-in default.
func parseArgs(args []string) (*CommandContext, error) {
	fs := flag.NewFlagSet("mover", flag.ContinueOnError)
	fs.Usage = usage

	defaultOutput := env.Str("MOVER_OUTPUT", "soft.elf")
	defaultPageSize := uint64(env.Int("MOVER_PAGE_SIZE", 4096))
	defaultVerbose := env.Bool("MOVER_VERBOSE")

	outputFlag := fs.String("o", defaultOutput, "output image path")
	pageSizeFlag := fs.Uint64("page-size", defaultPageSize, "construction page size in bytes")
	verboseFlag := fs.Bool("v", defaultVerbose, "verbose dump of placement and assembly")
	dumpPsegsFlag := fs.Bool("sm", false, "dump each pseg's final occupancy")
	versionFlag := fs.Bool("version", false, "print version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *versionFlag {
		fmt.Println(versionString)
		os.Exit(0)
	}

	if fs.NArg() != 1 {
		usage()
		return nil, fmt.Errorf("expected exactly one mapping-blob-path argument, got %d", fs.NArg())
	}

	return &CommandContext{
		BlobPath:   fs.Arg(0),
		OutputPath: *outputFlag,
		PageSize:   *pageSizeFlag,
		Verbose:    *verboseFlag,
		DumpPsegs:  *dumpPsegsFlag,
	}, nil
}

// dumpPsegs prints each pseg's final occupancy, one line per placed
// vseg, in the spirit of the original mover's PSeg::print.
func dumpPsegs(table *pseg.Table) {
	for _, r := range table.Records {
		fmt.Printf("<Physical segment %q, from: %#x, size: %#x, type: %d, containing:\n", r.Name, r.Lma, r.Length, r.Type)
		for _, p := range r.Placed {
			fmt.Printf("  <Virtual segment from(lma): %#010x, size: %#08x, name: %s>\n", p.Lma, p.Length, p.Name)
		}
		fmt.Println(">")
	}
}

// dumpResolved prints one line per assembled section, in the spirit of
// the original mover's VSeg::print.
func dumpResolved(resolved []placer.Resolved) {
	for _, r := range resolved {
		fmt.Printf("<Virtual segment from(lma): %#010x, size: %#08x, name: %s>\n",
			r.Lma, r.Length, r.Name)
	}
}
