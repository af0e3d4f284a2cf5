// mover compiles a platform-and-application mapping blob into a single
// merged object image: it builds the table of physical segments,
// places every virtual segment inside its owning segment, assembles
// one output section per placed, loadable segment, and serializes the result
// using the first ELF object it opened as the ABI template.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/mover/internal/arena"
	"github.com/xyproto/mover/internal/assembler"
	"github.com/xyproto/mover/internal/blob"
	"github.com/xyproto/mover/internal/objtoolkit"
	"github.com/xyproto/mover/internal/placer"
	"github.com/xyproto/mover/internal/pseg"
)

// VerboseMode mirrors the CommandContext's Verbose flag at package
// scope. run itself gates its output on ctx.Verbose and Placer.Verbose.
var VerboseMode bool

func main() {
	ctx, err := parseArgs(os.Args[1:])
	if err != nil {
		reportAndExit(err)
	}
	VerboseMode = ctx.Verbose

	if err := run(ctx); err != nil {
		reportAndExit(err)
	}
}

// run drives the full pipeline: Blob Reader, PSeg Table Builder, VSeg
// Placer, Content Assembler, Image Writer. Every stage's error is a
// fatal diagnostic; there is no partial image and no recovery.
func run(ctx *CommandContext) error {
	b, err := blob.Load(ctx.BlobPath)
	if err != nil {
		return Fatal(CategoryInputMalformed, err.Error(), Site{})
	}

	table, err := pseg.Build(b, ctx.PageSize)
	if err != nil {
		return Fatal(CategoryInputMalformed, err.Error(), Site{})
	}

	tk := objtoolkit.New()
	ar := arena.New(0)
	pl := placer.New(b, table, tk, ctx.PageSize, ar)
	pl.Verbose = ctx.Verbose

	if err := pl.Run(); err != nil {
		return classify(err)
	}

	// Placement has fully succeeded: stamp the output signature before
	// any self-referenced blob section is read by the assembler.
	b.Finalize()

	if ctx.DumpPsegs {
		dumpPsegs(table)
	}
	if ctx.Verbose {
		dumpResolved(pl.Resolved)
	}

	template, ok := pl.Cache.First()
	if !ok {
		return Fatal(CategorySchemaViolation, "no ELF object was opened during placement; nothing to use as an ABI template", Site{})
	}

	asm := assembler.New(tk)
	out := asm.Assemble(template, pl.Resolved)

	if err := tk.Serialize(out, ctx.OutputPath); err != nil {
		return Fatal(CategoryIO, err.Error(), Site{})
	}

	ar.Release()

	if ctx.Verbose {
		fmt.Fprintf(os.Stderr, "mover: wrote %s\n", ctx.OutputPath)
	}
	return nil
}

// classify wraps a lower-layer error as a Diagnostic so every failure
// path reaching main carries a Category, without each package having
// to import the root package's diagnostic types itself. The placer
// and pseg packages return plain errors, so the category is recovered
// from the message text rather than a typed error value.
func classify(err error) error {
	if _, ok := err.(Diagnostic); ok {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "capacity exhausted"):
		return Fatal(CategoryCapacityExhausted, msg, Site{})
	case strings.Contains(msg, "overlaps") || strings.Contains(msg, "overlapping"):
		return Fatal(CategoryOverlap, msg, Site{})
	case strings.Contains(msg, "exceeds declared length"):
		return Fatal(CategorySizeMismatch, msg, Site{})
	case strings.Contains(msg, "must be at position 0") || strings.Contains(msg, "not a multiple of"):
		return Fatal(CategorySchemaViolation, msg, Site{})
	case strings.Contains(msg, "zero length") || strings.Contains(msg, "non-existent"):
		return Fatal(CategoryInputMalformed, msg, Site{})
	default:
		return Fatal(CategoryInternal, msg, Site{})
	}
}
