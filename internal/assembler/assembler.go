// Package assembler implements the Content Assembler: turning the
// placer's resolved, loadable VSegs into the output object's
// sections, one per VSeg, addressed at its freshly computed lma.
package assembler

import (
	"github.com/xyproto/mover/internal/objtoolkit"
	"github.com/xyproto/mover/internal/placer"
)

// Assembler materialises the merged output object from a template's
// ABI and the placer's resolved content.
type Assembler struct {
	Toolkit objtoolkit.Toolkit
}

// New returns an Assembler driven by tk.
func New(tk objtoolkit.Toolkit) *Assembler {
	return &Assembler{Toolkit: tk}
}

// Assemble builds a new object copying template's ABI (machine,
// class) and attaches one allocatable, writable section per resolved
// VSeg, addressed at its chosen lma. Runtime page tables refine the
// per-VObj mode bits (C/X/W/U) the mapping blob itself still carries;
// the output object's section flags only need to be coarse enough for
// the toolkit to load the bytes at the right address.
func (a *Assembler) Assemble(template objtoolkit.Object, resolved []placer.Resolved) objtoolkit.Object {
	out := a.Toolkit.NewFromTemplate(template)
	for _, r := range resolved {
		sec := a.Toolkit.NewSection(r.Name, objtoolkit.FlagAlloc|objtoolkit.FlagWrite, r.Lma, r.Data)
		out.AddSection(sec)
	}
	return out
}
