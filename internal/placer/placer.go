// Package placer implements the VSeg Placer: the core algorithm that
// walks every declared VSeg (globals first, then each VSpace's
// privates), resolves its content sources, computes its length,
// chooses a physical load address inside its owning PSeg, and writes
// both back into the mapping blob in place.
package placer

import (
	"fmt"
	"os"

	"github.com/xyproto/mover/internal/arena"
	"github.com/xyproto/mover/internal/blob"
	"github.com/xyproto/mover/internal/objtoolkit"
	"github.com/xyproto/mover/internal/pseg"
)

// Resolved is one placed, loadable VSeg: everything the content
// assembler needs to turn it into an output section.
type Resolved struct {
	VSegIndex int
	Name      string
	Lma       uint64
	Length    uint32
	Mode      uint32
	Data      []byte
}

// Placer drives the placement pass over an already-loaded Blob and an
// already-built PSeg Table.
type Placer struct {
	Blob    *blob.Blob
	Table   *pseg.Table
	Toolkit objtoolkit.Toolkit
	Cache   *objtoolkit.Cache
	// PageSize is the construction parameter the PSeg Table Builder
	// already enforced on every RAM pseg's length (invariant 1); the
	// placer itself no longer folds it into vseg placement alignment,
	// see placeOne.
	PageSize uint64
	Arena    *arena.Arena
	Verbose  bool

	Resolved []Resolved
}

// New returns a Placer ready to run over b and table, with an object
// cache of its own scoped to this run (grounded on the original
// mover's path-keyed loader map). The cache lives as long as the
// Placer; nothing releases it explicitly.
func New(b *blob.Blob, table *pseg.Table, tk objtoolkit.Toolkit, pageSize uint64, ar *arena.Arena) *Placer {
	return &Placer{
		Blob:     b,
		Table:    table,
		Toolkit:  tk,
		Cache:    objtoolkit.NewCache(tk),
		PageSize: pageSize,
		Arena:    ar,
	}
}

// Run executes the full driving loop: global identity, global
// non-identity, then per-VSpace identity and non-identity, followed by
// the post-pass consistency re-check.
func (p *Placer) Run() error {
	globalCount := p.Blob.GlobalCount()
	if err := p.runPass(0, globalCount, true); err != nil {
		return err
	}
	if err := p.runPass(0, globalCount, false); err != nil {
		return err
	}

	for vs := 0; vs < p.Blob.VSpaceCount(); vs++ {
		vspace := p.Blob.VSpace(vs)
		lo := int(vspace.VsegOffset)
		hi := lo + int(vspace.Vsegs)
		if err := p.runPass(lo, hi, true); err != nil {
			return err
		}
		if err := p.runPass(lo, hi, false); err != nil {
			return err
		}
	}

	return p.Table.CheckAll()
}

func (p *Placer) runPass(lo, hi int, wantIdent bool) error {
	for i := lo; i < hi; i++ {
		v := p.Blob.VSeg(i)
		if v.Ident != wantIdent {
			continue
		}
		if err := p.placeOne(i, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *Placer) placeOne(i int, v blob.VSeg) error {
	rec, err := p.Table.Get(int(v.PSegID))
	if err != nil {
		return fmt.Errorf("placer: vseg %q: %w", v.Name, err)
	}
	// A VSeg whose owning pseg is a peripheral window inherits its vma
	// as lma implicitly; it is skipped entirely, per spec.
	if rec.IsPeripheral() {
		return nil
	}

	length, loadable, data, align0, err := p.resolveVObjs(i, v)
	if err != nil {
		return err
	}
	if length == 0 {
		return fmt.Errorf("placer: vseg %q has zero length", v.Name)
	}

	// Alignment is the vseg's own first-vobj requirement alone, not
	// forced up to the page size: forcing every placement to page
	// granularity makes a page-sized pseg unable to hold more than one
	// vseg at all, which contradicts the packed-placement scenarios
	// (e.g. two 0x400-byte vsegs back to back in a 0x1000 pseg) the
	// placement routine must produce. See DESIGN.md.
	alignExp := align0

	var lma uint64
	if v.Ident {
		lma, err = rec.PlaceIdent(i, v.Name, uint64(v.Vma), length)
	} else {
		lma, err = rec.Place(i, v.Name, length, alignExp)
	}
	if err != nil {
		return err
	}

	p.Blob.SetVSegPlacement(i, lma, length)
	if p.Verbose {
		fmt.Fprintf(os.Stderr, "placer: %-24s pseg=%-12s lma=%#010x length=%#x ident=%v\n",
			v.Name, rec.Name, lma, length, v.Ident)
	}

	if loadable {
		p.Resolved = append(p.Resolved, Resolved{
			VSegIndex: i, Name: v.Name, Lma: lma, Length: length, Mode: v.Mode, Data: data,
		})
	}
	return nil
}

// vobjContent is one VObj's contribution to its VSeg's assembled
// buffer: data is nil for VObj types that carry no source bytes
// (PTAB, HEAP, ...); those offsets are left zeroed.
type vobjContent struct {
	offset uint32
	data   []byte
}

// resolveVObjs walks v's VObj list, accumulating length under the
// invariant-7 packing rule, opening ELF/BLOB sources as it goes and
// overwriting each VObj's declared length with its measured size.
func (p *Placer) resolveVObjs(vsegIndex int, v blob.VSeg) (totalLength uint32, loadable bool, data []byte, align0 uint32, err error) {
	// The common case of the mapping-blob self-reference is a VSeg
	// containing exactly one BLOB VObj whose path is the blob's own
	// path: its content must stay a live view into the blob buffer,
	// not a snapshot, so that Finalize's signature rewrite (applied
	// after Run returns) is still visible when the assembler reads it.
	if v.Vobjs == 1 {
		vo := p.Blob.VObj(int(v.VobjOffset))
		if vo.Type == blob.VObjBLOB {
			path := p.Blob.ResolvePath(vo.BinPath)
			if p.Blob.IsSelf(path) {
				live := p.Blob.Bytes()
				p.Blob.SetVObjLength(int(v.VobjOffset), uint32(len(live)))
				return uint32(len(live)), true, live, vo.Align, nil
			}
		}
	}

	var curLength uint32
	var contents []vobjContent

	for k := 0; k < int(v.Vobjs); k++ {
		idx := int(v.VobjOffset) + k
		vo := p.Blob.VObj(idx)

		offset := curLength
		if vo.Align >= 1 {
			offset, err = alignUp32(offset, vo.Align)
			if err != nil {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: %w", v.Name, err)
			}
		}
		if k == 0 {
			align0 = vo.Align
		}

		switch vo.Type {
		case blob.VObjELF:
			if k != 0 {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: elf vobj %q must be at position 0", v.Name, vo.Name)
			}
			path := p.Blob.ResolvePath(vo.BinPath)
			obj, oerr := p.Cache.Open(path)
			if oerr != nil {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: %w", v.Name, oerr)
			}
			vmaCursor := uint64(v.Vma) + uint64(offset)
			sec, ok := obj.SectionByAddr(vmaCursor)
			if !ok {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: no section of %q loads at vma %#x", v.Name, path, vmaCursor)
			}
			secData, derr := sec.Data()
			if derr != nil {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: %w", v.Name, derr)
			}
			if vo.Length != 0 && uint64(len(secData)) > uint64(vo.Length) {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: vobj %q measured size %#x exceeds declared length %#x",
					v.Name, vo.Name, len(secData), vo.Length)
			}
			p.Blob.SetVObjLength(idx, uint32(len(secData)))
			contents = append(contents, vobjContent{offset: offset, data: secData})
			curLength = offset + uint32(len(secData))
			loadable = true

		case blob.VObjBLOB:
			path := p.Blob.ResolvePath(vo.BinPath)
			var fdata []byte
			if p.Blob.IsSelf(path) {
				fdata = p.Blob.Bytes()
			} else {
				fdata, err = os.ReadFile(path)
				if err != nil {
					return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: %w", v.Name, err)
				}
			}
			if vo.Length != 0 && uint64(len(fdata)) > uint64(vo.Length) {
				return 0, false, nil, 0, fmt.Errorf("placer: vseg %q: vobj %q measured size %#x exceeds declared length %#x",
					v.Name, vo.Name, len(fdata), vo.Length)
			}
			p.Blob.SetVObjLength(idx, uint32(len(fdata)))
			contents = append(contents, vobjContent{offset: offset, data: fdata})
			curLength = offset + uint32(len(fdata))
			loadable = true

		default:
			curLength = offset + vo.Length
		}
	}

	totalLength = curLength
	if !loadable {
		return totalLength, false, nil, align0, nil
	}

	buf := p.Arena.Alloc(int(totalLength))
	for _, c := range contents {
		copy(buf[c.offset:], c.data)
	}
	return totalLength, true, buf, align0, nil
}

func alignUp32(x uint32, exponent uint32) (uint32, error) {
	if exponent == 0 {
		return x, nil
	}
	step := uint32(1) << exponent
	sum := x + step - 1
	if sum < x {
		return 0, fmt.Errorf("alignment overflow aligning %#x to 2^%d", x, exponent)
	}
	return (sum / step) * step, nil
}
