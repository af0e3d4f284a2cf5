// Package pseg builds the flat, globally-indexed table of physical
// segments and implements the placement routines the VSeg placer calls
// into: a free-space scan for ordinary VSegs and a disjointness check
// for identity-mapped ones. This is a direct port of the original
// mover's PSeg::add / PSeg::addIdent / PSeg::check, restructured around
// an explicitly ordered occupancy list instead of the linear min-scan
// the C++ version re-derives on every insertion.
package pseg

import (
	"fmt"
	"sort"

	"github.com/xyproto/mover/internal/blob"
)

// Placement records one VSeg placed inside a Record's occupancy list.
type Placement struct {
	VSegIndex int
	Name      string
	Lma       uint64
	Length    uint32
}

// Record is one physical segment: a named region of physical memory or
// a peripheral window, plus the VSegs placed inside it so far.
type Record struct {
	Name   string
	Lma    uint64
	Length uint64
	Type   uint32

	Placed []Placement
}

// IsPeripheral reports whether this PSeg is a memory-mapped peripheral
// window. No VSeg is ever placed into one by the mover.
func (r *Record) IsPeripheral() bool { return r.Type == blob.PSegPERI }

func alignUp(x uint64, exponent uint32) (uint64, error) {
	if exponent == 0 {
		return x, nil
	}
	step := uint64(1) << exponent
	sum := x + step - 1
	if sum < x {
		return 0, fmt.Errorf("pseg: alignment overflow aligning %#x to 2^%d", x, exponent)
	}
	return (sum / step) * step, nil
}

// sortedByLma returns the occupied intervals ordered by ascending lma,
// the order the free-space scan assumes.
func (r *Record) sortedByLma() []Placement {
	out := make([]Placement, len(r.Placed))
	copy(out, r.Placed)
	sort.Slice(out, func(i, j int) bool { return out[i].Lma < out[j].Lma })
	return out
}

// Place runs the non-identity placement routine: scan the occupancy
// list in ascending-lma order for the first gap (including the
// trailing gap up to the end of the segment) that is aligned to
// 2^alignExponent and large enough for length. Returns the chosen lma.
func (r *Record) Place(vsegIndex int, name string, length uint32, alignExponent uint32) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("pseg: vseg %q has zero length", name)
	}

	if len(r.Placed) == 0 {
		if uint64(length) > r.Length {
			return 0, fmt.Errorf("pseg: capacity exhausted placing vseg %q in pseg %q (length %#x > pseg length %#x)",
				name, r.Name, length, r.Length)
		}
		lma := r.Lma
		r.Placed = append(r.Placed, Placement{VSegIndex: vsegIndex, Name: name, Lma: lma, Length: length})
		return lma, nil
	}

	occupied := r.sortedByLma()
	prevEnd := r.Lma
	for _, o := range occupied {
		candidate, err := alignUp(prevEnd, alignExponent)
		if err != nil {
			return 0, err
		}
		if candidate+uint64(length) <= o.Lma {
			r.Placed = append(r.Placed, Placement{VSegIndex: vsegIndex, Name: name, Lma: candidate, Length: length})
			return candidate, nil
		}
		prevEnd = o.Lma + uint64(o.Length)
	}

	candidate, err := alignUp(prevEnd, alignExponent)
	if err != nil {
		return 0, err
	}
	if candidate+uint64(length) <= r.Lma+r.Length {
		r.Placed = append(r.Placed, Placement{VSegIndex: vsegIndex, Name: name, Lma: candidate, Length: length})
		return candidate, nil
	}

	return 0, fmt.Errorf("pseg: capacity exhausted placing vseg %q in pseg %q (no gap fits length %#x)",
		name, r.Name, length)
}

// PlaceIdent runs the identity placement routine: the required lma
// equals vma exactly, so this checks containment in the owning pseg
// (invariant 4) and disjointness against every interval already placed
// in this PSeg.
func (r *Record) PlaceIdent(vsegIndex int, name string, vma uint64, length uint32) (uint64, error) {
	if length == 0 {
		return 0, fmt.Errorf("pseg: vseg %q has zero length", name)
	}

	if !r.Fits(vma, length) {
		return 0, fmt.Errorf("pseg: capacity exhausted placing identity vseg %q (lma %#x, length %#x) outside pseg %q (lma %#x, length %#x)",
			name, vma, length, r.Name, r.Lma, r.Length)
	}

	limit := vma + uint64(length)
	for _, o := range r.Placed {
		oLimit := o.Lma + uint64(o.Length)
		overlaps := vma == o.Lma ||
			(vma < o.Lma && limit > o.Lma) ||
			(vma > o.Lma && oLimit > vma)
		if overlaps {
			return 0, fmt.Errorf("pseg: identity vseg %q (lma %#x, length %#x) overlaps vseg %q (lma %#x, length %#x) in pseg %q",
				name, vma, length, o.Name, o.Lma, o.Length, r.Name)
		}
	}

	r.Placed = append(r.Placed, Placement{VSegIndex: vsegIndex, Name: name, Lma: vma, Length: length})
	return vma, nil
}

// Check re-verifies pairwise disjointness of every placed interval.
// Redundant on a correct run; it guards against placement bugs and
// must run before emission.
func (r *Record) Check() error {
	if r.IsPeripheral() {
		return nil
	}
	for i := 0; i < len(r.Placed); i++ {
		a := r.Placed[i]
		aEnd := a.Lma + uint64(a.Length)
		for j := 0; j < len(r.Placed); j++ {
			if j == i {
				continue
			}
			b := r.Placed[j]
			bEnd := b.Lma + uint64(b.Length)
			overlap := a.Lma == b.Lma ||
				aEnd == bEnd ||
				(b.Lma < a.Lma && a.Lma < bEnd) ||
				(b.Lma < aEnd && aEnd < bEnd)
			if overlap {
				return fmt.Errorf("pseg: overlapping vsegs in pseg %q: %q [%#x,%#x) and %q [%#x,%#x)",
					r.Name, a.Name, a.Lma, aEnd, b.Name, b.Lma, bEnd)
			}
		}
	}
	return nil
}

// Fits reports whether the placement satisfies the pseg containment
// invariant: pseg.lma <= vseg.lma and vseg.lma+vseg.length <= pseg.lma+pseg.length.
func (r *Record) Fits(lma uint64, length uint32) bool {
	return r.Lma <= lma && lma+uint64(length) <= r.Lma+r.Length
}

// Table is the flat, globally-indexed table of PSeg records. Its index
// matches the blob's global PSeg index, which VSeg records use to name
// their owner.
type Table struct {
	Records []*Record
}

// Build walks the blob's PSeg array in order and appends one Record
// per pseg record, so the resulting index matches the blob's global
// PSeg index. Cluster records are not consulted. pageSize is the
// construction parameter every RAM PSeg's length must be a multiple
// of (invariant 1).
func Build(b *blob.Blob, pageSize uint64) (*Table, error) {
	t := &Table{}
	for i := 0; i < b.PSegCount(); i++ {
		p := b.PSeg(i)
		if p.Type == blob.PSegRAM && p.Length%pageSize != 0 {
			return nil, fmt.Errorf("pseg: %q length %#x is not a multiple of the page size %#x",
				p.Name, p.Length, pageSize)
		}
		t.Records = append(t.Records, &Record{Name: p.Name, Lma: p.Base, Length: p.Length, Type: p.Type})
	}
	return t, nil
}

// Get returns the Record at the given global PSeg index.
func (t *Table) Get(index int) (*Record, error) {
	if index < 0 || index >= len(t.Records) {
		return nil, fmt.Errorf("pseg: reference to non-existent pseg index %d", index)
	}
	return t.Records[index], nil
}

// CheckAll re-verifies every RAM PSeg's pairwise disjointness. Must be
// called once after the full placement pass.
func (t *Table) CheckAll() error {
	for _, r := range t.Records {
		if err := r.Check(); err != nil {
			return err
		}
	}
	return nil
}
