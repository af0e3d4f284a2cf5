// Package objtoolkit is the mover's object-file toolkit: it opens ELF
// objects for reading, builds a fresh merged object from a template's
// ABI, and serialises that object back out. The content assembler and
// placer only ever see the Toolkit/Object/Section interfaces; this
// package is the one place that knows about ELF.
package objtoolkit

import (
	"debug/elf"
	"fmt"
)

// Flags mirror the handful of ELF section flags the mover cares about.
type Flags uint32

const (
	FlagAlloc Flags = 1 << iota
	FlagWrite
	FlagExec
)

// Section is one named, addressed, sized byte range inside an Object.
type Section interface {
	Name() string
	Addr() uint64
	Size() uint64
	Flags() Flags
	Data() ([]byte, error)
}

// Object is either an opened input object (read-only, backed by a
// file) or a freshly built output object (in-memory, built up with
// AddSection then handed to Toolkit.Serialize).
type Object interface {
	Machine() elf.Machine
	Class() elf.Class
	Sections() []Section
	// SectionByAddr returns the section whose load address equals addr.
	SectionByAddr(addr uint64) (Section, bool)
	// AddSection appends a section to the object. Only meaningful on
	// objects built with NewFromTemplate.
	AddSection(s Section)
}

// Toolkit is the abstract object-file reader/writer back end the
// placer and assembler are built against. elfToolkit (returned by New) is the only
// implementation; a reader targeting a different container format
// would satisfy the same interface without touching either caller.
type Toolkit interface {
	Open(path string) (Object, error)
	NewFromTemplate(tmpl Object) Object
	NewSection(name string, flags Flags, addr uint64, data []byte) Section
	Serialize(obj Object, path string) error
}

// New returns the ELF-backed toolkit implementation.
func New() Toolkit { return &elfToolkit{} }

type elfToolkit struct{}

func (*elfToolkit) Open(path string) (Object, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objtoolkit: open %q: %w", path, err)
	}
	defer f.Close()

	ro := &readObject{
		machine: f.Machine,
		class:   f.Class,
	}
	for _, s := range f.Sections {
		if s.Addr == 0 && s.Type != elf.SHT_NOBITS {
			// Unloaded metadata sections (.shstrtab, .symtab, ...)
			// never carry a meaningful load address; skip them, the
			// mover only cares about sections a VObj can point at.
			continue
		}
		data, derr := s.Data()
		if derr != nil {
			return nil, fmt.Errorf("objtoolkit: read section %q of %q: %w", s.Name, path, derr)
		}
		ro.sections = append(ro.sections, &memSection{
			name:  s.Name,
			addr:  s.Addr,
			size:  s.Size,
			flags: translateFlags(s.Flags),
			data:  data,
		})
	}
	return ro, nil
}

func translateFlags(f elf.SectionFlag) Flags {
	var out Flags
	if f&elf.SHF_ALLOC != 0 {
		out |= FlagAlloc
	}
	if f&elf.SHF_WRITE != 0 {
		out |= FlagWrite
	}
	if f&elf.SHF_EXECINSTR != 0 {
		out |= FlagExec
	}
	return out
}

func (*elfToolkit) NewFromTemplate(tmpl Object) Object {
	return &writeObject{machine: tmpl.Machine(), class: tmpl.Class()}
}

func (*elfToolkit) NewSection(name string, flags Flags, addr uint64, data []byte) Section {
	return &memSection{name: name, addr: addr, size: uint64(len(data)), flags: flags, data: data}
}

// memSection is the only Section implementation: both read objects
// and written objects hold fully materialised byte slices, since the
// assembler always needs the bytes in hand to compute sizes and the
// writer always needs them in hand to serialise.
type memSection struct {
	name  string
	addr  uint64
	size  uint64
	flags Flags
	data  []byte
}

func (s *memSection) Name() string          { return s.name }
func (s *memSection) Addr() uint64          { return s.addr }
func (s *memSection) Size() uint64          { return s.size }
func (s *memSection) Flags() Flags          { return s.flags }
func (s *memSection) Data() ([]byte, error) { return s.data, nil }

// readObject is the result of Toolkit.Open: an ELF file's ABI plus
// its already-loaded sections. AddSection is legal but unused; the
// assembler only ever calls it on objects created by NewFromTemplate.
type readObject struct {
	machine  elf.Machine
	class    elf.Class
	sections []*memSection
}

func (o *readObject) Machine() elf.Machine { return o.machine }
func (o *readObject) Class() elf.Class     { return o.class }

func (o *readObject) Sections() []Section {
	out := make([]Section, len(o.sections))
	for i, s := range o.sections {
		out[i] = s
	}
	return out
}

func (o *readObject) SectionByAddr(addr uint64) (Section, bool) {
	for _, s := range o.sections {
		if s.addr == addr {
			return s, true
		}
	}
	return nil, false
}

func (o *readObject) AddSection(s Section) {
	o.sections = append(o.sections, toMemSection(s))
}

// writeObject accumulates the sections the content assembler
// materialises, ABI copied from the first ELF object the placer
// opened, ready for Serialize.
type writeObject struct {
	machine  elf.Machine
	class    elf.Class
	sections []*memSection
}

func (o *writeObject) Machine() elf.Machine { return o.machine }
func (o *writeObject) Class() elf.Class     { return o.class }

func (o *writeObject) Sections() []Section {
	out := make([]Section, len(o.sections))
	for i, s := range o.sections {
		out[i] = s
	}
	return out
}

func (o *writeObject) SectionByAddr(addr uint64) (Section, bool) {
	for _, s := range o.sections {
		if s.addr == addr {
			return s, true
		}
	}
	return nil, false
}

func (o *writeObject) AddSection(s Section) {
	o.sections = append(o.sections, toMemSection(s))
}

func toMemSection(s Section) *memSection {
	if ms, ok := s.(*memSection); ok {
		return ms
	}
	data, _ := s.Data()
	return &memSection{name: s.Name(), addr: s.Addr(), size: s.Size(), flags: s.Flags(), data: data}
}
