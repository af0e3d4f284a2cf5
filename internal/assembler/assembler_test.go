package assembler

import (
	"debug/elf"
	"path/filepath"
	"testing"

	"github.com/xyproto/mover/internal/objtoolkit"
	"github.com/xyproto/mover/internal/placer"
)

func TestAssembleProducesOneSectionPerResolvedVSeg(t *testing.T) {
	tk := objtoolkit.New()

	// A throwaway object whose ABI the merged output must copy.
	seed := tk.NewFromTemplate(mustOpenEmptyTemplate(t, tk))
	seedPath := filepath.Join(t.TempDir(), "seed.elf")
	if err := tk.Serialize(seed, seedPath); err != nil {
		t.Fatalf("Serialize seed: %v", err)
	}
	template, err := tk.Open(seedPath)
	if err != nil {
		t.Fatalf("Open seed: %v", err)
	}

	resolved := []placer.Resolved{
		{Name: "boot", Lma: 0x1000, Length: 4, Data: []byte{1, 2, 3, 4}},
		{Name: "stack", Lma: 0x2000, Length: 3, Data: []byte{9, 9, 9}},
	}

	a := New(tk)
	out := a.Assemble(template, resolved)

	outPath := filepath.Join(t.TempDir(), "merged.elf")
	if err := tk.Serialize(out, outPath); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	f, err := elf.Open(outPath)
	if err != nil {
		t.Fatalf("reopening merged object: %v", err)
	}
	defer f.Close()

	want := map[string]uint64{"boot": 0x1000, "stack": 0x2000}
	found := 0
	for _, sec := range f.Sections {
		if addr, ok := want[sec.Name]; ok {
			found++
			if sec.Addr != addr {
				t.Errorf("section %q addr = %#x, want %#x", sec.Name, sec.Addr, addr)
			}
		}
	}
	if found != len(want) {
		t.Fatalf("found %d of %d expected sections", found, len(want))
	}
}

// mustOpenEmptyTemplate builds and reopens a minimal ABI-only object
// so the test has a real Object to pass as a template without
// reaching into objtoolkit's unexported types.
func mustOpenEmptyTemplate(t *testing.T, tk objtoolkit.Toolkit) objtoolkit.Object {
	t.Helper()
	path := filepath.Join(t.TempDir(), "abi.elf")
	blank := tk.NewFromTemplate(&fixedABI{})
	if err := tk.Serialize(blank, path); err != nil {
		t.Fatalf("Serialize abi template: %v", err)
	}
	obj, err := tk.Open(path)
	if err != nil {
		t.Fatalf("Open abi template: %v", err)
	}
	return obj
}

// fixedABI is a minimal objtoolkit.Object implementation used only to
// seed NewFromTemplate with a known machine/class pair in tests.
type fixedABI struct{}

func (*fixedABI) Machine() elf.Machine                            { return elf.EM_MIPS }
func (*fixedABI) Class() elf.Class                                { return elf.ELFCLASS32 }
func (*fixedABI) Sections() []objtoolkit.Section                  { return nil }
func (*fixedABI) SectionByAddr(uint64) (objtoolkit.Section, bool) { return nil, false }
func (*fixedABI) AddSection(objtoolkit.Section)                   {}
