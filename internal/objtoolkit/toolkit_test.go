package objtoolkit

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"
)

func TestSerializeProducesValidELF(t *testing.T) {
	tk := New()
	tmpl := &readObject{machine: elf.EM_MIPS, class: elf.ELFCLASS32}
	out := tk.NewFromTemplate(tmpl)

	s1 := tk.NewSection("boot", FlagAlloc|FlagExec, 0x1000, []byte{1, 2, 3, 4})
	s2 := tk.NewSection("data", FlagAlloc|FlagWrite, 0x2000, []byte{5, 6, 7, 8, 9})
	out.AddSection(s1)
	out.AddSection(s2)

	path := filepath.Join(t.TempDir(), "merged.elf")
	if err := tk.Serialize(out, path); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatalf("reopening serialised object: %v", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_MIPS || f.Class != elf.ELFCLASS32 {
		t.Fatalf("ABI mismatch: machine=%v class=%v", f.Machine, f.Class)
	}

	want := map[string]uint64{"boot": 0x1000, "data": 0x2000}
	found := 0
	for _, sec := range f.Sections {
		addr, ok := want[sec.Name]
		if !ok {
			continue
		}
		found++
		if sec.Addr != addr {
			t.Errorf("section %q addr = %#x, want %#x", sec.Name, sec.Addr, addr)
		}
	}
	if found != len(want) {
		t.Fatalf("found %d of %d expected sections", found, len(want))
	}

	data, err := f.Section("boot").Data()
	if err != nil {
		t.Fatalf("reading boot section data: %v", err)
	}
	if string(data) != "\x01\x02\x03\x04" {
		t.Fatalf("boot data = %v", data)
	}
}

func TestCacheOpensOncePerPath(t *testing.T) {
	path := writeMinimalELF(t)
	tk := New()
	c := NewCache(tk)

	o1, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	o2, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open again: %v", err)
	}
	if o1 != o2 {
		t.Fatal("Cache.Open should return the same Object instance for a repeated path")
	}
	first, ok := c.First()
	if !ok || first != o1 {
		t.Fatal("Cache.First should return the first opened object")
	}
}

func writeMinimalELF(t *testing.T) string {
	t.Helper()
	tk := New()
	tmpl := &readObject{machine: elf.EM_MIPS, class: elf.ELFCLASS32}
	out := tk.NewFromTemplate(tmpl)
	out.AddSection(tk.NewSection("text", FlagAlloc|FlagExec, 0x400000, []byte{0xde, 0xad, 0xbe, 0xef}))

	path := filepath.Join(t.TempDir(), "min.elf")
	if err := tk.Serialize(out, path); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	return path
}
