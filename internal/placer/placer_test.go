package placer

import (
	"testing"

	"github.com/xyproto/mover/internal/arena"
	"github.com/xyproto/mover/internal/blob"
	"github.com/xyproto/mover/internal/objtoolkit"
	"github.com/xyproto/mover/internal/pseg"
)

func buildAndPlace(t *testing.T, b *blob.Builder, path string, pageSize uint64) (*blob.Blob, *placerAndTable, error) {
	t.Helper()
	bb, err := b.Build(path)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	table, err := pseg.Build(bb, pageSize)
	if err != nil {
		t.Fatalf("pseg.Build: %v", err)
	}
	p := New(bb, table, objtoolkit.New(), pageSize, arena.New(0))
	err = p.Run()
	return bb, &placerAndTable{p, table}, err
}

type placerAndTable struct {
	P     *Placer
	Table *pseg.Table
}

func onePSeg(base, length uint64) *blob.Builder {
	b := blob.NewBuilder()
	b.AddPSeg(blob.PSeg{Name: "ram0", Base: base, Length: length, Type: blob.PSegRAM})
	return b
}

// S1
func TestS1SingleNonIdentVSeg(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "obj", Type: blob.VObjHEAP, Length: 0x400})

	bb, _, err := buildAndPlace(t, b, "/tmp/s1.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := bb.VSeg(0); v.Lma != 0 || v.Length != 0x400 {
		t.Fatalf("VSeg(0) = %+v", v)
	}
}

// S2
func TestS2TwoVSegsPackSequentially(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "oa", Type: blob.VObjHEAP, Length: 0x400})
	b.AddGlobalVSeg(blob.VSeg{Name: "b", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "ob", Type: blob.VObjHEAP, Length: 0x400})

	bb, _, err := buildAndPlace(t, b, "/tmp/s2.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := bb.VSeg(0); v.Lma != 0 {
		t.Fatalf("VSeg(0).Lma = %#x, want 0", v.Lma)
	}
	if v := bb.VSeg(1); v.Lma != 0x400 {
		t.Fatalf("VSeg(1).Lma = %#x, want 0x400", v.Lma)
	}
}

// S3
func TestS3IdentPlacedBeforeFreeRegardlessOfDeclarationOrder(t *testing.T) {
	b := onePSeg(0, 0x1000)
	// Declared in source order free-then-ident; the driving loop must
	// still place idents first.
	b.AddGlobalVSeg(blob.VSeg{Name: "free", Vma: 0, PSegID: 0, Vobjs: 1, Ident: false})
	b.AddVObj(blob.VObj{Name: "of", Type: blob.VObjHEAP, Length: 0x400})
	b.AddGlobalVSeg(blob.VSeg{Name: "ident", Vma: 0x800, PSegID: 0, Vobjs: 1, Ident: true})
	b.AddVObj(blob.VObj{Name: "oi", Type: blob.VObjHEAP, Length: 0x400})

	bb, _, err := buildAndPlace(t, b, "/tmp/s3.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := bb.VSeg(1); v.Lma != 0x800 {
		t.Fatalf("ident VSeg.Lma = %#x, want 0x800", v.Lma)
	}
	if v := bb.VSeg(0); v.Lma != 0 {
		t.Fatalf("free VSeg.Lma = %#x, want 0", v.Lma)
	}
}

// S4
func TestS4AlignmentPushesSecondVSeg(t *testing.T) {
	b := onePSeg(0x1000_0000, 0x1_0000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "oa", Type: blob.VObjHEAP, Length: 0x100, Align: 12})
	b.AddGlobalVSeg(blob.VSeg{Name: "b", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "ob", Type: blob.VObjHEAP, Length: 0x100, Align: 12})

	bb, _, err := buildAndPlace(t, b, "/tmp/s4.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := bb.VSeg(0); v.Lma != 0x1000_0000 {
		t.Fatalf("VSeg(0).Lma = %#x, want 0x1000_0000", v.Lma)
	}
	if v := bb.VSeg(1); v.Lma != 0x1000_1000 {
		t.Fatalf("VSeg(1).Lma = %#x, want 0x1000_1000", v.Lma)
	}
}

// S5: the mapping-blob self-reference keeps a live view, not a copy.
func TestS5SelfReferenceStaysLive(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "mapping", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "self", Type: blob.VObjBLOB, BinPath: "s5.bin"})

	bb, pt, err := buildAndPlace(t, b, "/tmp/s5.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pt.P.Resolved) != 1 {
		t.Fatalf("Resolved = %d entries, want 1", len(pt.P.Resolved))
	}
	bb.Finalize()
	got := pt.P.Resolved[0].Data
	if len(got) < 4 {
		t.Fatalf("resolved data too short: %d bytes", len(got))
	}
	if sig := bb.Header().Signature; sig != blob.OutSignature {
		t.Fatalf("Finalize: signature = %#x, want %#x", sig, blob.OutSignature)
	}
	// The resolved bytes must be the same backing array as the blob's
	// own buffer, so the Finalize rewrite above is already reflected.
	wantSig := uint32(got[0]) | uint32(got[1])<<8 | uint32(got[2])<<16 | uint32(got[3])<<24
	if wantSig != blob.OutSignature {
		t.Fatalf("resolved data signature = %#x, want %#x (not a live view)", wantSig, blob.OutSignature)
	}
}

// S6
func TestS6CapacityExhausted(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "oa", Type: blob.VObjHEAP, Length: 0x0C00})
	b.AddGlobalVSeg(blob.VSeg{Name: "b", Vma: 0, PSegID: 0, Vobjs: 1})
	b.AddVObj(blob.VObj{Name: "ob", Type: blob.VObjHEAP, Length: 0x0500})

	_, _, err := buildAndPlace(t, b, "/tmp/s6.bin", 0x1000)
	if err == nil {
		t.Fatal("expected capacity-exhausted error")
	}
}

// Invariant: zero-length VSegs are a hard error.
func TestZeroLengthVSegRejected(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "empty", Vma: 0, PSegID: 0, Vobjs: 0})

	_, _, err := buildAndPlace(t, b, "/tmp/zero.bin", 0x1000)
	if err == nil {
		t.Fatal("expected zero-length error")
	}
}

// Invariant 10: two identity vsegs sharing a vma collide.
func TestIdentCollisionAcrossVSegs(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0x800, PSegID: 0, Vobjs: 1, Ident: true})
	b.AddVObj(blob.VObj{Name: "oa", Type: blob.VObjHEAP, Length: 0x400})
	b.AddGlobalVSeg(blob.VSeg{Name: "b", Vma: 0x800, PSegID: 0, Vobjs: 1, Ident: true})
	b.AddVObj(blob.VObj{Name: "ob", Type: blob.VObjHEAP, Length: 0x100})

	_, _, err := buildAndPlace(t, b, "/tmp/ident-collision.bin", 0x1000)
	if err == nil {
		t.Fatal("expected overlap error")
	}
}

// PERI-owned VSegs are skipped entirely, never placed.
func TestPeripheralVSegSkipped(t *testing.T) {
	b := blob.NewBuilder()
	b.AddPSeg(blob.PSeg{Name: "peri0", Base: 0xF000_0000, Length: 0x1000, Type: blob.PSegPERI})
	b.AddGlobalVSeg(blob.VSeg{Name: "uart", Vma: 0xF000_0000, PSegID: 0, Vobjs: 1, Ident: true})
	b.AddVObj(blob.VObj{Name: "regs", Type: blob.VObjHEAP, Length: 0x100})

	bb, pt, err := buildAndPlace(t, b, "/tmp/peri.bin", 0x1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v := bb.VSeg(0); v.Lma != 0 {
		t.Fatalf("peripheral VSeg.Lma = %#x, want untouched (0)", v.Lma)
	}
	if len(pt.P.Resolved) != 0 {
		t.Fatalf("Resolved = %d, want 0 for a peripheral-owned vseg", len(pt.P.Resolved))
	}
}

// Schema violation: an ELF vobj is only legal at vobj position 0.
func TestELFVObjNotAtPositionZeroRejected(t *testing.T) {
	b := onePSeg(0, 0x1000)
	b.AddGlobalVSeg(blob.VSeg{Name: "a", Vma: 0, PSegID: 0, Vobjs: 2})
	b.AddVObj(blob.VObj{Name: "heap", Type: blob.VObjHEAP, Length: 0x100})
	b.AddVObj(blob.VObj{Name: "code", Type: blob.VObjELF, BinPath: "does-not-matter.elf"})

	_, _, err := buildAndPlace(t, b, "/tmp/elf-pos.bin", 0x1000)
	if err == nil {
		t.Fatal("expected schema-violation error for elf vobj not at position 0")
	}
}
