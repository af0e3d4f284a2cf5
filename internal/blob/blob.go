// Package blob reads and mutates the mapping blob: a packed binary
// description of a platform and the applications mapped onto it.
//
// The layout is a fixed Header followed by six contiguous, variable
// length, little-endian arrays (Cluster, PSeg, VSpace, VSeg, VObj,
// Task). The whole file is loaded into one buffer and every downstream
// stage of the mover reads and writes through typed views over that
// same buffer rather than copying records out into owned structs —
// the placer's job is precisely to poke the computed VSeg.Lma and
// VSeg.Length, and the VObj.Length, back into this buffer in place, so
// that the buffer re-injected as a section in the output image carries
// the placement decisions.
package blob

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
)

// Magic signatures. The input blob must carry InSignature; the mover
// rewrites the in-memory header to OutSignature once placement has
// completed successfully, so that the buffer re-injected into the
// output image carries the post-mover signature.
const (
	InSignature  uint32 = 0xDACE2014
	OutSignature uint32 = 0xBABEF00D
)

// PSeg types.
const (
	PSegRAM  uint32 = 0
	PSegPERI uint32 = 1
)

// VSeg types.
const (
	VSegELF    uint32 = 0
	VSegBLOB   uint32 = 1
	VSegPTAB   uint32 = 2
	VSegPERI   uint32 = 3
	VSegBUFFER uint32 = 4
	VSegSCHED  uint32 = 5
	VSegHEAP   uint32 = 6
)

// VObj types.
const (
	VObjELF      uint32 = 0
	VObjBLOB     uint32 = 1
	VObjPTAB     uint32 = 2
	VObjMWMR     uint32 = 3
	VObjLOCK     uint32 = 4
	VObjBUFFER   uint32 = 5
	VObjBARRIER  uint32 = 6
	VObjCONST    uint32 = 7
	VObjMEMSPACE uint32 = 8
	VObjSCHED    uint32 = 9
	VObjHEAP     uint32 = 10
)

// VSeg mode bits.
const (
	ModeC uint32 = 0b1000 // cacheable
	ModeX uint32 = 0b0100 // executable
	ModeW uint32 = 0b0010 // writable
	ModeU uint32 = 0b0001 // user access
)

// Fixed field widths, in bytes.
const (
	nameLen = 32
	pathLen = 64

	headerSize  = 128
	clusterSize = 16
	psegSize    = 56
	vspaceSize  = 52
	vsegSize    = 72
	vobjSize    = 112
	taskSize    = 60
)

// Header is the fixed-size record at the start of the blob.
type Header struct {
	Signature  uint32
	XSize      uint32
	YSize      uint32
	XWidth     uint32
	YWidth     uint32
	XIo        uint32
	YIo        uint32
	IrqPerProc uint32
	UseRamDisk uint32
	Clusters   uint32
	Globals    uint32 // number of global (non-vspace) vsegs, a prefix of the VSeg array
	Vspaces    uint32
	Psegs      uint32
	Vsegs      uint32
	Vobjs      uint32
	Tasks      uint32
	Name       string
}

// Cluster is a tile of the platform mesh owning a contiguous run of PSegs.
type Cluster struct {
	X, Y       uint32
	Psegs      uint32
	PsegOffset uint32
}

// PSeg is a physical segment: a named region of physical memory or a
// peripheral window.
type PSeg struct {
	Name   string
	Base   uint64
	Length uint64
	Type   uint32
}

// VSpace is an application: a set of private VSegs and tasks.
type VSpace struct {
	Name       string
	VsegOffset uint32
	Vsegs      uint32
	TaskOffset uint32
	Tasks      uint32
}

// VSeg is a virtual segment: a contiguous virtual-address region placed
// inside one PSeg. Length and Lma are computed by the placer, not
// trusted from the blob on input.
type VSeg struct {
	Name       string
	Vma        uint32
	PSegID     uint32
	Mode       uint32
	Type       uint32
	Ident      bool
	VobjOffset uint32
	Vobjs      uint32
	Length     uint32
	Lma        uint64
}

// VObj is a sub-region inside a VSeg. Length is mutable: for ELF and
// BLOB types the placer overwrites it with the size measured from the
// source file.
type VObj struct {
	Name    string
	Type    uint32
	Length  uint32
	Align   uint32 // alignment exponent, power of two; 0 means unconstrained
	Init    uint32
	BinPath string
}

// Task is a thread of a VSpace, mapped onto one processor.
type Task struct {
	Name        string
	ClusterID   uint32
	ProcLocID   uint32
	Trdid       uint32
	StackVsegID uint32
	HeapVsegID  uint32
	StartID     uint32
	Ltid        uint32
}

// Blob owns the raw byte buffer loaded from the mapping-blob file, and
// exposes typed, bounds-checked views over its six trailing arrays.
// Every accessor decodes directly from buf; every mutator encodes
// directly back into buf, so that the same bytes handed to the Content
// Assembler for the blob's own self-reference reflect every placement
// decision made along the way.
type Blob struct {
	buf  []byte
	path string

	clusterOff int
	psegOff    int
	vspaceOff  int
	vsegOff    int
	vobjOff    int
	taskOff    int
}

// Load reads path into a single owned buffer and validates the header
// signature. The buffer remains writable for the lifetime of the run.
func Load(path string) (*Blob, error) {
	data, err := readWhole(path)
	if err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return newFromBytes(path, data)
}

// newFromBytes builds a Blob from an in-memory buffer, used by Load
// and directly by tests that want to avoid touching the filesystem.
func newFromBytes(path string, data []byte) (*Blob, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("blob: file %d bytes shorter than header (%d)", len(data), headerSize)
	}
	b := &Blob{buf: data, path: path}

	sig := binary.LittleEndian.Uint32(b.buf[0:4])
	if sig != InSignature {
		return nil, fmt.Errorf("blob: bad signature %#08x, want %#08x", sig, InSignature)
	}

	h := b.Header()
	b.clusterOff = headerSize
	b.psegOff = b.clusterOff + int(h.Clusters)*clusterSize
	b.vspaceOff = b.psegOff + int(h.Psegs)*psegSize
	b.vsegOff = b.vspaceOff + int(h.Vspaces)*vspaceSize
	b.vobjOff = b.vsegOff + int(h.Vsegs)*vsegSize
	b.taskOff = b.vobjOff + int(h.Vobjs)*vobjSize

	want := b.taskOff + int(h.Tasks)*taskSize
	if len(b.buf) < want {
		return nil, fmt.Errorf("blob: file %d bytes shorter than declared arrays (%d)", len(b.buf), want)
	}
	return b, nil
}

func readWhole(path string) ([]byte, error) {
	return mmapOrRead(path)
}

// Path returns the filesystem path the blob was loaded from, used to
// resolve VObj binpaths and to detect the mapping-blob self-reference.
func (b *Blob) Path() string { return b.path }

// Bytes returns the live underlying buffer, by reference. Any later
// mutation (SetVSegPlacement, Finalize, ...) is visible through a
// previously obtained slice, which is exactly what the self-referenced
// BLOB VObj relies on: its content is this same slice, not a copy.
func (b *Blob) Bytes() []byte { return b.buf }

// Finalize rewrites the header signature to OutSignature. Called once
// placement has fully succeeded, before the Content Assembler captures
// the self-referenced blob section, so that the bytes later written by
// the Image Writer already carry the output signature.
func (b *Blob) Finalize() {
	binary.LittleEndian.PutUint32(b.buf[0:4], OutSignature)
}

func readName(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Header decodes and returns the blob's fixed header.
func (b *Blob) Header() Header {
	buf := b.buf
	return Header{
		Signature:  binary.LittleEndian.Uint32(buf[0:4]),
		XSize:      binary.LittleEndian.Uint32(buf[4:8]),
		YSize:      binary.LittleEndian.Uint32(buf[8:12]),
		XWidth:     binary.LittleEndian.Uint32(buf[12:16]),
		YWidth:     binary.LittleEndian.Uint32(buf[16:20]),
		XIo:        binary.LittleEndian.Uint32(buf[20:24]),
		YIo:        binary.LittleEndian.Uint32(buf[24:28]),
		IrqPerProc: binary.LittleEndian.Uint32(buf[28:32]),
		UseRamDisk: binary.LittleEndian.Uint32(buf[32:36]),
		Clusters:   binary.LittleEndian.Uint32(buf[36:40]),
		Globals:    binary.LittleEndian.Uint32(buf[40:44]),
		Vspaces:    binary.LittleEndian.Uint32(buf[44:48]),
		Psegs:      binary.LittleEndian.Uint32(buf[48:52]),
		Vsegs:      binary.LittleEndian.Uint32(buf[52:56]),
		Vobjs:      binary.LittleEndian.Uint32(buf[56:60]),
		Tasks:      binary.LittleEndian.Uint32(buf[60:64]),
		Name:       readName(buf[64:128]),
	}
}

// ClusterCount returns the number of Cluster records.
func (b *Blob) ClusterCount() int { return int(b.Header().Clusters) }

// Cluster decodes the i-th Cluster record.
func (b *Blob) Cluster(i int) Cluster {
	off := b.clusterOff + i*clusterSize
	buf := b.buf[off:]
	return Cluster{
		X:          binary.LittleEndian.Uint32(buf[0:4]),
		Y:          binary.LittleEndian.Uint32(buf[4:8]),
		Psegs:      binary.LittleEndian.Uint32(buf[8:12]),
		PsegOffset: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// PSegCount returns the number of PSeg records.
func (b *Blob) PSegCount() int { return int(b.Header().Psegs) }

// PSeg decodes the i-th PSeg record.
func (b *Blob) PSeg(i int) PSeg {
	off := b.psegOff + i*psegSize
	buf := b.buf[off:]
	return PSeg{
		Name:   readName(buf[0:32]),
		Base:   binary.LittleEndian.Uint64(buf[32:40]),
		Length: binary.LittleEndian.Uint64(buf[40:48]),
		Type:   binary.LittleEndian.Uint32(buf[48:52]),
	}
}

// VSpaceCount returns the number of VSpace records.
func (b *Blob) VSpaceCount() int { return int(b.Header().Vspaces) }

// VSpace decodes the i-th VSpace record.
func (b *Blob) VSpace(i int) VSpace {
	off := b.vspaceOff + i*vspaceSize
	buf := b.buf[off:]
	return VSpace{
		Name:       readName(buf[0:32]),
		VsegOffset: binary.LittleEndian.Uint32(buf[32:36]),
		Vsegs:      binary.LittleEndian.Uint32(buf[36:40]),
		TaskOffset: binary.LittleEndian.Uint32(buf[40:44]),
		Tasks:      binary.LittleEndian.Uint32(buf[44:48]),
	}
}

// VSegCount returns the number of VSeg records, globals included.
func (b *Blob) VSegCount() int { return int(b.Header().Vsegs) }

// GlobalCount returns how many of the leading VSeg records are globals.
func (b *Blob) GlobalCount() int { return int(b.Header().Globals) }

func (b *Blob) vsegOffset(i int) int { return b.vsegOff + i*vsegSize }

// VSeg decodes the i-th VSeg record.
func (b *Blob) VSeg(i int) VSeg {
	buf := b.buf[b.vsegOffset(i):]
	return VSeg{
		Name:       readName(buf[0:32]),
		Vma:        binary.LittleEndian.Uint32(buf[32:36]),
		PSegID:     binary.LittleEndian.Uint32(buf[36:40]),
		Mode:       binary.LittleEndian.Uint32(buf[40:44]),
		Type:       binary.LittleEndian.Uint32(buf[44:48]),
		Ident:      binary.LittleEndian.Uint32(buf[48:52]) != 0,
		VobjOffset: binary.LittleEndian.Uint32(buf[52:56]),
		Vobjs:      binary.LittleEndian.Uint32(buf[56:60]),
		Length:     binary.LittleEndian.Uint32(buf[60:64]),
		Lma:        binary.LittleEndian.Uint64(buf[64:72]),
	}
}

// SetVSegPlacement writes the placer's computed lma and length back
// into the i-th VSeg record, in place.
func (b *Blob) SetVSegPlacement(i int, lma uint64, length uint32) {
	buf := b.buf[b.vsegOffset(i):]
	binary.LittleEndian.PutUint32(buf[60:64], length)
	binary.LittleEndian.PutUint64(buf[64:72], lma)
}

func (b *Blob) vobjOffset(i int) int { return b.vobjOff + i*vobjSize }

// VObjCount returns the number of VObj records.
func (b *Blob) VObjCount() int { return int(b.Header().Vobjs) }

// VObj decodes the i-th VObj record.
func (b *Blob) VObj(i int) VObj {
	buf := b.buf[b.vobjOffset(i):]
	return VObj{
		Name:    readName(buf[0:32]),
		Type:    binary.LittleEndian.Uint32(buf[32:36]),
		Length:  binary.LittleEndian.Uint32(buf[36:40]),
		Align:   binary.LittleEndian.Uint32(buf[40:44]),
		Init:    binary.LittleEndian.Uint32(buf[44:48]),
		BinPath: readName(buf[48:112]),
	}
}

// SetVObjLength overwrites the i-th VObj's declared length with the
// size measured from its source file.
func (b *Blob) SetVObjLength(i int, length uint32) {
	buf := b.buf[b.vobjOffset(i):]
	binary.LittleEndian.PutUint32(buf[36:40], length)
}

// TaskCount returns the number of Task records.
func (b *Blob) TaskCount() int { return int(b.Header().Tasks) }

// Task decodes the i-th Task record.
func (b *Blob) Task(i int) Task {
	off := b.taskOff + i*taskSize
	buf := b.buf[off:]
	return Task{
		Name:        readName(buf[0:32]),
		ClusterID:   binary.LittleEndian.Uint32(buf[32:36]),
		ProcLocID:   binary.LittleEndian.Uint32(buf[36:40]),
		Trdid:       binary.LittleEndian.Uint32(buf[40:44]),
		StackVsegID: binary.LittleEndian.Uint32(buf[44:48]),
		HeapVsegID:  binary.LittleEndian.Uint32(buf[48:52]),
		StartID:     binary.LittleEndian.Uint32(buf[52:56]),
		Ltid:        binary.LittleEndian.Uint32(buf[56:60]),
	}
}

// ResolvePath resolves a VObj binpath relative to the mapping blob's
// own directory, the way the original mover's PathHandler does, rather
// than relative to the process's current working directory.
func (b *Blob) ResolvePath(binpath string) string {
	if filepath.IsAbs(binpath) {
		return binpath
	}
	return filepath.Join(filepath.Dir(b.path), binpath)
}

// IsSelf reports whether the resolved path refers to the mapping blob
// file itself, the self-reference described in spec invariant 8.
func (b *Blob) IsSelf(resolvedPath string) bool {
	return resolvedPath == b.path
}
