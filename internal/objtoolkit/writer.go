package objtoolkit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

// BufferWrapper accumulates the bytes of the object under
// construction field by field, the way the teacher's own ELF writer
// builds a buffer one explicit field at a time instead of overlaying
// a struct onto memory.
type BufferWrapper struct {
	buf bytes.Buffer
}

func (bw *BufferWrapper) Write1(b byte) { bw.buf.WriteByte(b) }

func (bw *BufferWrapper) Write2(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	bw.buf.Write(tmp[:])
}

func (bw *BufferWrapper) Write4(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	bw.buf.Write(tmp[:])
}

func (bw *BufferWrapper) Write8(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	bw.buf.Write(tmp[:])
}

func (bw *BufferWrapper) WriteBytes(b []byte) { bw.buf.Write(b) }

func (bw *BufferWrapper) WriteN(b byte, n int) {
	for i := 0; i < n; i++ {
		bw.buf.WriteByte(b)
	}
}

// Serialize writes obj as an ET_REL-shaped ELF object: header,
// section data, a name string table, then the section header table.
// There are no program headers - the mover never produces something
// the CPU boots as a process image, only a flat container of named,
// addressed byte ranges for the kernel's own boot loader to walk.
func (*elfToolkit) Serialize(obj Object, path string) error {
	wo, ok := obj.(*writeObject)
	if !ok {
		return fmt.Errorf("objtoolkit: Serialize requires an object created by NewFromTemplate")
	}

	is64 := wo.class == elf.ELFCLASS64
	ehsize := 52
	shentsize := 40
	if is64 {
		ehsize = 64
		shentsize = 64
	}

	// Section 0 is the mandatory null section; the real sections
	// follow in the order they were assembled, shstrtab is last.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	nameOff := make([]uint32, len(wo.sections))
	for i, s := range wo.sections {
		nameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrtabNameOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	dataStart := ehsize
	offs := make([]int, len(wo.sections))
	cursor := dataStart
	for i, s := range wo.sections {
		offs[i] = cursor
		cursor += len(s.data)
	}
	shstrtabOff := cursor
	cursor += shstrtab.Len()
	shoff := cursor

	bw := &BufferWrapper{}
	writeELFHeader(bw, wo, is64, shoff, shentsize, len(wo.sections)+2)
	for _, s := range wo.sections {
		bw.WriteBytes(s.data)
	}
	bw.WriteBytes(shstrtab.Bytes())

	// Section header 0: SHT_NULL, all zero.
	writeSectionHeader(bw, is64, 0, uint32(elf.SHT_NULL), 0, 0, 0, 0)
	for i, s := range wo.sections {
		flags := uint64(0)
		if s.flags&FlagAlloc != 0 {
			flags |= uint64(elf.SHF_ALLOC)
		}
		if s.flags&FlagWrite != 0 {
			flags |= uint64(elf.SHF_WRITE)
		}
		if s.flags&FlagExec != 0 {
			flags |= uint64(elf.SHF_EXECINSTR)
		}
		writeSectionHeader(bw, is64, nameOff[i], uint32(elf.SHT_PROGBITS), flags, s.addr, uint64(offs[i]), uint64(len(s.data)))
	}
	writeSectionHeader(bw, is64, shstrtabNameOff, uint32(elf.SHT_STRTAB), 0, 0, uint64(shstrtabOff), uint64(shstrtab.Len()))

	return os.WriteFile(path, bw.buf.Bytes(), 0o644)
}

func writeELFHeader(bw *BufferWrapper, wo *writeObject, is64 bool, shoff, shentsize, shnum int) {
	bw.WriteBytes([]byte{0x7f, 'E', 'L', 'F'})
	if is64 {
		bw.Write1(byte(elf.ELFCLASS64))
	} else {
		bw.Write1(byte(elf.ELFCLASS32))
	}
	bw.Write1(byte(elf.ELFDATA2LSB))
	bw.Write1(byte(elf.EV_CURRENT))
	bw.Write1(0) // ELFOSABI_NONE
	bw.WriteN(0, 8)

	bw.Write2(uint16(elf.ET_REL))
	bw.Write2(uint16(wo.machine))
	bw.Write4(uint32(elf.EV_CURRENT))

	if is64 {
		bw.Write8(0) // e_entry
		bw.Write8(0) // e_phoff
		bw.Write8(uint64(shoff))
	} else {
		bw.Write4(0)
		bw.Write4(0)
		bw.Write4(uint32(shoff))
	}

	bw.Write4(0) // e_flags
	ehsize := uint16(52)
	if is64 {
		ehsize = 64
	}
	bw.Write2(ehsize)
	bw.Write2(0) // e_phentsize
	bw.Write2(0) // e_phnum
	bw.Write2(uint16(shentsize))
	bw.Write2(uint16(shnum))
	bw.Write2(uint16(shnum - 1)) // e_shstrndx: last section is .shstrtab
}

func writeSectionHeader(bw *BufferWrapper, is64 bool, nameOff uint32, shtype uint32, flags, addr, offset, size uint64) {
	bw.Write4(nameOff)
	bw.Write4(shtype)
	if is64 {
		bw.Write8(flags)
		bw.Write8(addr)
		bw.Write8(offset)
		bw.Write8(size)
	} else {
		bw.Write4(uint32(flags))
		bw.Write4(uint32(addr))
		bw.Write4(uint32(offset))
		bw.Write4(uint32(size))
	}
	bw.Write4(0) // sh_link
	bw.Write4(0) // sh_info
	if is64 {
		bw.Write8(1) // sh_addralign
		bw.Write8(0) // sh_entsize
	} else {
		bw.Write4(1)
		bw.Write4(0)
	}
}
