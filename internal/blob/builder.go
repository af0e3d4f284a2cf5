package blob

import "encoding/binary"

// Builder assembles an in-memory mapping blob byte-for-byte, for tests
// and for any tool that wants to synthesize a blob without going
// through the XML toolchain. It mirrors the record layout Blob decodes.
type Builder struct {
	header   Header
	clusters []Cluster
	psegs    []PSeg
	vspaces  []VSpace
	vsegs    []VSeg
	vobjs    []VObj
	tasks    []Task
}

// NewBuilder starts a Builder with a zeroed header carrying the input
// signature.
func NewBuilder() *Builder {
	return &Builder{header: Header{Signature: InSignature}}
}

// AddCluster appends a Cluster and returns its global index.
func (b *Builder) AddCluster(c Cluster) int {
	b.clusters = append(b.clusters, c)
	return len(b.clusters) - 1
}

// AddPSeg appends a PSeg and returns its global index.
func (b *Builder) AddPSeg(p PSeg) int {
	b.psegs = append(b.psegs, p)
	return len(b.psegs) - 1
}

// AddVSpace appends a VSpace and returns its global index.
func (b *Builder) AddVSpace(v VSpace) int {
	b.vspaces = append(b.vspaces, v)
	return len(b.vspaces) - 1
}

// AddGlobalVSeg appends a global VSeg. Globals must all be added before
// any private VSeg (see AddVSeg) so that Header.Globals stays a valid
// prefix count.
func (b *Builder) AddGlobalVSeg(v VSeg) int {
	if len(b.vsegs) != int(b.header.Globals) {
		panic("blob: all global vsegs must be added before any private vseg")
	}
	b.vsegs = append(b.vsegs, v)
	b.header.Globals++
	return len(b.vsegs) - 1
}

// AddVSeg appends a private VSeg (owned by a vspace) and returns its
// global index.
func (b *Builder) AddVSeg(v VSeg) int {
	b.vsegs = append(b.vsegs, v)
	return len(b.vsegs) - 1
}

// AddVObj appends a VObj and returns its global index.
func (b *Builder) AddVObj(v VObj) int {
	b.vobjs = append(b.vobjs, v)
	return len(b.vobjs) - 1
}

// AddTask appends a Task and returns its global index.
func (b *Builder) AddTask(t Task) int {
	b.tasks = append(b.tasks, t)
	return len(b.tasks) - 1
}

// Build serializes the accumulated records into a Blob backed by a
// freshly allocated buffer, as if it had been read from path (path is
// used only for self-reference and relative-binpath resolution; no
// file is touched).
func (b *Builder) Build(path string) (*Blob, error) {
	h := b.header
	h.Clusters = uint32(len(b.clusters))
	h.Psegs = uint32(len(b.psegs))
	h.Vspaces = uint32(len(b.vspaces))
	h.Vsegs = uint32(len(b.vsegs))
	h.Vobjs = uint32(len(b.vobjs))
	h.Tasks = uint32(len(b.tasks))

	total := headerSize +
		len(b.clusters)*clusterSize +
		len(b.psegs)*psegSize +
		len(b.vspaces)*vspaceSize +
		len(b.vsegs)*vsegSize +
		len(b.vobjs)*vobjSize +
		len(b.tasks)*taskSize

	buf := make([]byte, total)
	putHeader(buf, h)

	off := headerSize
	for _, c := range b.clusters {
		putCluster(buf[off:], c)
		off += clusterSize
	}
	for _, p := range b.psegs {
		putPSeg(buf[off:], p)
		off += psegSize
	}
	for _, v := range b.vspaces {
		putVSpace(buf[off:], v)
		off += vspaceSize
	}
	for _, v := range b.vsegs {
		putVSeg(buf[off:], v)
		off += vsegSize
	}
	for _, v := range b.vobjs {
		putVObj(buf[off:], v)
		off += vobjSize
	}
	for _, t := range b.tasks {
		putTask(buf[off:], t)
		off += taskSize
	}

	return newFromBytes(path, buf)
}

func putName(dst []byte, name string, width int) {
	n := copy(dst[:width], name)
	for i := n; i < width; i++ {
		dst[i] = 0
	}
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], h.XSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.YSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.XWidth)
	binary.LittleEndian.PutUint32(buf[16:20], h.YWidth)
	binary.LittleEndian.PutUint32(buf[20:24], h.XIo)
	binary.LittleEndian.PutUint32(buf[24:28], h.YIo)
	binary.LittleEndian.PutUint32(buf[28:32], h.IrqPerProc)
	binary.LittleEndian.PutUint32(buf[32:36], h.UseRamDisk)
	binary.LittleEndian.PutUint32(buf[36:40], h.Clusters)
	binary.LittleEndian.PutUint32(buf[40:44], h.Globals)
	binary.LittleEndian.PutUint32(buf[44:48], h.Vspaces)
	binary.LittleEndian.PutUint32(buf[48:52], h.Psegs)
	binary.LittleEndian.PutUint32(buf[52:56], h.Vsegs)
	binary.LittleEndian.PutUint32(buf[56:60], h.Vobjs)
	binary.LittleEndian.PutUint32(buf[60:64], h.Tasks)
	putName(buf[64:128], h.Name, 64)
}

func putCluster(buf []byte, c Cluster) {
	binary.LittleEndian.PutUint32(buf[0:4], c.X)
	binary.LittleEndian.PutUint32(buf[4:8], c.Y)
	binary.LittleEndian.PutUint32(buf[8:12], c.Psegs)
	binary.LittleEndian.PutUint32(buf[12:16], c.PsegOffset)
}

func putPSeg(buf []byte, p PSeg) {
	putName(buf[0:32], p.Name, 32)
	binary.LittleEndian.PutUint64(buf[32:40], p.Base)
	binary.LittleEndian.PutUint64(buf[40:48], p.Length)
	binary.LittleEndian.PutUint32(buf[48:52], p.Type)
}

func putVSpace(buf []byte, v VSpace) {
	putName(buf[0:32], v.Name, 32)
	binary.LittleEndian.PutUint32(buf[32:36], v.VsegOffset)
	binary.LittleEndian.PutUint32(buf[36:40], v.Vsegs)
	binary.LittleEndian.PutUint32(buf[40:44], v.TaskOffset)
	binary.LittleEndian.PutUint32(buf[44:48], v.Tasks)
}

func putVSeg(buf []byte, v VSeg) {
	putName(buf[0:32], v.Name, 32)
	binary.LittleEndian.PutUint32(buf[32:36], v.Vma)
	binary.LittleEndian.PutUint32(buf[36:40], v.PSegID)
	binary.LittleEndian.PutUint32(buf[40:44], v.Mode)
	binary.LittleEndian.PutUint32(buf[44:48], v.Type)
	ident := uint32(0)
	if v.Ident {
		ident = 1
	}
	binary.LittleEndian.PutUint32(buf[48:52], ident)
	binary.LittleEndian.PutUint32(buf[52:56], v.VobjOffset)
	binary.LittleEndian.PutUint32(buf[56:60], v.Vobjs)
	binary.LittleEndian.PutUint32(buf[60:64], v.Length)
	binary.LittleEndian.PutUint64(buf[64:72], v.Lma)
}

func putVObj(buf []byte, v VObj) {
	putName(buf[0:32], v.Name, 32)
	binary.LittleEndian.PutUint32(buf[32:36], v.Type)
	binary.LittleEndian.PutUint32(buf[36:40], v.Length)
	binary.LittleEndian.PutUint32(buf[40:44], v.Align)
	binary.LittleEndian.PutUint32(buf[44:48], v.Init)
	putName(buf[48:112], v.BinPath, 64)
}

func putTask(buf []byte, t Task) {
	putName(buf[0:32], t.Name, 32)
	binary.LittleEndian.PutUint32(buf[32:36], t.ClusterID)
	binary.LittleEndian.PutUint32(buf[36:40], t.ProcLocID)
	binary.LittleEndian.PutUint32(buf[40:44], t.Trdid)
	binary.LittleEndian.PutUint32(buf[44:48], t.StackVsegID)
	binary.LittleEndian.PutUint32(buf[48:52], t.HeapVsegID)
	binary.LittleEndian.PutUint32(buf[52:56], t.StartID)
	binary.LittleEndian.PutUint32(buf[56:60], t.Ltid)
}
