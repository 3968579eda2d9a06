// Package arch provides the per-architecture code emission primitives the
// native dispatch modes are built from. Every architecture supplies the
// same small contract: materialize a constant, transfer control through a
// register, trap, and patch forward branches once targets are known.
//
// Emitters are pure encoders. They run on any host, so a routine can be
// lowered for an architecture other than the one the engine runs on.
package arch

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Arch is the contract one machine architecture implements.
type Arch interface {
	// Name returns the canonical architecture name ("amd64", "arm64").
	Name() string

	// WordBytes returns the natural word size in bytes.
	WordBytes() int

	// ScratchSlots returns how many scratch registers EmitLoadImm and
	// EmitIndirectJump may address.
	ScratchSlots() int

	// EmitLoadImm materializes a 64-bit constant into a scratch slot.
	EmitLoadImm(b *Buffer, slot int, v uint64)

	// EmitIndirectJump transfers control through the address held in a
	// scratch slot. This is the computed-goto primitive threaded
	// dispatch is built on.
	EmitIndirectJump(b *Buffer, slot int)

	// EmitJump emits a direct jump with an unresolved displacement and
	// returns the fixup to patch once the target offset is known.
	EmitJump(b *Buffer) Fixup

	// EmitCall emits a direct call with an unresolved displacement.
	EmitCall(b *Buffer) Fixup

	// PatchJump resolves a previously emitted jump or call so that it
	// transfers to target, a byte offset within the same buffer.
	// Panics if the displacement cannot be encoded.
	PatchJump(b *Buffer, f Fixup, target int)

	// EmitTrap emits a sequence guaranteed to raise an illegal
	// instruction trap if reached.
	EmitTrap(b *Buffer)

	// EmitNop emits an architectural no-op carrying a small tag, used
	// to make generated regions identifiable in disassembly.
	EmitNop(b *Buffer, tag uint16)

	// EmitReturn emits a return to the caller.
	EmitReturn(b *Buffer)
}

// FixupKind distinguishes displacement encodings.
type FixupKind uint8

const (
	// FixupRel32 is a 32-bit displacement relative to the end of the
	// displacement field.
	FixupRel32 FixupKind = iota

	// FixupRel26 is a 26-bit word-scaled displacement relative to the
	// start of the branch instruction.
	FixupRel26
)

// Fixup records an unresolved branch displacement inside a Buffer.
type Fixup struct {
	Off  int // Byte offset of the displacement field or instruction
	Kind FixupKind
}

// Buffer is an append-only native code buffer.
type Buffer struct {
	code []byte
}

// NewBuffer returns an empty code buffer.
func NewBuffer() *Buffer {
	return &Buffer{code: make([]byte, 0, 256)}
}

// Len returns the number of bytes emitted so far.
func (b *Buffer) Len() int {
	return len(b.code)
}

// Code returns the emitted bytes. The slice aliases the buffer; callers
// must not modify it.
func (b *Buffer) Code() []byte {
	return b.code
}

// Byte appends a single byte.
func (b *Buffer) Byte(v byte) {
	b.code = append(b.code, v)
}

// Bytes appends raw bytes.
func (b *Buffer) Bytes(vs ...byte) {
	b.code = append(b.code, vs...)
}

// U32 appends a little-endian uint32.
func (b *Buffer) U32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

// U64 appends a little-endian uint64.
func (b *Buffer) U64(v uint64) {
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
}

// PatchU32At overwrites the uint32 at a byte offset.
func (b *Buffer) PatchU32At(off int, v uint32) {
	if off < 0 || off+4 > len(b.code) {
		panic(fmt.Sprintf("patch offset %d out of range (buffer %d bytes)", off, len(b.code)))
	}
	binary.LittleEndian.PutUint32(b.code[off:], v)
}

// U32At reads back the uint32 at a byte offset.
func (b *Buffer) U32At(off int) uint32 {
	return binary.LittleEndian.Uint32(b.code[off:])
}

// registry of known architectures, keyed by Name().
var registry = map[string]Arch{}

func register(a Arch) {
	registry[a.Name()] = a
}

// Lookup resolves an architecture by name.
func Lookup(name string) (Arch, bool) {
	a, ok := registry[name]
	return a, ok
}

// Names returns the registered architecture names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
