package arch

import "fmt"

// amd64 emits x86-64 machine code.
//
// Scratch slots map to RAX, RCX, RDX, RBX. All four encode without REX.B,
// so every emitted sequence has a fixed length: loads are always 10 bytes
// and indirect jumps 2.
type amd64 struct{}

var amd64ScratchRegs = [4]byte{0, 1, 2, 3} // RAX, RCX, RDX, RBX

func init() {
	register(amd64{})
}

func (amd64) Name() string      { return "amd64" }
func (amd64) WordBytes() int    { return 8 }
func (amd64) ScratchSlots() int { return len(amd64ScratchRegs) }

// EmitLoadImm emits MOV r64, imm64 (REX.W B8+r).
func (amd64) EmitLoadImm(b *Buffer, slot int, v uint64) {
	r := amd64ScratchReg(slot)
	b.Bytes(0x48, 0xB8|r)
	b.U64(v)
}

// EmitIndirectJump emits JMP r64 (FF /4).
func (amd64) EmitIndirectJump(b *Buffer, slot int) {
	r := amd64ScratchReg(slot)
	b.Bytes(0xFF, 0xE0|r)
}

// EmitJump emits JMP rel32 with a zero placeholder.
func (amd64) EmitJump(b *Buffer) Fixup {
	b.Byte(0xE9)
	f := Fixup{Off: b.Len(), Kind: FixupRel32}
	b.U32(0)
	return f
}

// EmitCall emits CALL rel32 with a zero placeholder.
func (amd64) EmitCall(b *Buffer) Fixup {
	b.Byte(0xE8)
	f := Fixup{Off: b.Len(), Kind: FixupRel32}
	b.U32(0)
	return f
}

// PatchJump resolves a rel32 displacement. The displacement is relative
// to the end of the 4-byte field.
func (amd64) PatchJump(b *Buffer, f Fixup, target int) {
	if f.Kind != FixupRel32 {
		panic(fmt.Sprintf("amd64 cannot patch fixup kind %d", f.Kind))
	}
	delta := int64(target) - int64(f.Off+4)
	if delta < -1<<31 || delta >= 1<<31 {
		panic(fmt.Sprintf("branch displacement %d out of rel32 range", delta))
	}
	b.PatchU32At(f.Off, uint32(int32(delta)))
}

// EmitTrap emits UD2 (0F 0B), the canonical invalid-opcode trap.
func (amd64) EmitTrap(b *Buffer) {
	b.Bytes(0x0F, 0x0B)
}

// EmitNop emits NOP DWORD [RAX+disp32] (0F 1F 80 imm32), a multi-byte
// no-op whose displacement field carries the tag.
func (amd64) EmitNop(b *Buffer, tag uint16) {
	b.Bytes(0x0F, 0x1F, 0x80)
	b.U32(uint32(tag))
}

// EmitReturn emits RET (C3).
func (amd64) EmitReturn(b *Buffer) {
	b.Byte(0xC3)
}

func amd64ScratchReg(slot int) byte {
	if slot < 0 || slot >= len(amd64ScratchRegs) {
		panic(fmt.Sprintf("amd64 scratch slot %d out of range", slot))
	}
	return amd64ScratchRegs[slot]
}
