package arch

import "fmt"

// arm64 emits AArch64 machine code. Instructions are fixed-width 32-bit
// words, little-endian.
//
// Scratch slots map to X16, X17, X9, X10: the two intra-procedure-call
// registers plus two caller-saved temporaries. Constant loads always emit
// the full MOVZ+MOVK*3 sequence so sequence lengths stay fixed.
type arm64 struct{}

var arm64ScratchRegs = [4]uint32{16, 17, 9, 10}

func init() {
	register(arm64{})
}

func (arm64) Name() string      { return "arm64" }
func (arm64) WordBytes() int    { return 8 }
func (arm64) ScratchSlots() int { return len(arm64ScratchRegs) }

// EmitLoadImm emits MOVZ Xd,#h0 followed by MOVK Xd,#h1..#h3,LSL#16..48.
func (arm64) EmitLoadImm(b *Buffer, slot int, v uint64) {
	rd := arm64ScratchReg(slot)
	b.U32(0xD2800000 | uint32(v&0xFFFF)<<5 | rd)
	for hw := uint32(1); hw < 4; hw++ {
		imm16 := uint32(v>>(16*hw)) & 0xFFFF
		b.U32(0xF2800000 | hw<<21 | imm16<<5 | rd)
	}
}

// EmitIndirectJump emits BR Xn.
func (arm64) EmitIndirectJump(b *Buffer, slot int) {
	b.U32(0xD61F0000 | arm64ScratchReg(slot)<<5)
}

// EmitJump emits B with a zero displacement to patch later.
func (arm64) EmitJump(b *Buffer) Fixup {
	f := Fixup{Off: b.Len(), Kind: FixupRel26}
	b.U32(0x14000000)
	return f
}

// EmitCall emits BL with a zero displacement to patch later.
func (arm64) EmitCall(b *Buffer) Fixup {
	f := Fixup{Off: b.Len(), Kind: FixupRel26}
	b.U32(0x94000000)
	return f
}

// PatchJump resolves a 26-bit word-scaled displacement relative to the
// branch instruction itself.
func (arm64) PatchJump(b *Buffer, f Fixup, target int) {
	if f.Kind != FixupRel26 {
		panic(fmt.Sprintf("arm64 cannot patch fixup kind %d", f.Kind))
	}
	delta := int64(target) - int64(f.Off)
	if delta%4 != 0 {
		panic(fmt.Sprintf("branch target %d not word-aligned", target))
	}
	words := delta / 4
	if words < -1<<25 || words >= 1<<25 {
		panic(fmt.Sprintf("branch displacement %d out of rel26 range", delta))
	}
	w := b.U32At(f.Off)&0xFC000000 | uint32(words)&0x03FFFFFF
	b.PatchU32At(f.Off, w)
}

// EmitTrap emits BRK #0.
func (arm64) EmitTrap(b *Buffer) {
	b.U32(0xD4200000)
}

// EmitNop emits MOVZ XZR,#tag. Writing the zero register discards the
// value, so the instruction is an architectural no-op that still carries
// the tag in its immediate field.
func (arm64) EmitNop(b *Buffer, tag uint16) {
	b.U32(0xD2800000 | uint32(tag)<<5 | 31)
}

// EmitReturn emits RET (defaulting to X30).
func (arm64) EmitReturn(b *Buffer) {
	b.U32(0xD65F03C0)
}

func arm64ScratchReg(slot int) uint32 {
	if slot < 0 || slot >= len(arm64ScratchRegs) {
		panic(fmt.Sprintf("arm64 scratch slot %d out of range", slot))
	}
	return arm64ScratchRegs[slot]
}
