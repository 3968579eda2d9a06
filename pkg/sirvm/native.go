package sirvm

import (
	"fmt"

	"github.com/chazu/loom/pkg/arch"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// Scratch slot roles. Slot 0 stages residuals and instruction indices
// for the service routine; slot 1 holds the dispatch entry address the
// host parks before running the routine.
const (
	slotArg      = 0
	slotDispatch = 1
)

// gen emits subroutine-threaded code. Every routine opens with a stub
// that forwards control through the dispatch slot; each instruction is
// a tagged nop naming its specialized opcode, loads for its residuals,
// and a call back to the stub. Unconditional branches skip the call and
// jump straight to their target. Conditional branches emit the call
// followed by the jump; the service routine returns past the jump when
// the condition fails.
type gen struct {
	a arch.Arch
}

func (g *gen) EmitPrologue(b *arch.Buffer) {
	g.a.EmitIndirectJump(b, slotDispatch)
	g.a.EmitTrap(b)
}

func (g *gen) EmitInstruction(b *arch.Buffer, e target.SpecEntry, args []sir.Word) []target.LabelFixup {
	g.a.EmitNop(b, uint16(e.Opcode))

	if e.Op == sir.OpBa {
		fx := g.a.EmitJump(b)
		g.a.EmitTrap(b) // shadow of the unconditional branch
		return []target.LabelFixup{{F: fx, Target: int(args[0].Int())}}
	}

	branch := -1
	for i, r := range e.Residuals {
		if r == target.ResidualLabel {
			branch = i
			continue
		}
		g.a.EmitLoadImm(b, slotArg, uint64(args[i]))
	}

	call := g.a.EmitCall(b)
	g.a.PatchJump(b, call, 0)

	if branch < 0 {
		return nil
	}
	fx := g.a.EmitJump(b)
	return []target.LabelFixup{{F: fx, Target: int(args[branch].Int())}}
}

func (g *gen) EmitReserved(b *arch.Buffer, so target.SpecOpcode, arg sir.Word) {
	switch so {
	case target.SpecExitVM:
		g.a.EmitReturn(b)
		g.a.EmitTrap(b)
	case target.SpecDataLocations:
		g.a.EmitNop(b, uint16(so))
		g.a.EmitLoadImm(b, slotArg, uint64(arg))
	case target.SpecPretendToJumpAnywhere:
		g.a.EmitNop(b, uint16(so))
		g.a.EmitIndirectJump(b, slotArg)
	case target.SpecNop:
		g.a.EmitNop(b, uint16(so))
	default:
		// Invalid, the unreachables and block markers have no business
		// in generated code.
		panic(fmt.Sprintf("reserved opcode %d in native code", so))
	}
}

func (g *gen) EmitEpilogue(b *arch.Buffer) {
	g.a.EmitReturn(b)
	g.a.EmitTrap(b)
}

func (g *gen) EmitBlockThunk(b *arch.Buffer, instrIndex int) {
	g.a.EmitLoadImm(b, slotArg, uint64(instrIndex))
	g.a.EmitIndirectJump(b, slotDispatch)
}
