package routine

import (
	"fmt"

	"github.com/chazu/loom/pkg/arch"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// specInstr is one instruction of the specialized program during layout,
// before encoding.
type specInstr struct {
	op    target.SpecOpcode
	entry target.SpecEntry // zero for reserved opcodes
	src   int              // source instruction index, -1 for inserted
	arg   sir.Word         // sole residual of inserted instructions
}

func (si specInstr) reserved() bool { return si.src == -1 }

// Specialize lowers a routine to the executable form its target runs.
// The routine is finalized first if the caller has not done so; a routine
// that cannot finalize cannot specialize, for the same reasons.
//
// Specializing a routine twice without destroying the first executable is
// a defect, as is specializing a destroyed routine. A missing table entry
// is a defect in the VM definition, not in the routine.
//
// The returned executable starts with one pin held by the caller.
func Specialize(mr *MutableRoutine) (*Executable, error) {
	mr.mustLive()
	if mr.executable != nil {
		panic("routine already has a live executable")
	}
	if err := mr.Finalize(); err != nil {
		return nil, err
	}

	vm := mr.vm
	slow := mr.SlowRegisters()
	totalSlow := 0
	for _, n := range slow {
		totalSlow += n
	}
	effFast := make([]int, len(vm.Registers))
	for i, rc := range vm.Registers {
		if !mr.opts.SlowRegistersOnly {
			effFast[i] = rc.Fast
		}
	}

	layout, srcToSpec, endSpec := layoutSpecialized(mr, totalSlow)

	ex := &Executable{
		vm:       vm,
		name:     mr.Name,
		source:   mr,
		fastRegs: effFast,
		slowRegs: slow,
	}
	ex.refcount.Store(1)
	ex.specOps = make([]target.SpecOpcode, len(layout))
	for i, si := range layout {
		ex.specOps[i] = si.op
	}
	ex.instrStarts = make([]int, len(layout))

	if vm.Dispatch == target.DispatchMinimalThreading {
		emitBlockThunks(vm, layout, &ex.native)
	}

	if vm.Dispatch.HasWords() {
		encodeWords(mr, layout, srcToSpec, endSpec, ex)
	} else {
		encodeNative(mr, layout, srcToSpec, endSpec, ex)
	}

	mr.executable = ex
	return ex, nil
}

// layoutSpecialized decides the specialized instruction sequence:
// the data-locations marker first if requested, a basic block marker
// before every jump target under minimal threading, one instruction per
// source instruction, and the requested trailing instructions. It returns
// the sequence, the map from source instruction index to the specialized
// index branches land on, and the landing index for labels bound past the
// routine's end.
func layoutSpecialized(mr *MutableRoutine, totalSlow int) (layout []specInstr, srcToSpec []int, endSpec int) {
	vm := mr.vm
	mt := vm.Dispatch == target.DispatchMinimalThreading
	targets := mr.JumpTargets()
	pastEnd := labelBoundPastEnd(mr)

	if mr.opts.DataLocations {
		layout = append(layout, specInstr{
			op:  target.SpecDataLocations,
			src: -1,
			arg: sir.WordFromInt(int64(totalSlow)),
		})
	}

	srcToSpec = make([]int, len(mr.instrs))
	for i, in := range mr.instrs {
		srcToSpec[i] = len(layout)
		if mt && (i == 0 || targets[i]) {
			layout = append(layout, specInstr{op: target.SpecBeginBasicBlock, src: -1})
		}
		layout = append(layout, specializeOne(vm, in, i))
	}

	endSpec = len(layout)
	if mt && pastEnd {
		layout = append(layout, specInstr{op: target.SpecBeginBasicBlock, src: -1})
	}
	if mr.opts.PretendToJump {
		layout = append(layout, specInstr{op: target.SpecPretendToJumpAnywhere, src: -1})
	}
	if mr.opts.AddFinalExit {
		layout = append(layout, specInstr{op: target.SpecExitVM, src: -1})
	}
	return layout, srcToSpec, endSpec
}

func specializeOne(vm *target.VM, in Instruction, src int) specInstr {
	if in.Op == sir.OpExit {
		return specInstr{op: target.SpecExitVM, src: src}
	}
	e, ok := vm.Table.Lookup(in.Op, in.Sig())
	if !ok {
		panic(fmt.Sprintf("no specialization for %s/%s in vm %s", in.Op, in.Sig(), vm.Name))
	}
	return specInstr{op: e.Opcode, entry: e, src: src}
}

func labelBoundPastEnd(mr *MutableRoutine) bool {
	for _, in := range mr.instrs {
		for _, a := range in.Args {
			if a.Kind == sir.KindLabel && mr.labels[a.Label()] == len(mr.instrs) {
				return true
			}
		}
	}
	return false
}

// residuals resolves one specialized instruction's residual words.
// Literals carry their value, registers their absolute slot index, and
// labels the specialized index of the instruction they land on.
func residuals(mr *MutableRoutine, si specInstr, srcToSpec []int, endSpec int) []sir.Word {
	if si.reserved() {
		switch si.op {
		case target.SpecDataLocations, target.SpecBeginBasicBlock:
			return []sir.Word{si.arg}
		}
		return nil
	}
	if si.op == target.SpecExitVM {
		return nil
	}

	in := mr.instrs[si.src]
	out := make([]sir.Word, len(in.Args))
	for j, a := range in.Args {
		switch a.Kind {
		case sir.KindLabel:
			if t := mr.labels[a.Label()]; t < len(mr.instrs) {
				out[j] = sir.WordFromInt(int64(srcToSpec[t]))
			} else {
				out[j] = sir.WordFromInt(int64(endSpec))
			}
		default:
			out[j] = a.Value
		}
	}
	return out
}

// emitBlockThunks generates the minimal threading glue snippets and
// points each block marker's residual at its snippet's byte offset.
func emitBlockThunks(vm *target.VM, layout []specInstr, native *[]byte) {
	b := arch.NewBuffer()
	for i := range layout {
		if layout[i].op != target.SpecBeginBasicBlock {
			continue
		}
		layout[i].arg = sir.WordFromInt(int64(b.Len()))
		vm.Gen.EmitBlockThunk(b, i)
	}
	*native = b.Code()
}

// encodeWords lays the specialized program out as threaded code: per
// instruction, one opcode word followed by its residual words.
func encodeWords(mr *MutableRoutine, layout []specInstr, srcToSpec []int, endSpec int, ex *Executable) {
	var words []sir.Word
	for i, si := range layout {
		ex.instrStarts[i] = len(words)
		words = append(words, sir.Word(si.op))
		words = append(words, residuals(mr, si, srcToSpec, endSpec)...)
	}
	ex.words = words
}

// encodeNative expands the specialized program to machine code and
// patches branch targets once every instruction offset is known. A branch
// landing past the last instruction is patched to the epilogue.
func encodeNative(mr *MutableRoutine, layout []specInstr, srcToSpec []int, endSpec int, ex *Executable) {
	vm := mr.vm
	b := arch.NewBuffer()
	vm.Gen.EmitPrologue(b)

	var fixups []target.LabelFixup
	for i, si := range layout {
		ex.instrStarts[i] = b.Len()
		if si.reserved() || si.op == target.SpecExitVM {
			vm.Gen.EmitReserved(b, si.op, si.arg)
			continue
		}
		fixups = append(fixups, vm.Gen.EmitInstruction(b, si.entry, residuals(mr, si, srcToSpec, endSpec))...)
	}

	epilogue := b.Len()
	vm.Gen.EmitEpilogue(b)

	for _, f := range fixups {
		off := epilogue
		if f.Target < len(ex.instrStarts) {
			off = ex.instrStarts[f.Target]
		}
		vm.Arch.PatchJump(b, f.F, off)
	}
	ex.native = b.Code()
}
