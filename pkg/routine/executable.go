package routine

import (
	"sync/atomic"

	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// Executable is the specialized, runnable form of a routine. It is
// reference counted: it starts pinned once and is destroyed either
// explicitly, or implicitly when the last pin is released. Implicit
// destruction also destroys the routine it came from, if that routine
// still exists; explicit destruction never does.
//
// The pin count is atomic: any goroutine holding a pin may take or
// release further pins, and everything else on a live executable is
// read-only. Touching an executable without holding a pin is a defect.
type Executable struct {
	vm     *target.VM
	name   string
	source *MutableRoutine

	refcount  atomic.Int32
	destroyed atomic.Bool

	// words is the threaded code for dispatch models that use it:
	// one opcode word plus residual words per instruction.
	words []sir.Word

	// instrStarts maps specialized instruction index to its offset in
	// words, or to its native code byte offset under no-threading.
	instrStarts []int

	// specOps records the specialized opcode of each instruction, in
	// order. Always populated, whatever the dispatch model.
	specOps []target.SpecOpcode

	// native is the generated machine code, nil when the dispatch
	// model runs from words alone.
	native []byte

	// fastRegs is the effective fast register count per class: the
	// target's, or zero under the slow-registers-only option. Register
	// residuals at or past it index the slow array.
	fastRegs []int

	// slowRegs is the slow register count per register class.
	slowRegs []int
}

// VM returns the target the routine was specialized for. Valid even
// after destruction.
func (ex *Executable) VM() *target.VM {
	return ex.vm
}

// Name returns the name of the routine this executable came from. Valid
// even after destruction.
func (ex *Executable) Name() string {
	return ex.name
}

// Source returns the routine this executable was specialized from, nil
// once that routine has been destroyed.
func (ex *Executable) Source() *MutableRoutine {
	ex.mustLive()
	return ex.source
}

// RefCount returns the current pin count.
func (ex *Executable) RefCount() int {
	ex.mustLive()
	return int(ex.refcount.Load())
}

// Pin takes an additional reference.
func (ex *Executable) Pin() {
	ex.mustLive()
	ex.refcount.Add(1)
}

// Unpin releases one reference. Releasing the last one destroys the
// executable and, if it still exists, the routine it came from.
func (ex *Executable) Unpin() {
	ex.mustLive()
	n := ex.refcount.Add(-1)
	if n < 0 {
		panic("unpin of unpinned executable")
	}
	if n == 0 {
		ex.destroy(true)
	}
}

// Destroy destroys the executable immediately. The pin count must be
// exactly one: destroying a routine some other holder still relies on is
// a defect, and so is destroying one that would have been collected by
// Unpin. The source routine survives with its link cleared, free to be
// specialized again.
func (ex *Executable) Destroy() {
	ex.mustLive()
	if !ex.refcount.CompareAndSwap(1, 0) {
		panic("destroy of executable with pins outstanding")
	}
	ex.destroy(false)
}

func (ex *Executable) destroy(cascade bool) {
	src := ex.source
	ex.source = nil
	ex.destroyed.Store(true)
	ex.words = nil
	ex.instrStarts = nil
	ex.specOps = nil
	ex.native = nil

	if src != nil {
		src.executable = nil
		if cascade {
			src.release()
		}
	}
}

// Destroyed reports whether the executable has been destroyed.
func (ex *Executable) Destroyed() bool {
	return ex.destroyed.Load()
}

// Len returns the number of specialized instructions, including the
// ones inserted during specialization.
func (ex *Executable) Len() int {
	ex.mustLive()
	return len(ex.instrStarts)
}

// Words returns the threaded code. Empty under no-threading.
func (ex *Executable) Words() []sir.Word {
	ex.mustLive()
	return ex.words
}

// InstructionStarts returns, per specialized instruction, its offset
// into Words, or into NativeCode under no-threading.
func (ex *Executable) InstructionStarts() []int {
	ex.mustLive()
	return ex.instrStarts
}

// SpecOpcodes returns the specialized opcode of each instruction.
func (ex *Executable) SpecOpcodes() []target.SpecOpcode {
	ex.mustLive()
	return ex.specOps
}

// NativeCode returns the generated machine code, nil when the dispatch
// model does not use any.
func (ex *Executable) NativeCode() []byte {
	ex.mustLive()
	return ex.native
}

// FastRegisters returns the effective fast register count per class.
func (ex *Executable) FastRegisters() []int {
	ex.mustLive()
	return ex.fastRegs
}

// SlowRegisters returns the slow register count per register class.
func (ex *Executable) SlowRegisters() []int {
	ex.mustLive()
	return ex.slowRegs
}

func (ex *Executable) mustLive() {
	if ex.destroyed.Load() {
		panic("use of destroyed executable")
	}
}
