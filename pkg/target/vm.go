package target

import (
	"fmt"

	"github.com/chazu/loom/pkg/arch"
	"github.com/chazu/loom/pkg/sir"
)

// RegisterClass describes one class of VM registers. Registers below
// Fast live in machine registers or equivalent fixed slots; anything
// past that spills to a per-execution slow array the routine sizes at
// specialization time.
type RegisterClass struct {
	Char rune // Class letter as written in assembly, e.g. 'r' in %r3
	Fast int  // Number of fast registers in the class
}

// LabelFixup records a native branch whose target is another specialized
// instruction, to be patched once all instruction offsets are known.
type LabelFixup struct {
	F      arch.Fixup
	Target int // Specialized instruction index the branch transfers to
}

// NativeGen is the per-VM native code generator. Targets whose dispatch
// emits machine code supply one; the specializer drives it.
type NativeGen interface {
	// EmitPrologue opens a routine's native region.
	EmitPrologue(b *arch.Buffer)

	// EmitInstruction expands one specialized instruction. Returned
	// fixups are patched by the caller after every instruction offset
	// is known.
	EmitInstruction(b *arch.Buffer, e SpecEntry, args []sir.Word) []LabelFixup

	// EmitReserved expands a reserved specialized instruction.
	EmitReserved(b *arch.Buffer, so SpecOpcode, arg sir.Word)

	// EmitEpilogue closes the native region.
	EmitEpilogue(b *arch.Buffer)

	// EmitBlockThunk emits the minimal-threading glue snippet that
	// re-enters dispatch at the given specialized instruction index.
	EmitBlockThunk(b *arch.Buffer, instrIndex int)
}

// VM is a target descriptor: a named instruction table bound to one
// dispatch strategy and, for native dispatches, one architecture.
type VM struct {
	Name      string
	Dispatch  Dispatch
	Arch      arch.Arch // nil unless Dispatch.NeedsNative()
	Gen       NativeGen // nil unless Dispatch.NeedsNative()
	Table     *SpecTable
	Registers []RegisterClass
}

// Validate checks the descriptor for the contradictions a hand-built VM
// could carry.
func (vm *VM) Validate() error {
	if vm.Name == "" {
		return fmt.Errorf("vm has no name")
	}
	if vm.Table == nil {
		return fmt.Errorf("vm %s has no specialization table", vm.Name)
	}
	if vm.Dispatch.NeedsNative() {
		if vm.Arch == nil {
			return fmt.Errorf("vm %s: dispatch %s requires an architecture", vm.Name, vm.Dispatch)
		}
		if vm.Gen == nil {
			return fmt.Errorf("vm %s: dispatch %s requires a code generator", vm.Name, vm.Dispatch)
		}
	}
	seen := make(map[rune]bool, len(vm.Registers))
	for _, rc := range vm.Registers {
		if rc.Fast < 0 {
			return fmt.Errorf("vm %s: register class %c has negative fast count", vm.Name, rc.Char)
		}
		if seen[rc.Char] {
			return fmt.Errorf("vm %s: register class %c defined twice", vm.Name, rc.Char)
		}
		seen[rc.Char] = true
	}
	return nil
}

// Class returns the register class index for a class letter.
func (vm *VM) Class(c rune) (int, bool) {
	for i, rc := range vm.Registers {
		if rc.Char == c {
			return i, true
		}
	}
	return 0, false
}

// String identifies the target in logs and listings.
func (vm *VM) String() string {
	if vm.Dispatch.NeedsNative() && vm.Arch != nil {
		return fmt.Sprintf("%s/%s/%s", vm.Name, vm.Dispatch, vm.Arch.Name())
	}
	return fmt.Sprintf("%s/%s", vm.Name, vm.Dispatch)
}
