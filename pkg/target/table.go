package target

import (
	"fmt"

	"github.com/chazu/loom/pkg/sir"
)

// SpecOpcode identifies one specialized instruction of a VM. Values are
// private to the VM that built the table; only the reserved range below
// has fixed meaning across all VMs.
type SpecOpcode uint16

// Reserved specialized opcodes. Every table starts with these: they are
// structural instructions the specializer itself emits, not lowerings of
// vocabulary opcodes.
const (
	// SpecInvalid marks an uninitialized word. Executing it is a defect.
	SpecInvalid SpecOpcode = 0

	// SpecBeginBasicBlock heads every jump target under minimal
	// threading; its residual locates the block's native glue snippet.
	SpecBeginBasicBlock SpecOpcode = 1

	// SpecExitVM hands control back to the caller.
	SpecExitVM SpecOpcode = 2

	// SpecDataLocations carries the routine's slow register count for
	// debugging tools.
	SpecDataLocations SpecOpcode = 3

	// SpecNop does nothing.
	SpecNop SpecOpcode = 4

	// SpecUnreachable0 and SpecUnreachable1 pad positions control can
	// never reach, such as the shadow of an unconditional branch.
	SpecUnreachable0 SpecOpcode = 5
	SpecUnreachable1 SpecOpcode = 6

	// SpecPretendToJumpAnywhere is a debugging placeholder faking an
	// indirect jump to an arbitrary target.
	SpecPretendToJumpAnywhere SpecOpcode = 7

	// SpecReservedCount is the first value available to VM tables.
	SpecReservedCount SpecOpcode = 8
)

var reservedNames = [SpecReservedCount]string{
	"!INVALID",
	"!BEGINBASICBLOCK",
	"!EXITVM",
	"!DATALOCATIONS",
	"!NOP",
	"!UNREACHABLE0",
	"!UNREACHABLE1",
	"!PRETENDTOJUMPANYWHERE",
}

// ResidualKind describes how one actual argument is carried in the
// specialized encoding.
type ResidualKind uint8

const (
	// ResidualLiteral emits the literal value itself.
	ResidualLiteral ResidualKind = iota

	// ResidualRegister emits the register's slot index. Slow registers
	// keep their index beyond the fast range.
	ResidualRegister

	// ResidualLabel emits the target's specialized instruction index,
	// or its native byte offset when nothing remains to interpret.
	ResidualLabel
)

// SpecKey identifies a specialization: a vocabulary opcode plus the
// signature of its actual argument kinds ("n" literal, "r" register,
// "l" label, one letter per argument).
type SpecKey struct {
	Op  sir.Opcode
	Sig string
}

// Signature derives the signature string for a sequence of actual
// argument kinds.
func Signature(kinds []sir.ParamKind) string {
	if len(kinds) == 0 {
		return ""
	}
	sig := make([]byte, len(kinds))
	for i, k := range kinds {
		sig[i] = k.Sigil()
	}
	return string(sig)
}

// SpecEntry is one row of a specialization table.
type SpecEntry struct {
	Opcode    SpecOpcode
	Name      string // Display name, e.g. "push/n" or "ba/l"
	Op        sir.Opcode
	Sig       string
	Residuals []ResidualKind // One per actual argument
}

// SpecTable maps (opcode, signature) pairs to specialized instructions.
// Tables are immutable once built; the specializer consults them on the
// hot path without locking.
type SpecTable struct {
	entries  map[SpecKey]SpecEntry
	byOpcode []SpecEntry // dense, indexed by SpecOpcode; reserved rows zero
}

// Lookup finds the specialization for an opcode and actual signature.
func (t *SpecTable) Lookup(op sir.Opcode, sig string) (SpecEntry, bool) {
	e, ok := t.entries[SpecKey{Op: op, Sig: sig}]
	return e, ok
}

// ByOpcode returns the entry for a specialized opcode. Reserved opcodes
// have no entry.
func (t *SpecTable) ByOpcode(so SpecOpcode) (SpecEntry, bool) {
	if int(so) >= len(t.byOpcode) || t.byOpcode[so].Name == "" {
		return SpecEntry{}, false
	}
	return t.byOpcode[so], true
}

// Name returns the display name of any specialized opcode, reserved ones
// included.
func (t *SpecTable) Name(so SpecOpcode) string {
	if so < SpecReservedCount {
		return reservedNames[so]
	}
	if e, ok := t.ByOpcode(so); ok {
		return e.Name
	}
	return fmt.Sprintf("?%d", uint16(so))
}

// Count returns the number of specialized opcodes, reserved ones
// included.
func (t *SpecTable) Count() int {
	return len(t.byOpcode)
}

// TableBuilder assembles a SpecTable. Add panics on duplicate keys: a VM
// definition registering the same specialization twice is defective.
type TableBuilder struct {
	entries map[SpecKey]SpecEntry
	next    SpecOpcode
}

// NewTableBuilder returns a builder whose first Add yields the first
// non-reserved specialized opcode.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{
		entries: make(map[SpecKey]SpecEntry),
		next:    SpecReservedCount,
	}
}

// Add registers a specialization and returns its specialized opcode.
// The residual kinds describe, argument by argument, how the encoding
// carries the instruction's actuals.
func (b *TableBuilder) Add(op sir.Opcode, sig string, residuals ...ResidualKind) SpecOpcode {
	key := SpecKey{Op: op, Sig: sig}
	if _, ok := b.entries[key]; ok {
		panic(fmt.Sprintf("duplicate specialization %s/%s", op, sig))
	}
	if len(residuals) != len(sig) {
		panic(fmt.Sprintf("specialization %s/%s: %d residuals for %d arguments", op, sig, len(residuals), len(sig)))
	}

	name := op.String()
	if sig != "" {
		name += "/" + sig
	}
	e := SpecEntry{
		Opcode:    b.next,
		Name:      name,
		Op:        op,
		Sig:       sig,
		Residuals: residuals,
	}
	b.entries[key] = e
	b.next++
	return e.Opcode
}

// Build freezes the table.
func (b *TableBuilder) Build() *SpecTable {
	t := &SpecTable{
		entries:  b.entries,
		byOpcode: make([]SpecEntry, b.next),
	}
	for _, e := range b.entries {
		t.byOpcode[e.Opcode] = e
	}
	b.entries = nil
	return t
}
