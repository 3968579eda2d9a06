package routine

import (
	"errors"
	"fmt"

	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// Caller-input errors returned by the safe builder API. Misusing a
// routine whose state makes the call meaningless (building after destroy,
// double destroy) is a programming error and panics instead.
var (
	ErrSealed            = errors.New("routine is finalized")
	ErrOptionsFrozen     = errors.New("options can no longer be changed")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrMissingParameters = errors.New("instruction parameters incomplete")
	ErrTooManyParameters = errors.New("too many parameters")
	ErrKindMismatch      = errors.New("parameter kind not accepted")
	ErrBadRegister       = errors.New("bad register")
	ErrNoSuchLabel       = errors.New("label does not belong to this routine")
	ErrLabelDefinedTwice = errors.New("label appended twice")
	ErrUnboundLabel      = errors.New("referenced label never bound")
)

// Options tune how a routine is built and later specialized. They can be
// changed only while the routine is still empty.
type Options struct {
	// SlowRegistersOnly residualizes every register argument as slow,
	// as if the target had no fast registers.
	SlowRegistersOnly bool

	// AddFinalExit appends the implicit VM exit during specialization.
	AddFinalExit bool

	// DataLocations prepends the marker carrying the routine's slow
	// register count, for debugging tools.
	DataLocations bool

	// PretendToJump inserts the debugging placeholder that fakes an
	// indirect jump to an arbitrary target, defeating reachability
	// assumptions in generated code.
	PretendToJump bool
}

// DefaultOptions returns the options a fresh routine starts with.
func DefaultOptions() Options {
	return Options{AddFinalExit: true}
}

const unboundLabel = -1

// MutableRoutine is the append-only instruction sequence a frontend
// builds. It is owned exclusively by its builder: nothing here locks.
//
// Building alternates between appending an opcode and supplying each of
// its expected parameters; most callers use AppendInstruction, which does
// both in one call.
type MutableRoutine struct {
	// Name identifies the routine in listings and reports. Optional.
	Name string

	vm      *target.VM
	opts    Options
	instrs  []Instruction
	pending []sir.ParamKind // formal parameters still expected

	labels     []int // label -> instruction index, or unboundLabel
	labelNames map[string]Label

	// maxReg tracks the highest register index appended, per class.
	maxReg []int

	sealed     bool
	destroyed  bool
	executable *Executable
}

// NewMutableRoutine returns an empty routine targeting vm.
func NewMutableRoutine(vm *target.VM) *MutableRoutine {
	mr := &MutableRoutine{
		vm:     vm,
		opts:   DefaultOptions(),
		maxReg: make([]int, len(vm.Registers)),
	}
	for i := range mr.maxReg {
		mr.maxReg[i] = -1
	}
	return mr
}

// VM returns the target this routine is being built for.
func (mr *MutableRoutine) VM() *target.VM {
	mr.mustLive()
	return mr.vm
}

// Options returns the routine's current options.
func (mr *MutableRoutine) Options() Options {
	mr.mustLive()
	return mr.opts
}

// SetOptions replaces the options. Fails once any instruction or label
// has been appended.
func (mr *MutableRoutine) SetOptions(o Options) error {
	mr.mustLive()
	if len(mr.instrs) > 0 || len(mr.labels) > 0 {
		return ErrOptionsFrozen
	}
	mr.opts = o
	return nil
}

// Len returns the number of complete instructions.
func (mr *MutableRoutine) Len() int {
	mr.mustLive()
	n := len(mr.instrs)
	if mr.pending != nil {
		n-- // last instruction still expects parameters
	}
	return n
}

// InstructionAt returns instruction i.
func (mr *MutableRoutine) InstructionAt(i int) Instruction {
	mr.mustLive()
	return mr.instrs[i]
}

// Sealed reports whether Finalize has succeeded.
func (mr *MutableRoutine) Sealed() bool {
	mr.mustLive()
	return mr.sealed
}

// Append starts a new instruction. If the opcode expects parameters they
// must be supplied next, one AppendLiteral/AppendRegister/AppendLabelArg
// call each, before anything else is appended.
func (mr *MutableRoutine) Append(op sir.Opcode) error {
	mr.mustLive()
	if mr.sealed {
		return ErrSealed
	}
	if mr.pending != nil {
		return fmt.Errorf("%w: %s expects %d more", ErrMissingParameters,
			mr.instrs[len(mr.instrs)-1].Op, len(mr.pending))
	}
	if !sir.Defined(op) {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, byte(op))
	}

	mr.instrs = append(mr.instrs, Instruction{Op: op})
	if n := op.ParamCount(); n > 0 {
		mr.pending = sir.Info(op).Params
	}
	return nil
}

// AppendLiteral supplies a literal parameter to the open instruction.
func (mr *MutableRoutine) AppendLiteral(v sir.Word) error {
	return mr.appendArg(Arg{Kind: sir.KindLiteral, Value: v})
}

// AppendRegister supplies a register parameter to the open instruction.
func (mr *MutableRoutine) AppendRegister(class rune, index int) error {
	mr.mustLive()
	ci, ok := mr.vm.Class(class)
	if !ok {
		return fmt.Errorf("%w: no class %c in vm %s", ErrBadRegister, class, mr.vm.Name)
	}
	if index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrBadRegister, index)
	}
	if err := mr.appendArg(RegC(class, index)); err != nil {
		return err
	}
	if index > mr.maxReg[ci] {
		mr.maxReg[ci] = index
	}
	return nil
}

// AppendLabelArg supplies a label parameter to the open instruction. The
// label need not be bound yet.
func (mr *MutableRoutine) AppendLabelArg(l Label) error {
	mr.mustLive()
	if int(l) < 0 || int(l) >= len(mr.labels) {
		return fmt.Errorf("%w: $L%d", ErrNoSuchLabel, l)
	}
	return mr.appendArg(LabelArg(l))
}

func (mr *MutableRoutine) appendArg(a Arg) error {
	mr.mustLive()
	if mr.sealed {
		return ErrSealed
	}
	if mr.pending == nil {
		return ErrTooManyParameters
	}
	if mr.pending[0]&a.Kind == 0 {
		op := mr.instrs[len(mr.instrs)-1].Op
		return fmt.Errorf("%w: %s does not take a %s here (accepts %s)",
			ErrKindMismatch, op, a.Kind, mr.pending[0])
	}

	last := &mr.instrs[len(mr.instrs)-1]
	last.Args = append(last.Args, a)
	if mr.pending = mr.pending[1:]; len(mr.pending) == 0 {
		mr.pending = nil
	}
	return nil
}

// AppendInstruction appends a complete instruction in one call.
func (mr *MutableRoutine) AppendInstruction(op sir.Opcode, args ...Arg) error {
	if err := mr.Append(op); err != nil {
		return err
	}
	for _, a := range args {
		var err error
		switch a.Kind {
		case sir.KindLiteral:
			err = mr.AppendLiteral(a.Value)
		case sir.KindRegister:
			err = mr.AppendRegister(a.Class, int(a.Value.Uint()))
		case sir.KindLabel:
			err = mr.AppendLabelArg(a.Label())
		default:
			err = fmt.Errorf("%w: argument kind %d", ErrKindMismatch, a.Kind)
		}
		if err != nil {
			return err
		}
	}
	if mr.pending != nil {
		return fmt.Errorf("%w: %s expects %d more", ErrMissingParameters, op, len(mr.pending))
	}
	return nil
}

// FreshLabel creates a new unbound label.
func (mr *MutableRoutine) FreshLabel() Label {
	mr.mustLive()
	mr.labels = append(mr.labels, unboundLabel)
	return Label(len(mr.labels) - 1)
}

// LabelNamed returns the label registered under a symbolic name,
// creating it on first use.
func (mr *MutableRoutine) LabelNamed(name string) Label {
	mr.mustLive()
	if l, ok := mr.labelNames[name]; ok {
		return l
	}
	l := mr.FreshLabel()
	if mr.labelNames == nil {
		mr.labelNames = make(map[string]Label)
	}
	mr.labelNames[name] = l
	return l
}

// AppendLabel binds a label to the next instruction appended.
func (mr *MutableRoutine) AppendLabel(l Label) error {
	mr.mustLive()
	if mr.sealed {
		return ErrSealed
	}
	if int(l) < 0 || int(l) >= len(mr.labels) {
		return fmt.Errorf("%w: $L%d", ErrNoSuchLabel, l)
	}
	if mr.pending != nil {
		return fmt.Errorf("%w: cannot bind $L%d mid-instruction", ErrMissingParameters, l)
	}
	if mr.labels[l] != unboundLabel {
		return fmt.Errorf("%w: $L%d", ErrLabelDefinedTwice, l)
	}
	mr.labels[l] = len(mr.instrs)
	return nil
}

// LabelTarget returns the instruction index a label is bound to.
func (mr *MutableRoutine) LabelTarget(l Label) (int, bool) {
	mr.mustLive()
	if int(l) < 0 || int(l) >= len(mr.labels) || mr.labels[l] == unboundLabel {
		return 0, false
	}
	return mr.labels[l], true
}

// AllLabelsBound reports whether every label referenced by an
// instruction has been bound.
func (mr *MutableRoutine) AllLabelsBound() bool {
	mr.mustLive()
	return mr.firstUnboundLabel() == nil
}

func (mr *MutableRoutine) firstUnboundLabel() error {
	for i, in := range mr.instrs {
		for _, a := range in.Args {
			if a.Kind != sir.KindLabel {
				continue
			}
			if mr.labels[a.Label()] == unboundLabel {
				return fmt.Errorf("%w: $L%d at instruction %d", ErrUnboundLabel, a.Label(), i)
			}
		}
	}
	return nil
}

// Finalize seals the routine for specialization. It fails if the last
// instruction still expects parameters or if any referenced label is
// unbound. A label bound past the last instruction is legal and means
// the routine's end.
func (mr *MutableRoutine) Finalize() error {
	mr.mustLive()
	if mr.sealed {
		return nil
	}
	if mr.pending != nil {
		return fmt.Errorf("%w: %s expects %d more", ErrMissingParameters,
			mr.instrs[len(mr.instrs)-1].Op, len(mr.pending))
	}
	if err := mr.firstUnboundLabel(); err != nil {
		return err
	}
	mr.sealed = true
	return nil
}

// JumpTargets returns, per instruction, whether any branch can land
// there. Labels bound past the end are ignored: there is no instruction
// to mark.
func (mr *MutableRoutine) JumpTargets() []bool {
	mr.mustLive()
	targets := make([]bool, len(mr.instrs))
	for _, in := range mr.instrs {
		for _, a := range in.Args {
			if a.Kind != sir.KindLabel {
				continue
			}
			if t := mr.labels[a.Label()]; t != unboundLabel && t < len(targets) {
				targets[t] = true
			}
		}
	}
	return targets
}

// SlowRegisters returns the slow register count per class, honoring the
// SlowRegistersOnly option: the highest index referenced minus the
// class's fast count, plus one, floored at zero. A routine using only
// fast registers needs no slow slots no matter how often it uses them.
func (mr *MutableRoutine) SlowRegisters() []int {
	mr.mustLive()
	slow := make([]int, len(mr.maxReg))
	for i, maxIdx := range mr.maxReg {
		fast := mr.vm.Registers[i].Fast
		if mr.opts.SlowRegistersOnly {
			fast = 0
		}
		if n := maxIdx - fast + 1; n > 0 {
			slow[i] = n
		}
	}
	return slow
}

// Executable returns the executable routine produced from this one, nil
// if none exists or it has been destroyed.
func (mr *MutableRoutine) Executable() *Executable {
	mr.mustLive()
	return mr.executable
}

// Destroy releases the routine. Any executable routine produced from it
// survives, with its back-link cleared. Destroying twice is a defect.
func (mr *MutableRoutine) Destroy() {
	mr.mustLive()
	if mr.executable != nil {
		mr.executable.source = nil
		mr.executable = nil
	}
	mr.release()
}

func (mr *MutableRoutine) release() {
	mr.destroyed = true
	mr.instrs = nil
	mr.pending = nil
	mr.labels = nil
	mr.labelNames = nil
}

func (mr *MutableRoutine) mustLive() {
	if mr.destroyed {
		panic("use of destroyed routine")
	}
}

// ========================================================================
// Must variants
//
// Generated and trusted builders use these; an error here is a defect in
// the caller, not input to recover from.
// ========================================================================

// MustAppend is Append, panicking on error.
func (mr *MutableRoutine) MustAppend(op sir.Opcode) {
	if err := mr.Append(op); err != nil {
		panic(err)
	}
}

// MustAppendLiteral is AppendLiteral, panicking on error.
func (mr *MutableRoutine) MustAppendLiteral(v sir.Word) {
	if err := mr.AppendLiteral(v); err != nil {
		panic(err)
	}
}

// MustAppendRegister is AppendRegister, panicking on error.
func (mr *MutableRoutine) MustAppendRegister(class rune, index int) {
	if err := mr.AppendRegister(class, index); err != nil {
		panic(err)
	}
}

// MustAppendLabelArg is AppendLabelArg, panicking on error.
func (mr *MutableRoutine) MustAppendLabelArg(l Label) {
	if err := mr.AppendLabelArg(l); err != nil {
		panic(err)
	}
}

// MustAppendInstruction is AppendInstruction, panicking on error.
func (mr *MutableRoutine) MustAppendInstruction(op sir.Opcode, args ...Arg) {
	if err := mr.AppendInstruction(op, args...); err != nil {
		panic(err)
	}
}

// MustAppendLabel is AppendLabel, panicking on error.
func (mr *MutableRoutine) MustAppendLabel(l Label) {
	if err := mr.AppendLabel(l); err != nil {
		panic(err)
	}
}
