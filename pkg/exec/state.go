// Package exec is the reference executor for the array dispatch
// strategies. It runs the threaded words of a specialized routine over
// an isolated VM state; routines specialized for a native dispatch
// carry machine code this process has no business jumping into, and are
// refused.
package exec

import (
	"errors"
	"fmt"

	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// ErrNativePayload is returned by NewState for routines whose dispatch
// strategy generates machine code.
var ErrNativePayload = errors.New("routine carries native code")

// Runtime faults. All of them report data problems in the routine or
// its inputs; defects in the engine itself panic instead.
var (
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrReturnUnderflow = errors.New("return stack underflow")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrBadStringHandle = errors.New("bad string handle")
	ErrRegionImbalance = errors.New("region imbalance")
	ErrCanaryClobbered = errors.New("canary clobbered")
	ErrFellOffEnd      = errors.New("control fell off the end")
	ErrStepBudget      = errors.New("step budget exhausted")
)

// Fault wraps a runtime fault with the instruction it struck at. Op is
// empty when the fault hit before an instruction decoded.
type Fault struct {
	PC  int    // specialized instruction index
	Op  string // specialized instruction name
	Err error
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("fault at instruction %d: %v", f.PC, f.Err)
	}
	return fmt.Sprintf("fault at instruction %d (%s): %v", f.PC, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// The guard value parked under the stack bottom. The canary instruction
// verifies it is still there.
const canaryValue sir.Word = 0x5AFE5AFE5AFE5AFE

// State is one execution of a routine: stacks, registers and the string
// table. States are independent; a single executable can back any
// number of them concurrently, each from its own goroutine.
type State struct {
	// MaxSteps bounds the instruction count, zero meaning unbounded.
	// Routines are untrusted input and can loop forever.
	MaxSteps int

	// Profile, when set, receives one count per executed instruction.
	// It must have been built from this state's executable.
	Profile *Profile

	ex     *routine.Executable
	table  *target.SpecTable
	words  []sir.Word
	starts []int
	run    func(*State) error
	closed bool

	stack    []sir.Word // stack[0] is the canary guard
	rstack   []sir.Word
	fast     []sir.Word
	slow     []sir.Word
	strings  []string
	interned map[string]sir.Word
	regions  []int
}

// NewState prepares an execution of ex. The state pins the executable
// until Close.
func NewState(ex *routine.Executable) (*State, error) {
	vm := ex.VM()
	if vm.Dispatch.NeedsNative() {
		return nil, fmt.Errorf("%w: dispatch %s", ErrNativePayload, vm.Dispatch)
	}
	if len(vm.Registers) > 1 {
		return nil, fmt.Errorf("reference executor supports one register class, vm %s has %d", vm.Name, len(vm.Registers))
	}

	s := &State{
		ex:     ex,
		table:  vm.Table,
		words:  ex.Words(),
		starts: ex.InstructionStarts(),
		stack:  append(make([]sir.Word, 0, 16), canaryValue),
	}
	if len(vm.Registers) == 1 {
		s.fast = make([]sir.Word, ex.FastRegisters()[0])
		s.slow = make([]sir.Word, ex.SlowRegisters()[0])
	}

	switch vm.Dispatch {
	case target.DispatchSwitch:
		s.run = runSwitch
	case target.DispatchDirectThreading:
		handlers := handlersFor(vm)
		s.run = func(s *State) error { return runDirect(s, handlers) }
	default:
		panic(fmt.Sprintf("unhandled dispatch %s", vm.Dispatch))
	}

	ex.Pin()
	return s, nil
}

// Close releases the state's pin on the executable. Closing twice is
// harmless.
func (s *State) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.ex.Unpin()
}

// Run executes the routine from its first instruction to the VM exit.
func (s *State) Run() error {
	if s.closed {
		panic("run on closed state")
	}
	return s.run(s)
}

// Push places a word on the main stack, above anything already there.
func (s *State) Push(w sir.Word) {
	s.stack = append(s.stack, w)
}

// Pop removes and returns the top of the main stack.
func (s *State) Pop() (sir.Word, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	w := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return w, nil
}

// Depth returns the number of words on the main stack.
func (s *State) Depth() int { return len(s.stack) - 1 }

// Stack returns a copy of the main stack, bottom first.
func (s *State) Stack() []sir.Word {
	out := make([]sir.Word, s.Depth())
	copy(out, s.stack[1:])
	return out
}

// ReturnDepth returns the number of words on the return stack.
func (s *State) ReturnDepth() int { return len(s.rstack) }

// Register reads a register by absolute index: fast registers first,
// then the slow file. The index must be within the file the routine was
// specialized with.
func (s *State) Register(i int) sir.Word { return *s.reg(i) }

// SetRegister writes a register by absolute index.
func (s *State) SetRegister(i int, w sir.Word) { *s.reg(i) = w }

// Intern registers a string and returns its handle word. Interning the
// same text twice yields the same handle.
func (s *State) Intern(str string) sir.Word {
	if h, ok := s.interned[str]; ok {
		return h
	}
	if s.interned == nil {
		s.interned = make(map[string]sir.Word)
	}
	h := sir.Word(len(s.strings))
	s.strings = append(s.strings, str)
	s.interned[str] = h
	return h
}

// StringAt resolves a handle word back to its text.
func (s *State) StringAt(w sir.Word) (string, bool) {
	if w.Uint() >= uint64(len(s.strings)) {
		return "", false
	}
	return s.strings[w.Uint()], true
}

func (s *State) lookupString(w sir.Word) (string, error) {
	str, ok := s.StringAt(w)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrBadStringHandle, w.Uint())
	}
	return str, nil
}

func (s *State) reg(i int) *sir.Word {
	if i < len(s.fast) {
		return &s.fast[i]
	}
	if j := i - len(s.fast); j < len(s.slow) {
		return &s.slow[j]
	}
	// The specializer sized the slow file from the routine itself; an
	// index past it cannot come from well-formed words.
	panic(fmt.Sprintf("register %d outside the %d+%d register file", i, len(s.fast), len(s.slow)))
}

func (s *State) need(n int) error {
	if s.Depth() < n {
		return ErrStackUnderflow
	}
	return nil
}

// at returns the stack slot i positions below the top.
func (s *State) at(i int) *sir.Word {
	return &s.stack[len(s.stack)-1-i]
}

func (s *State) dropN(n int) {
	s.stack = s.stack[:len(s.stack)-n]
}

func (s *State) rpush(w sir.Word) {
	s.rstack = append(s.rstack, w)
}

func (s *State) rpop() (sir.Word, error) {
	if len(s.rstack) == 0 {
		return 0, ErrReturnUnderflow
	}
	w := s.rstack[len(s.rstack)-1]
	s.rstack = s.rstack[:len(s.rstack)-1]
	return w, nil
}

func (s *State) rpeek() (sir.Word, error) {
	if len(s.rstack) == 0 {
		return 0, ErrReturnUnderflow
	}
	return s.rstack[len(s.rstack)-1], nil
}

// fetch decodes the instruction at pc: its specialized opcode and its
// residual words.
func (s *State) fetch(pc int) (target.SpecOpcode, []sir.Word, error) {
	if pc < 0 || pc >= len(s.starts) {
		return 0, nil, ErrFellOffEnd
	}
	off := s.starts[pc]
	so := target.SpecOpcode(s.words[off])

	n := 0
	switch {
	case so == target.SpecBeginBasicBlock, so == target.SpecDataLocations:
		n = 1
	case so >= target.SpecReservedCount:
		e, ok := s.table.ByOpcode(so)
		if !ok {
			panic(fmt.Sprintf("opcode word %d names no specialization", so))
		}
		n = len(e.Residuals)
	}
	return so, s.words[off+1 : off+1+n], nil
}

func (s *State) fault(pc int, so target.SpecOpcode, err error) error {
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	return &Fault{PC: pc, Op: s.table.Name(so), Err: err}
}

// reservedStep executes a reserved instruction. done reports the VM
// exit.
func reservedStep(so target.SpecOpcode, pc int) (next int, done bool) {
	switch so {
	case target.SpecExitVM:
		return pc, true
	case target.SpecBeginBasicBlock, target.SpecDataLocations,
		target.SpecNop, target.SpecPretendToJumpAnywhere:
		return pc + 1, false
	}
	// Invalid and the unreachables are never emitted where control can
	// reach; executing one means the words are corrupt.
	panic(fmt.Sprintf("executed reserved opcode %d", so))
}
