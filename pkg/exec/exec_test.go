package exec

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/sirvm"
	"github.com/chazu/loom/pkg/target"
)

// arrayDispatches are the two strategies the reference executor runs.
var arrayDispatches = []target.Dispatch{target.DispatchSwitch, target.DispatchDirectThreading}

func newState(t *testing.T, d target.Dispatch, build func(mr *routine.MutableRoutine)) *State {
	t.Helper()
	vm, err := sirvm.New("exectest", d, "", 8)
	if err != nil {
		t.Fatalf("sirvm.New = %v", err)
	}
	mr := routine.NewMutableRoutine(vm)
	build(mr)
	ex, err := routine.Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	s, err := NewState(ex)
	if err != nil {
		t.Fatalf("NewState = %v", err)
	}
	s.MaxSteps = 100000
	return s
}

func run(t *testing.T, d target.Dispatch, build func(mr *routine.MutableRoutine)) *State {
	t.Helper()
	s := newState(t, d, build)
	if err := s.Run(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	return s
}

func wantStack(t *testing.T, s *State, want ...sir.Word) {
	t.Helper()
	got := s.Stack()
	if len(got) != len(want) {
		t.Fatalf("stack = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stack[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func w(v int64) sir.Word { return sir.WordFromInt(v) }

func TestAddConstants(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := run(t, d, func(mr *routine.MutableRoutine) {
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(2))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(3))
				mr.MustAppendInstruction(sir.OpAddi)
				mr.MustAppendInstruction(sir.OpExit)
			})
			wantStack(t, s, w(5))
		})
	}
}

func TestDispatchAgreement(t *testing.T) {
	build := func(mr *routine.MutableRoutine) {
		done := mr.FreshLabel()
		mr.MustAppendInstruction(sir.OpPush, routine.Lit(10))
		mr.MustAppendInstruction(sir.OpPush, routine.Lit(4))
		mr.MustAppendInstruction(sir.OpSwap)
		mr.MustAppendInstruction(sir.OpOver)
		mr.MustAppendInstruction(sir.OpMull)
		mr.MustAppendInstruction(sir.OpSubl)
		mr.MustAppendInstruction(sir.OpDup)
		mr.MustAppendInstruction(sir.OpBzl, routine.LabelArg(done))
		mr.MustAppendInstruction(sir.OpNegl)
		mr.MustAppendLabel(done)
		mr.MustAppendInstruction(sir.OpExit)
	}
	a := run(t, target.DispatchSwitch, build)
	b := run(t, target.DispatchDirectThreading, build)

	as, bs := a.Stack(), b.Stack()
	if len(as) != len(bs) {
		t.Fatalf("stacks disagree: %v vs %v", as, bs)
	}
	for i := range as {
		if as[i] != bs[i] {
			t.Errorf("stack[%d]: switch %d, direct %d", i, as[i], bs[i])
		}
	}
}

func Test32BitViewSignExtends(t *testing.T) {
	s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
		mr.MustAppendInstruction(sir.OpPush, routine.Lit(math.MaxInt32))
		mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
		mr.MustAppendInstruction(sir.OpAddi)
		mr.MustAppendInstruction(sir.OpExit)
	})
	wantStack(t, s, w(math.MinInt32))
}

func TestOverflowChecked(t *testing.T) {
	tests := []struct {
		name string
		op   sir.Opcode
		a, b int64
		res  sir.Word
		flag sir.Word
	}{
		{"addiof fits", sir.OpAddiof, 2, 3, w(5), 0},
		{"addiof wraps", sir.OpAddiof, math.MaxInt32, 1, w(math.MinInt32), 1},
		{"sublof fits", sir.OpSublof, 5, 9, w(-4), 0},
		{"sublof wraps", sir.OpSublof, math.MinInt64, 1, w(math.MaxInt64), 1},
		{"mullof wraps", sir.OpMullof, math.MaxInt64, 2, w(-2), 1},
		{"divlof by zero", sir.OpDivlof, 11, 0, 0, 1},
		{"divlof min by minus one", sir.OpDivlof, math.MinInt64, -1, w(math.MinInt64), 1},
		{"modiof fits", sir.OpModiof, 7, 3, w(1), 0},
		{"powlof fits", sir.OpPowlof, 3, 4, w(81), 0},
		{"powlof wraps", sir.OpPowlof, 2, 64, 0, 1},
		{"powlof negative exponent", sir.OpPowlof, 2, -1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(tt.a))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(tt.b))
				mr.MustAppendInstruction(tt.op)
				mr.MustAppendInstruction(sir.OpExit)
			})
			wantStack(t, s, tt.res, tt.flag)
		})
	}
}

func TestNegiofFlagsMinimum(t *testing.T) {
	s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
		mr.MustAppendInstruction(sir.OpPush, routine.Lit(math.MinInt32))
		mr.MustAppendInstruction(sir.OpNegiof)
		mr.MustAppendInstruction(sir.OpExit)
	})
	wantStack(t, s, w(math.MinInt32), 1)
}

func TestUncheckedDivisionByZeroFaults(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := newState(t, d, func(mr *routine.MutableRoutine) {
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(9))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(0))
				mr.MustAppendInstruction(sir.OpDivl)
				mr.MustAppendInstruction(sir.OpExit)
			})
			err := s.Run()
			if !errors.Is(err, ErrDivisionByZero) {
				t.Fatalf("Run = %v, want ErrDivisionByZero", err)
			}
			var f *Fault
			if !errors.As(err, &f) {
				t.Fatalf("Run error %T is not a Fault", err)
			}
			if f.PC != 2 {
				t.Errorf("Fault.PC = %d, want 2", f.PC)
			}
			if f.Op != "divl" {
				t.Errorf("Fault.Op = %q, want %q", f.Op, "divl")
			}
		})
	}
}

func TestShuffles(t *testing.T) {
	tests := []struct {
		name string
		op   sir.Opcode
		args []routine.Arg
		want []sir.Word
	}{
		{"drop", sir.OpDrop, nil, []sir.Word{w(1), w(2)}},
		{"swap", sir.OpSwap, nil, []sir.Word{w(1), w(3), w(2)}},
		{"nip", sir.OpNip, nil, []sir.Word{w(1), w(3)}},
		{"dup", sir.OpDup, nil, []sir.Word{w(1), w(2), w(3), w(3)}},
		{"over", sir.OpOver, nil, []sir.Word{w(1), w(2), w(3), w(2)}},
		{"oover", sir.OpOover, nil, []sir.Word{w(1), w(2), w(3), w(1)}},
		{"rot", sir.OpRot, nil, []sir.Word{w(2), w(3), w(1)}},
		{"nrot", sir.OpNrot, nil, []sir.Word{w(3), w(1), w(2)}},
		{"tuck", sir.OpTuck, nil, []sir.Word{w(1), w(3), w(2), w(3)}},
		{"quake", sir.OpQuake, nil, []sir.Word{w(2), w(1), w(3)}},
		{"revn 3", sir.OpRevn, []routine.Arg{routine.Lit(3)}, []sir.Word{w(3), w(2), w(1)}},
		{"revn 0", sir.OpRevn, []routine.Arg{routine.Lit(0)}, []sir.Word{w(1), w(2), w(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(2))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(3))
				mr.MustAppendInstruction(tt.op, tt.args...)
				mr.MustAppendInstruction(sir.OpExit)
			})
			wantStack(t, s, tt.want...)
		})
	}
}

func TestReturnStack(t *testing.T) {
	t.Run("tor and fromr move", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(7))
			mr.MustAppendInstruction(sir.OpTor)
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(9))
			mr.MustAppendInstruction(sir.OpFromr)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, w(9), w(7))
		if got := s.ReturnDepth(); got != 0 {
			t.Errorf("ReturnDepth() = %d, want 0", got)
		}
	})

	t.Run("saver copies and atr peeks", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(7))
			mr.MustAppendInstruction(sir.OpSaver) // stack 7, rstack 7
			mr.MustAppendInstruction(sir.OpAtr)   // stack 7 7, rstack 7
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, w(7), w(7))
		if got := s.ReturnDepth(); got != 1 {
			t.Errorf("ReturnDepth() = %d, want 1", got)
		}
	})

	t.Run("restorer replaces the top", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
			mr.MustAppendInstruction(sir.OpTor)
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(2))
			mr.MustAppendInstruction(sir.OpRestorer)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, w(1))
	})

	t.Run("fromr on empty underflows", func(t *testing.T) {
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpFromr)
			mr.MustAppendInstruction(sir.OpExit)
		})
		if err := s.Run(); !errors.Is(err, ErrReturnUnderflow) {
			t.Errorf("Run = %v, want ErrReturnUnderflow", err)
		}
	})
}

func TestConditionalBranchPeeks(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := run(t, d, func(mr *routine.MutableRoutine) {
				done := mr.FreshLabel()
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(0))
				mr.MustAppendInstruction(sir.OpBzi, routine.LabelArg(done))
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(99))
				mr.MustAppendLabel(done)
				mr.MustAppendInstruction(sir.OpExit)
			})
			// The condition word survives the branch.
			wantStack(t, s, w(0))
		})
	}
}

func TestCountdownLoop(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := run(t, d, func(mr *routine.MutableRoutine) {
				loop := mr.FreshLabel()
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(3))
				mr.MustAppendLabel(loop)
				mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
				mr.MustAppendInstruction(sir.OpSubl)
				mr.MustAppendInstruction(sir.OpBnzl, routine.LabelArg(loop))
				mr.MustAppendInstruction(sir.OpExit)
			})
			wantStack(t, s, w(0))
		})
	}
}

func TestRegisters(t *testing.T) {
	t.Run("pop then push", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(42))
			mr.MustAppendInstruction(sir.OpPop, routine.Reg(1))
			mr.MustAppendInstruction(sir.OpPush, routine.Reg(1))
			mr.MustAppendInstruction(sir.OpPush, routine.Reg(1))
			mr.MustAppendInstruction(sir.OpAddl)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, w(84))
		if got := s.Register(1); got != w(42) {
			t.Errorf("Register(1) = %d, want 42", got)
		}
	})

	t.Run("slow registers", func(t *testing.T) {
		// Index 10 is past the 8 fast registers.
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Reg(10))
			mr.MustAppendInstruction(sir.OpExit)
		})
		s.SetRegister(10, w(123))
		if err := s.Run(); err != nil {
			t.Fatalf("Run = %v", err)
		}
		wantStack(t, s, w(123))
	})
}

func TestStringEquality(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := newState(t, d, func(mr *routine.MutableRoutine) {
				mr.MustAppendInstruction(sir.OpEqs)
				mr.MustAppendInstruction(sir.OpExit)
			})
			a := s.Intern("mount")
			b := s.Intern("mount")
			s.Push(a)
			s.Push(b)
			if err := s.Run(); err != nil {
				t.Fatalf("Run = %v", err)
			}
			wantStack(t, s, 1)
		})
	}

	t.Run("differing text", func(t *testing.T) {
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpNes)
			mr.MustAppendInstruction(sir.OpExit)
		})
		s.Push(s.Intern("mount"))
		s.Push(s.Intern("unmount"))
		if err := s.Run(); err != nil {
			t.Fatalf("Run = %v", err)
		}
		wantStack(t, s, 1)
	})

	t.Run("bad handle", func(t *testing.T) {
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(0))
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(0))
			mr.MustAppendInstruction(sir.OpEqs)
			mr.MustAppendInstruction(sir.OpExit)
		})
		if err := s.Run(); !errors.Is(err, ErrBadStringHandle) {
			t.Errorf("Run = %v, want ErrBadStringHandle", err)
		}
	})
}

func TestNullPredicates(t *testing.T) {
	t.Run("nn on null", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.LitW(sir.Null))
			mr.MustAppendInstruction(sir.OpNn)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, sir.Null, 0)
	})

	t.Run("nnn on null", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.LitW(sir.Null))
			mr.MustAppendInstruction(sir.OpNnn)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, sir.Null, 1)
	})

	t.Run("nn on value", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(5))
			mr.MustAppendInstruction(sir.OpNn)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s, w(5), 1)
	})
}

func TestMarkers(t *testing.T) {
	t.Run("balanced region", func(t *testing.T) {
		s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpCanary)
			mr.MustAppendInstruction(sir.OpPushend)
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
			mr.MustAppendInstruction(sir.OpDrop)
			mr.MustAppendInstruction(sir.OpPopend)
			mr.MustAppendInstruction(sir.OpExit)
		})
		wantStack(t, s)
	})

	t.Run("region imbalance", func(t *testing.T) {
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPushend)
			mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
			mr.MustAppendInstruction(sir.OpPopend)
			mr.MustAppendInstruction(sir.OpExit)
		})
		if err := s.Run(); !errors.Is(err, ErrRegionImbalance) {
			t.Errorf("Run = %v, want ErrRegionImbalance", err)
		}
	})

	t.Run("close without open", func(t *testing.T) {
		s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
			mr.MustAppendInstruction(sir.OpPopend)
			mr.MustAppendInstruction(sir.OpExit)
		})
		if err := s.Run(); !errors.Is(err, ErrRegionImbalance) {
			t.Errorf("Run = %v, want ErrRegionImbalance", err)
		}
	})
}

func TestPushob(t *testing.T) {
	s := run(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
		mr.MustAppendInstruction(sir.OpPushob, routine.Lit(17))
		mr.MustAppendInstruction(sir.OpExit)
	})
	wantStack(t, s, w(17))
}

func TestStepBudget(t *testing.T) {
	for _, d := range arrayDispatches {
		t.Run(d.String(), func(t *testing.T) {
			s := newState(t, d, func(mr *routine.MutableRoutine) {
				loop := mr.FreshLabel()
				mr.MustAppendLabel(loop)
				mr.MustAppendInstruction(sir.OpBa, routine.LabelArg(loop))
			})
			s.MaxSteps = 100
			if err := s.Run(); !errors.Is(err, ErrStepBudget) {
				t.Errorf("Run = %v, want ErrStepBudget", err)
			}
		})
	}
}

func TestStackUnderflowFault(t *testing.T) {
	s := newState(t, target.DispatchSwitch, func(mr *routine.MutableRoutine) {
		mr.MustAppendInstruction(sir.OpDrop)
		mr.MustAppendInstruction(sir.OpExit)
	})
	err := s.Run()
	if !errors.Is(err, ErrStackUnderflow) {
		t.Fatalf("Run = %v, want ErrStackUnderflow", err)
	}
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("Run error %T is not a Fault", err)
	}
	if f.PC != 0 || f.Op != "drop" {
		t.Errorf("Fault = %d/%q, want 0/drop", f.PC, f.Op)
	}
}

func TestFellOffEnd(t *testing.T) {
	vm, err := sirvm.New("exectest", target.DispatchSwitch, "", 8)
	if err != nil {
		t.Fatalf("sirvm.New = %v", err)
	}
	mr := routine.NewMutableRoutine(vm)
	if err := mr.SetOptions(routine.Options{}); err != nil {
		t.Fatalf("SetOptions = %v", err)
	}
	mr.MustAppendInstruction(sir.OpPush, routine.Lit(1))
	ex, err := routine.Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	s, err := NewState(ex)
	if err != nil {
		t.Fatalf("NewState = %v", err)
	}
	if err := s.Run(); !errors.Is(err, ErrFellOffEnd) {
		t.Errorf("Run = %v, want ErrFellOffEnd", err)
	}
}

func TestNativePayloadRefused(t *testing.T) {
	vm, err := sirvm.New("exectest", target.DispatchMinimalThreading, "amd64", 8)
	if err != nil {
		t.Fatalf("sirvm.New = %v", err)
	}
	mr := routine.NewMutableRoutine(vm)
	mr.MustAppendInstruction(sir.OpExit)
	ex, err := routine.Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	if _, err := NewState(ex); !errors.Is(err, ErrNativePayload) {
		t.Errorf("NewState = %v, want ErrNativePayload", err)
	}
}

func TestStatePinsExecutable(t *testing.T) {
	vm, err := sirvm.New("exectest", target.DispatchSwitch, "", 8)
	if err != nil {
		t.Fatalf("sirvm.New = %v", err)
	}
	mr := routine.NewMutableRoutine(vm)
	mr.MustAppendInstruction(sir.OpExit)
	ex, err := routine.Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}

	s, err := NewState(ex)
	if err != nil {
		t.Fatalf("NewState = %v", err)
	}
	if got := ex.RefCount(); got != 2 {
		t.Errorf("RefCount() = %d, want 2", got)
	}
	s.Close()
	if got := ex.RefCount(); got != 1 {
		t.Errorf("RefCount() after Close = %d, want 1", got)
	}
	s.Close() // second close is a no-op
	if got := ex.RefCount(); got != 1 {
		t.Errorf("RefCount() after double Close = %d, want 1", got)
	}
}

func TestSkippedMarkersDoNothing(t *testing.T) {
	// Data locations and a pretend jump execute as no-ops.
	vm, err := sirvm.New("exectest", target.DispatchSwitch, "", 8)
	if err != nil {
		t.Fatalf("sirvm.New = %v", err)
	}
	mr := routine.NewMutableRoutine(vm)
	opts := routine.DefaultOptions()
	opts.DataLocations = true
	opts.PretendToJump = true
	if err := mr.SetOptions(opts); err != nil {
		t.Fatalf("SetOptions = %v", err)
	}
	mr.MustAppendInstruction(sir.OpPush, routine.Lit(6))
	ex, err := routine.Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	s, err := NewState(ex)
	if err != nil {
		t.Fatalf("NewState = %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	wantStack(t, s, w(6))
}
