package exec

import (
	"fmt"

	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// stepFn executes one instruction given its residual words, returning
// the next instruction index.
type stepFn func(s *State, args []sir.Word, pc int) (int, error)

// resolve binds a table entry to its semantics. The switch executor
// calls it every cycle; the direct threading executor once per opcode
// when its handler table is built. That difference is the whole
// difference between the two strategies.
func resolve(e target.SpecEntry) stepFn {
	switch e.Op {
	// Stack shuffling
	case sir.OpPush, sir.OpPushob:
		if e.Residuals[0] == target.ResidualRegister {
			return stepPushReg
		}
		return stepPushLit
	case sir.OpPop:
		return stepPop
	case sir.OpDrop:
		return stepDrop
	case sir.OpSwap:
		return stepSwap
	case sir.OpNip:
		return stepNip
	case sir.OpDup:
		return stepDup
	case sir.OpOver:
		return stepOver
	case sir.OpOover:
		return stepOover
	case sir.OpRot:
		return stepRot
	case sir.OpNrot:
		return stepNrot
	case sir.OpTuck:
		return stepTuck
	case sir.OpQuake:
		return stepQuake
	case sir.OpRevn:
		return stepRevn

	// Return stack
	case sir.OpSaver:
		return stepSaver
	case sir.OpRestorer:
		return stepRestorer
	case sir.OpTor:
		return stepTor
	case sir.OpFromr:
		return stepFromr
	case sir.OpAtr:
		return stepAtr

	// Overflow-checked arithmetic
	case sir.OpAddiof:
		return ovopI(addOvI)
	case sir.OpSubiof:
		return ovopI(subOvI)
	case sir.OpMuliof:
		return ovopI(mulOvI)
	case sir.OpDiviof:
		return ovopI(divOvI)
	case sir.OpModiof:
		return ovopI(modOvI)
	case sir.OpPowiof:
		return ovopI(powOvI)
	case sir.OpAddlof:
		return ovopL(addOvL)
	case sir.OpSublof:
		return ovopL(subOvL)
	case sir.OpMullof:
		return ovopL(mulOvL)
	case sir.OpDivlof:
		return ovopL(divOvL)
	case sir.OpModlof:
		return ovopL(modOvL)
	case sir.OpPowlof:
		return ovopL(powOvL)
	case sir.OpNegiof:
		return unopOvI(negOvI)
	case sir.OpNeglof:
		return unopOvL(negOvL)

	// Unchecked arithmetic
	case sir.OpAddi:
		return binopI(func(a, b int32) int32 { return a + b })
	case sir.OpSubi:
		return binopI(func(a, b int32) int32 { return a - b })
	case sir.OpMuli:
		return binopI(func(a, b int32) int32 { return a * b })
	case sir.OpDivi:
		return binopIE(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a / b, nil
		})
	case sir.OpModi:
		return binopIE(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a % b, nil
		})
	case sir.OpPowi:
		return binopI(func(a, b int32) int32 { r, _ := powOvI(a, b); return r })
	case sir.OpNegi:
		return unopI(func(a int32) int32 { return -a })
	case sir.OpAddiu:
		return binopIU(func(a, b uint32) uint32 { return a + b })
	case sir.OpSubiu:
		return binopIU(func(a, b uint32) uint32 { return a - b })
	case sir.OpMuliu:
		return binopIU(func(a, b uint32) uint32 { return a * b })
	case sir.OpDiviu:
		return binopIUE(func(a, b uint32) (uint32, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a / b, nil
		})
	case sir.OpModiu:
		return binopIUE(func(a, b uint32) (uint32, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a % b, nil
		})
	case sir.OpPowiu:
		return binopIU(func(a, b uint32) uint32 { r, _ := powOvIU(a, b); return r })
	case sir.OpNegiu:
		return unopIU(func(a uint32) uint32 { return -a })
	case sir.OpAddl:
		return binopL(func(a, b int64) int64 { return a + b })
	case sir.OpSubl:
		return binopL(func(a, b int64) int64 { return a - b })
	case sir.OpMull:
		return binopL(func(a, b int64) int64 { return a * b })
	case sir.OpDivl:
		return binopLE(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a / b, nil
		})
	case sir.OpModl:
		return binopLE(func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a % b, nil
		})
	case sir.OpPowl:
		return binopL(func(a, b int64) int64 { r, _ := powOvL(a, b); return r })
	case sir.OpNegl:
		return unopL(func(a int64) int64 { return -a })
	case sir.OpAddlu:
		return binopLU(func(a, b uint64) uint64 { return a + b })
	case sir.OpSublu:
		return binopLU(func(a, b uint64) uint64 { return a - b })
	case sir.OpMullu:
		return binopLU(func(a, b uint64) uint64 { return a * b })
	case sir.OpDivlu:
		return binopLUE(func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a / b, nil
		})
	case sir.OpModlu:
		return binopLUE(func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, ErrDivisionByZero
			}
			return a % b, nil
		})
	case sir.OpPowlu:
		return binopLU(func(a, b uint64) uint64 { r, _ := powOvLU(a, b); return r })
	case sir.OpNeglu:
		return unopLU(func(a uint64) uint64 { return -a })

	// Relational
	case sir.OpEqi:
		return cmpI(func(a, b int32) bool { return a == b })
	case sir.OpNei:
		return cmpI(func(a, b int32) bool { return a != b })
	case sir.OpLti:
		return cmpI(func(a, b int32) bool { return a < b })
	case sir.OpLei:
		return cmpI(func(a, b int32) bool { return a <= b })
	case sir.OpGti:
		return cmpI(func(a, b int32) bool { return a > b })
	case sir.OpGei:
		return cmpI(func(a, b int32) bool { return a >= b })
	case sir.OpEqiu:
		return cmpIU(func(a, b uint32) bool { return a == b })
	case sir.OpNeiu:
		return cmpIU(func(a, b uint32) bool { return a != b })
	case sir.OpLtiu:
		return cmpIU(func(a, b uint32) bool { return a < b })
	case sir.OpLeiu:
		return cmpIU(func(a, b uint32) bool { return a <= b })
	case sir.OpGtiu:
		return cmpIU(func(a, b uint32) bool { return a > b })
	case sir.OpGeiu:
		return cmpIU(func(a, b uint32) bool { return a >= b })
	case sir.OpEql:
		return cmpL(func(a, b int64) bool { return a == b })
	case sir.OpNel:
		return cmpL(func(a, b int64) bool { return a != b })
	case sir.OpLtl:
		return cmpL(func(a, b int64) bool { return a < b })
	case sir.OpLel:
		return cmpL(func(a, b int64) bool { return a <= b })
	case sir.OpGtl:
		return cmpL(func(a, b int64) bool { return a > b })
	case sir.OpGel:
		return cmpL(func(a, b int64) bool { return a >= b })
	case sir.OpEqlu:
		return cmpLU(func(a, b uint64) bool { return a == b })
	case sir.OpNelu:
		return cmpLU(func(a, b uint64) bool { return a != b })
	case sir.OpLtlu:
		return cmpLU(func(a, b uint64) bool { return a < b })
	case sir.OpLelu:
		return cmpLU(func(a, b uint64) bool { return a <= b })
	case sir.OpGtlu:
		return cmpLU(func(a, b uint64) bool { return a > b })
	case sir.OpGelu:
		return cmpLU(func(a, b uint64) bool { return a >= b })
	case sir.OpEqs:
		return stepEqs
	case sir.OpNes:
		return stepNes
	case sir.OpNn:
		return stepNn
	case sir.OpNnn:
		return stepNnn

	// Control and markers
	case sir.OpCanary:
		return stepCanary
	case sir.OpPushend:
		return stepPushend
	case sir.OpPopend:
		return stepPopend

	// Branches
	case sir.OpBa:
		return stepBa
	case sir.OpBzi:
		return condBranch(func(w sir.Word) bool { return w.Int32() == 0 })
	case sir.OpBnzi:
		return condBranch(func(w sir.Word) bool { return w.Int32() != 0 })
	case sir.OpBzl:
		return condBranch(func(w sir.Word) bool { return w == 0 })
	case sir.OpBnzl:
		return condBranch(func(w sir.Word) bool { return w != 0 })
	}
	panic(fmt.Sprintf("no semantics for %s", e.Name))
}

// ========================================================================
// Stack shuffling
// ========================================================================

func stepPushLit(s *State, args []sir.Word, pc int) (int, error) {
	s.Push(args[0])
	return pc + 1, nil
}

func stepPushReg(s *State, args []sir.Word, pc int) (int, error) {
	s.Push(*s.reg(int(args[0].Uint())))
	return pc + 1, nil
}

func stepPop(s *State, args []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	*s.reg(int(args[0].Uint())) = *s.at(0)
	s.dropN(1)
	return pc + 1, nil
}

func stepDrop(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.dropN(1)
	return pc + 1, nil
}

func stepSwap(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	*s.at(0), *s.at(1) = *s.at(1), *s.at(0)
	return pc + 1, nil
}

func stepNip(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	*s.at(1) = *s.at(0)
	s.dropN(1)
	return pc + 1, nil
}

func stepDup(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.Push(*s.at(0))
	return pc + 1, nil
}

func stepOver(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	s.Push(*s.at(1))
	return pc + 1, nil
}

func stepOover(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(3); err != nil {
		return 0, err
	}
	s.Push(*s.at(2))
	return pc + 1, nil
}

// rot: a b c -> b c a
func stepRot(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(3); err != nil {
		return 0, err
	}
	a := *s.at(2)
	*s.at(2) = *s.at(1)
	*s.at(1) = *s.at(0)
	*s.at(0) = a
	return pc + 1, nil
}

// nrot: a b c -> c a b
func stepNrot(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(3); err != nil {
		return 0, err
	}
	c := *s.at(0)
	*s.at(0) = *s.at(1)
	*s.at(1) = *s.at(2)
	*s.at(2) = c
	return pc + 1, nil
}

// tuck: a b -> b a b
func stepTuck(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	b := *s.at(0)
	*s.at(0) = *s.at(1)
	*s.at(1) = b
	s.Push(b)
	return pc + 1, nil
}

// quake: a b c -> b a c
func stepQuake(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(3); err != nil {
		return 0, err
	}
	*s.at(1), *s.at(2) = *s.at(2), *s.at(1)
	return pc + 1, nil
}

func stepRevn(s *State, args []sir.Word, pc int) (int, error) {
	n := args[0].Int()
	if n < 0 {
		return 0, fmt.Errorf("revn of %d elements", n)
	}
	if err := s.need(int(n)); err != nil {
		return 0, err
	}
	for i, j := 0, int(n)-1; i < j; i, j = i+1, j-1 {
		*s.at(i), *s.at(j) = *s.at(j), *s.at(i)
	}
	return pc + 1, nil
}

// ========================================================================
// Return stack
// ========================================================================

func stepSaver(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.rpush(*s.at(0))
	return pc + 1, nil
}

func stepRestorer(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	w, err := s.rpop()
	if err != nil {
		return 0, err
	}
	*s.at(0) = w
	return pc + 1, nil
}

func stepTor(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.rpush(*s.at(0))
	s.dropN(1)
	return pc + 1, nil
}

func stepFromr(s *State, _ []sir.Word, pc int) (int, error) {
	w, err := s.rpop()
	if err != nil {
		return 0, err
	}
	s.Push(w)
	return pc + 1, nil
}

func stepAtr(s *State, _ []sir.Word, pc int) (int, error) {
	w, err := s.rpeek()
	if err != nil {
		return 0, err
	}
	s.Push(w)
	return pc + 1, nil
}

// ========================================================================
// Arithmetic and relational adapters
// ========================================================================

func (s *State) pop2() (a, b sir.Word, err error) {
	if err := s.need(2); err != nil {
		return 0, 0, err
	}
	b = *s.at(0)
	a = *s.at(1)
	s.dropN(2)
	return a, b, nil
}

func binopI(f func(a, b int32) int32) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(wordI(f(a.Int32(), b.Int32())))
		return pc + 1, nil
	}
}

func binopIE(f func(a, b int32) (int32, error)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, err := f(a.Int32(), b.Int32())
		if err != nil {
			return 0, err
		}
		s.Push(wordI(r))
		return pc + 1, nil
	}
}

func binopIU(f func(a, b uint32) uint32) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(wordIU(f(a.Uint32(), b.Uint32())))
		return pc + 1, nil
	}
}

func binopIUE(f func(a, b uint32) (uint32, error)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, err := f(a.Uint32(), b.Uint32())
		if err != nil {
			return 0, err
		}
		s.Push(wordIU(r))
		return pc + 1, nil
	}
}

func binopL(f func(a, b int64) int64) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(wordL(f(a.Int(), b.Int())))
		return pc + 1, nil
	}
}

func binopLE(f func(a, b int64) (int64, error)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, err := f(a.Int(), b.Int())
		if err != nil {
			return 0, err
		}
		s.Push(wordL(r))
		return pc + 1, nil
	}
}

func binopLU(f func(a, b uint64) uint64) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(wordLU(f(a.Uint(), b.Uint())))
		return pc + 1, nil
	}
}

func binopLUE(f func(a, b uint64) (uint64, error)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, err := f(a.Uint(), b.Uint())
		if err != nil {
			return 0, err
		}
		s.Push(wordLU(r))
		return pc + 1, nil
	}
}

func unopI(f func(a int32) int32) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		*s.at(0) = wordI(f(s.at(0).Int32()))
		return pc + 1, nil
	}
}

func unopIU(f func(a uint32) uint32) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		*s.at(0) = wordIU(f(s.at(0).Uint32()))
		return pc + 1, nil
	}
}

func unopL(f func(a int64) int64) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		*s.at(0) = wordL(f(s.at(0).Int()))
		return pc + 1, nil
	}
}

func unopLU(f func(a uint64) uint64) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		*s.at(0) = wordLU(f(s.at(0).Uint()))
		return pc + 1, nil
	}
}

func ovopI(f func(a, b int32) (int32, bool)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, ov := f(a.Int32(), b.Int32())
		s.Push(wordI(r))
		s.Push(sir.WordFromBool(ov))
		return pc + 1, nil
	}
}

func ovopL(f func(a, b int64) (int64, bool)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		r, ov := f(a.Int(), b.Int())
		s.Push(wordL(r))
		s.Push(sir.WordFromBool(ov))
		return pc + 1, nil
	}
}

func unopOvI(f func(a int32) (int32, bool)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		r, ov := f(s.at(0).Int32())
		*s.at(0) = wordI(r)
		s.Push(sir.WordFromBool(ov))
		return pc + 1, nil
	}
}

func unopOvL(f func(a int64) (int64, bool)) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		r, ov := f(s.at(0).Int())
		*s.at(0) = wordL(r)
		s.Push(sir.WordFromBool(ov))
		return pc + 1, nil
	}
}

func cmpI(f func(a, b int32) bool) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(sir.WordFromBool(f(a.Int32(), b.Int32())))
		return pc + 1, nil
	}
}

func cmpIU(f func(a, b uint32) bool) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(sir.WordFromBool(f(a.Uint32(), b.Uint32())))
		return pc + 1, nil
	}
}

func cmpL(f func(a, b int64) bool) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(sir.WordFromBool(f(a.Int(), b.Int())))
		return pc + 1, nil
	}
}

func cmpLU(f func(a, b uint64) bool) stepFn {
	return func(s *State, _ []sir.Word, pc int) (int, error) {
		a, b, err := s.pop2()
		if err != nil {
			return 0, err
		}
		s.Push(sir.WordFromBool(f(a.Uint(), b.Uint())))
		return pc + 1, nil
	}
}

// String equality compares the interned text, not the handles.
func stepEqs(s *State, _ []sir.Word, pc int) (int, error) {
	return stringCmp(s, pc, func(a, b string) bool { return a == b })
}

func stepNes(s *State, _ []sir.Word, pc int) (int, error) {
	return stringCmp(s, pc, func(a, b string) bool { return a != b })
}

func stringCmp(s *State, pc int, f func(a, b string) bool) (int, error) {
	a, b, err := s.pop2()
	if err != nil {
		return 0, err
	}
	as, err := s.lookupString(a)
	if err != nil {
		return 0, err
	}
	bs, err := s.lookupString(b)
	if err != nil {
		return 0, err
	}
	s.Push(sir.WordFromBool(f(as, bs)))
	return pc + 1, nil
}

// nn tests the top against the null word without consuming it, pushing
// one when it differs; nnn pushes the complement.
func stepNn(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.Push(sir.WordFromBool(*s.at(0) != sir.Null))
	return pc + 1, nil
}

func stepNnn(s *State, _ []sir.Word, pc int) (int, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	s.Push(sir.WordFromBool(*s.at(0) == sir.Null))
	return pc + 1, nil
}

// ========================================================================
// Control and markers
// ========================================================================

func stepCanary(s *State, _ []sir.Word, pc int) (int, error) {
	if s.stack[0] != canaryValue {
		return 0, ErrCanaryClobbered
	}
	return pc + 1, nil
}

func stepPushend(s *State, _ []sir.Word, pc int) (int, error) {
	s.regions = append(s.regions, s.Depth())
	return pc + 1, nil
}

func stepPopend(s *State, _ []sir.Word, pc int) (int, error) {
	if len(s.regions) == 0 {
		return 0, fmt.Errorf("%w: no open region", ErrRegionImbalance)
	}
	saved := s.regions[len(s.regions)-1]
	s.regions = s.regions[:len(s.regions)-1]
	if s.Depth() != saved {
		return 0, fmt.Errorf("%w: depth %d at close, %d at open", ErrRegionImbalance, s.Depth(), saved)
	}
	return pc + 1, nil
}

// ========================================================================
// Branches. Conditionals peek the condition; they never pop it.
// ========================================================================

func stepBa(_ *State, args []sir.Word, pc int) (int, error) {
	return int(args[0].Int()), nil
}

func condBranch(taken func(w sir.Word) bool) stepFn {
	return func(s *State, args []sir.Word, pc int) (int, error) {
		if err := s.need(1); err != nil {
			return 0, err
		}
		if taken(*s.at(0)) {
			return int(args[0].Int()), nil
		}
		return pc + 1, nil
	}
}
