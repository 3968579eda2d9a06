package exec

import (
	"sync"

	"github.com/chazu/loom/pkg/target"
)

// handlerCache keeps one handler table per VM. Tables depend only on
// the VM's specialization table, so every state sharing a VM shares the
// handlers.
var handlerCache sync.Map // *target.VM -> []stepFn

// handlersFor resolves the semantics of every specialized opcode once.
func handlersFor(vm *target.VM) []stepFn {
	if hs, ok := handlerCache.Load(vm); ok {
		return hs.([]stepFn)
	}

	hs := make([]stepFn, vm.Table.Count())
	for so := target.SpecReservedCount; int(so) < len(hs); so++ {
		if e, ok := vm.Table.ByOpcode(so); ok {
			hs[so] = resolve(e)
		}
	}
	actual, _ := handlerCache.LoadOrStore(vm, hs)
	return actual.([]stepFn)
}

// runDirect is the direct threading cycle: the opcode word indexes a
// prebuilt handler table, with nothing to decide per iteration beyond
// the reserved range check.
func runDirect(s *State, handlers []stepFn) error {
	pc, steps := 0, 0
	for {
		if s.MaxSteps > 0 {
			if steps++; steps > s.MaxSteps {
				return &Fault{PC: pc, Err: ErrStepBudget}
			}
		}

		so, args, err := s.fetch(pc)
		if err != nil {
			return &Fault{PC: pc, Err: err}
		}
		if s.Profile != nil {
			s.Profile.hit(pc)
		}

		if so < target.SpecReservedCount {
			next, done := reservedStep(so, pc)
			if done {
				return nil
			}
			pc = next
			continue
		}

		next, err := handlers[so](s, args, pc)
		if err != nil {
			return s.fault(pc, so, err)
		}
		pc = next
	}
}
