package exec

import (
	"fmt"

	"github.com/chazu/loom/pkg/target"
)

// runSwitch is the switch dispatch cycle: every iteration decodes the
// opcode word and selects its semantics anew.
func runSwitch(s *State) error {
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

		e, ok := s.table.ByOpcode(so)
		if !ok {
			panic(fmt.Sprintf("opcode word %d names no specialization", so))
		}
		next, err := resolve(e)(s, args, pc)
		if err != nil {
			return s.fault(pc, so, err)
		}
		pc = next
	}
}
