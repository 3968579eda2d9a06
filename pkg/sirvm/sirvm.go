// Package sirvm defines the stock VM over the full instruction
// vocabulary: one specialization per opcode and argument signature, a
// single general purpose register class, and a code generator for the
// dispatch strategies that emit native code.
package sirvm

import (
	"fmt"

	"github.com/chazu/loom/pkg/arch"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// RegisterClass is the class letter of the stock VM's single register
// class, as written in assembly.
const RegisterClass = 'r'

// New builds a stock VM. archName is consulted only when the dispatch
// strategy generates native code; fast is the register count of the
// general purpose class before spilling to slow slots.
func New(name string, dispatch target.Dispatch, archName string, fast int) (*target.VM, error) {
	vm := &target.VM{
		Name:      name,
		Dispatch:  dispatch,
		Table:     BuildTable(),
		Registers: []target.RegisterClass{{Char: RegisterClass, Fast: fast}},
	}
	if dispatch.NeedsNative() {
		a, ok := arch.Lookup(archName)
		if !ok {
			return nil, fmt.Errorf("unknown architecture %q (have %v)", archName, arch.Names())
		}
		vm.Arch = a
		vm.Gen = &gen{a: a}
	}
	if err := vm.Validate(); err != nil {
		return nil, err
	}
	return vm, nil
}

// FromConfig builds the stock VM a configuration describes.
func FromConfig(cfg *target.Config) (*target.VM, error) {
	d, err := target.ParseDispatch(cfg.VM.Dispatch)
	if err != nil {
		return nil, err
	}
	return New(cfg.VM.Name, d, cfg.VM.Arch, cfg.VM.Fast)
}

// BuildTable registers one specialization per opcode and concrete
// argument signature. Exit is absent on purpose: the specializer lowers
// it to the reserved exit instruction.
func BuildTable() *target.SpecTable {
	b := target.NewTableBuilder()
	for _, op := range sir.AllOpcodes() {
		if op.IsExit() {
			continue
		}
		for _, kinds := range signatures(sir.Info(op).Params) {
			residuals := make([]target.ResidualKind, len(kinds))
			for i, k := range kinds {
				residuals[i] = residualFor(k)
			}
			b.Add(op, target.Signature(kinds), residuals...)
		}
	}
	return b.Build()
}

// signatures expands accepting masks into every concrete signature:
// push's literal-or-register parameter yields one signature taking a
// literal and one taking a register.
func signatures(params []sir.ParamKind) [][]sir.ParamKind {
	out := [][]sir.ParamKind{nil}
	for _, mask := range params {
		var next [][]sir.ParamKind
		for _, k := range []sir.ParamKind{sir.KindLiteral, sir.KindRegister, sir.KindLabel} {
			if mask&k == 0 {
				continue
			}
			for _, prefix := range out {
				sig := make([]sir.ParamKind, len(prefix)+1)
				copy(sig, prefix)
				sig[len(prefix)] = k
				next = append(next, sig)
			}
		}
		out = next
	}
	return out
}

func residualFor(k sir.ParamKind) target.ResidualKind {
	switch k {
	case sir.KindLiteral:
		return target.ResidualLiteral
	case sir.KindRegister:
		return target.ResidualRegister
	case sir.KindLabel:
		return target.ResidualLabel
	}
	panic(fmt.Sprintf("no residual encoding for %s", k))
}
