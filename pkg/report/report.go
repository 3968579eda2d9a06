package report

import (
	"github.com/chazu/loom/pkg/routine"
)

// Report is the durable record of one specialization: enough to identify
// it, rebuild it from source, and show what the specializer produced.
// Reports carry no timestamps on purpose: two specializations of the same
// source for the same target produce byte-identical canonical encodings.
type Report struct {
	Fingerprint   Fingerprint `cbor:"1,keyasint"`
	Name          string      `cbor:"2,keyasint"`
	VM            string      `cbor:"3,keyasint"`
	Dispatch      string      `cbor:"4,keyasint"`
	SourceText    string      `cbor:"5,keyasint,omitempty"`
	Instructions  int         `cbor:"6,keyasint"`
	Words         int         `cbor:"7,keyasint"`
	NativeBytes   int         `cbor:"8,keyasint"`
	SlowRegisters []int       `cbor:"9,keyasint,omitempty"`
	Listing       string      `cbor:"10,keyasint,omitempty"`
}

// Manifest bundles the reports a VM can vouch for, for export and
// transfer between engines.
type Manifest struct {
	VM      string   `cbor:"1,keyasint"`
	Reports []Report `cbor:"2,keyasint,omitempty"`
}

// New builds a report from a live executable. The source text and
// fingerprint are filled in only while the source routine still exists.
func New(ex *routine.Executable) *Report {
	vm := ex.VM()
	r := &Report{
		Name:          ex.Name(),
		VM:            vm.Name,
		Dispatch:      vm.Dispatch.String(),
		Instructions:  ex.Len(),
		Words:         len(ex.Words()),
		NativeBytes:   len(ex.NativeCode()),
		SlowRegisters: append([]int(nil), ex.SlowRegisters()...),
		Listing:       Disassemble(ex),
	}
	if src := ex.Source(); src != nil {
		r.SourceText = src.String()
		r.Fingerprint = Compute(vm.Name, vm.Dispatch, r.SourceText)
	}
	return r
}
