// Package report turns specializations into artifacts people and tools
// consume: listings of the specialized form, canonical CBOR manifests,
// and fingerprints identifying a specialization request.
package report

import (
	"fmt"
	"strings"

	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// Disassemble returns a human-readable listing of the specialized form
// of a live executable.
//
// Under word dispatch, offsets are word offsets and every residual is
// decoded; branch residuals are annotated with the target's offset.
// Under no-threading the residuals live inside the generated machine
// code, so only instruction names and native byte offsets remain.
func Disassemble(ex *routine.Executable) string {
	var sb strings.Builder
	vm := ex.VM()

	if name := ex.Name(); name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; VM: %s (%s)\n", vm.Name, vm.Dispatch))
	sb.WriteString(fmt.Sprintf("; Instructions: %d\n", ex.Len()))
	if words := ex.Words(); len(words) > 0 {
		sb.WriteString(fmt.Sprintf("; Words: %d\n", len(words)))
	}
	if native := ex.NativeCode(); len(native) > 0 {
		sb.WriteString(fmt.Sprintf("; Native code: %d bytes\n", len(native)))
	}
	for i, n := range ex.SlowRegisters() {
		if n > 0 {
			sb.WriteString(fmt.Sprintf("; Slow registers: %c=%d\n", vm.Registers[i].Char, n))
		}
	}

	for _, line := range DisassembleToLines(ex) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// DisassembleToLines returns the code portion of the listing, one
// specialized instruction per line.
func DisassembleToLines(ex *routine.Executable) []string {
	specOps := ex.SpecOpcodes()
	starts := ex.InstructionStarts()
	words := ex.Words()
	table := ex.VM().Table

	lines := make([]string, 0, len(specOps))
	for i, so := range specOps {
		if len(words) == 0 {
			lines = append(lines, fmt.Sprintf("%04X  %s", starts[i], table.Name(so)))
			continue
		}

		end := len(words)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		lines = append(lines, formatSpecialized(table, so, starts, starts[i], words[starts[i]+1:end]))
	}
	return lines
}

func formatSpecialized(t *target.SpecTable, so target.SpecOpcode, starts []int, at int, residuals []sir.Word) string {
	line := fmt.Sprintf("%04X  %s", at, t.Name(so))
	entry, ok := t.ByOpcode(so)
	for j, w := range residuals {
		sep := " "
		if j > 0 {
			sep = ", "
		}
		if !ok || j >= len(entry.Residuals) {
			line += sep + fmt.Sprintf("%d", w.Uint())
			continue
		}
		switch entry.Residuals[j] {
		case target.ResidualLiteral:
			if w == sir.Null {
				line += sep + "null"
			} else {
				line += sep + fmt.Sprintf("%d", w.Int())
			}
		case target.ResidualRegister:
			line += sep + fmt.Sprintf("%d", w.Uint())
		case target.ResidualLabel:
			line += sep + fmt.Sprintf("%d", w.Uint())
			if idx := int(w.Uint()); idx < len(starts) {
				line += fmt.Sprintf(" (-> %04X)", starts[idx])
			}
		}
	}
	return line
}
