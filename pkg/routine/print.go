package routine

import (
	"fmt"
	"io"
	"strings"
)

// WriteListing writes the routine in its assembly form: labels flush
// left, instructions indented. The output parses back through the
// assembler.
func (mr *MutableRoutine) WriteListing(w io.Writer) error {
	mr.mustLive()
	for i, in := range mr.instrs {
		if err := mr.writeLabelsAt(w, i); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "        %s\n", in); err != nil {
			return err
		}
	}
	return mr.writeLabelsAt(w, len(mr.instrs))
}

func (mr *MutableRoutine) writeLabelsAt(w io.Writer, at int) error {
	for l, t := range mr.labels {
		if t != at {
			continue
		}
		if _, err := fmt.Fprintf(w, "$L%d:\n", l); err != nil {
			return err
		}
	}
	return nil
}

// String returns the routine's listing.
func (mr *MutableRoutine) String() string {
	var sb strings.Builder
	mr.WriteListing(&sb)
	return sb.String()
}
