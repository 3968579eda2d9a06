// Package routine implements the two routine forms the engine moves
// between: the mutable, append-only form a frontend builds, and the
// executable form produced by specializing it for one target.
package routine

import (
	"fmt"

	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// Label names a program point inside one routine. Labels are opaque
// handles: they are created unbound, may be used as branch arguments
// immediately, and are bound to an instruction by AppendLabel.
type Label int

// Arg is one actual instruction argument.
type Arg struct {
	Kind  sir.ParamKind // Exactly one kind bit
	Class rune          // Register class letter, register args only
	Value sir.Word      // Literal value, register index, or label
}

// Lit builds a literal argument from a signed value.
func Lit(v int64) Arg {
	return Arg{Kind: sir.KindLiteral, Value: sir.WordFromInt(v)}
}

// LitW builds a literal argument from a raw word.
func LitW(w sir.Word) Arg {
	return Arg{Kind: sir.KindLiteral, Value: w}
}

// Reg builds a register argument in the default class 'r'.
func Reg(index int) Arg {
	return RegC('r', index)
}

// RegC builds a register argument in an explicit class.
func RegC(class rune, index int) Arg {
	return Arg{Kind: sir.KindRegister, Class: class, Value: sir.Word(index)}
}

// LabelArg builds a label argument.
func LabelArg(l Label) Arg {
	return Arg{Kind: sir.KindLabel, Value: sir.Word(l)}
}

// Label returns the label an argument carries.
// Only meaningful when Kind is KindLabel.
func (a Arg) Label() Label {
	return Label(a.Value)
}

// String formats the argument the way listings print it.
func (a Arg) String() string {
	switch a.Kind {
	case sir.KindLiteral:
		if a.Value == sir.Null {
			return "null"
		}
		return fmt.Sprintf("%d", a.Value.Int())
	case sir.KindRegister:
		return fmt.Sprintf("%%%c%d", a.Class, a.Value.Uint())
	case sir.KindLabel:
		return fmt.Sprintf("$L%d", a.Value.Uint())
	}
	return fmt.Sprintf("Arg(%d)", a.Value.Uint())
}

// Instruction is one complete unspecialized instruction.
type Instruction struct {
	Op   sir.Opcode
	Args []Arg
}

// Sig returns the actual-argument signature used for specialization
// table lookup.
func (in Instruction) Sig() string {
	if len(in.Args) == 0 {
		return ""
	}
	kinds := make([]sir.ParamKind, len(in.Args))
	for i, a := range in.Args {
		kinds[i] = a.Kind
	}
	return target.Signature(kinds)
}

// String formats the instruction the way listings print it.
func (in Instruction) String() string {
	s := in.Op.String()
	for i, a := range in.Args {
		if i == 0 {
			s += " " + a.String()
		} else {
			s += ", " + a.String()
		}
	}
	return s
}
