// Package asm parses textual routines into mutable routines. The syntax
// is the one listings print: one instruction per line, labels flush left
// ending in a colon, `#` to end of line for comments. The template
// conveniences of Expand are applied first, so `push 2; push 3; addi`
// works as a one-liner and `.loop` names a label.
package asm

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// ParseError reports the offending token and where it sits.
type ParseError struct {
	Line int
	Tok  string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Tok)
}

// Assemble parses src into a routine for vm, with default options.
func Assemble(vm *target.VM, name, src string) (*routine.MutableRoutine, error) {
	return AssembleOptions(vm, name, src, routine.DefaultOptions())
}

// AssembleOptions is Assemble with explicit routine options.
func AssembleOptions(vm *target.VM, name, src string, opts routine.Options) (*routine.MutableRoutine, error) {
	mr := routine.NewMutableRoutine(vm)
	mr.Name = name
	if err := mr.SetOptions(opts); err != nil {
		return nil, err
	}

	p := &parser{mr: mr, firstUse: make(map[string]int)}
	for i, line := range strings.Split(Expand(src), "\n") {
		if err := p.line(i+1, line); err != nil {
			mr.Destroy()
			return nil, err
		}
	}
	if err := p.checkLabels(); err != nil {
		mr.Destroy()
		return nil, err
	}
	return mr, nil
}

type parser struct {
	mr *routine.MutableRoutine

	// firstUse remembers where each label was first referenced, for
	// reporting the ones never bound.
	firstUse map[string]int
	bound    map[string]bool
}

func (p *parser) line(n int, line string) error {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == ','
	})

	// Leading label bindings, then at most one instruction.
	for len(fields) > 0 && strings.HasSuffix(fields[0], ":") {
		tok := fields[0]
		name := strings.TrimSuffix(tok, ":")
		if !strings.HasPrefix(name, "$") || len(name) < 2 {
			return &ParseError{Line: n, Tok: tok, Msg: "malformed label binding"}
		}
		l := p.mr.LabelNamed(name[1:])
		if err := p.mr.AppendLabel(l); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		if p.bound == nil {
			p.bound = make(map[string]bool)
		}
		p.bound[name[1:]] = true
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil
	}

	op, ok := sir.ByName(fields[0])
	if !ok {
		return &ParseError{Line: n, Tok: fields[0], Msg: "unknown opcode"}
	}
	args := make([]routine.Arg, 0, len(fields)-1)
	for _, tok := range fields[1:] {
		a, err := p.operand(n, tok)
		if err != nil {
			return err
		}
		args = append(args, a)
	}
	if err := p.mr.AppendInstruction(op, args...); err != nil {
		return fmt.Errorf("line %d: %s: %w", n, fields[0], err)
	}
	return nil
}

func (p *parser) operand(n int, tok string) (routine.Arg, error) {
	switch {
	case strings.HasPrefix(tok, "%"):
		return p.register(n, tok)

	case strings.HasPrefix(tok, "$"):
		name := tok[1:]
		if name == "" {
			return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "empty label name"}
		}
		if _, seen := p.firstUse[name]; !seen {
			p.firstUse[name] = n
		}
		return routine.LabelArg(p.mr.LabelNamed(name)), nil

	case tok == "null":
		return routine.LitW(sir.Null), nil

	case strings.HasPrefix(tok, "'"):
		s, err := strconv.Unquote(tok)
		if err != nil {
			return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "bad character literal"}
		}
		r, _ := utf8.DecodeRuneInString(s)
		return routine.Lit(int64(r)), nil
	}

	if v, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return routine.Lit(v), nil
	}
	if v, err := strconv.ParseUint(tok, 0, 64); err == nil {
		return routine.LitW(sir.Word(v)), nil
	}
	return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "bad operand"}
}

func (p *parser) register(n int, tok string) (routine.Arg, error) {
	class, size := utf8.DecodeRuneInString(tok[1:])
	rest := tok[1+size:]
	if class == utf8.RuneError || rest == "" {
		return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "malformed register"}
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "malformed register"}
	}
	if _, ok := p.mr.VM().Class(class); !ok {
		return routine.Arg{}, &ParseError{Line: n, Tok: tok, Msg: "no such register class"}
	}
	return routine.RegC(class, idx), nil
}

// checkLabels reports referenced labels that were never bound, with the
// line of their first use. Binding during specialization would fail too,
// but without the position.
func (p *parser) checkLabels() error {
	if p.mr.AllLabelsBound() {
		return nil
	}
	for name, line := range p.firstUse {
		if !p.bound[name] {
			return &ParseError{Line: line, Tok: "$" + name, Msg: "label never bound"}
		}
	}
	return nil
}
