// Package sir defines the stack-machine instruction vocabulary shared by
// routine builders, the specializer and the executors.
//
// The vocabulary is a closed set: callers identify operations by these
// named constants only. The numeric values are an internal encoding and
// may change between builds; nothing outside this module may persist them.
package sir

import "fmt"

// Opcode identifies one unspecialized instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack shuffling (0x00-0x0F)
	// ========================================================================

	OpPush  Opcode = 0x00 // Push a literal or register value
	OpDrop  Opcode = 0x01 // Drop top of stack
	OpSwap  Opcode = 0x02 // a b -> b a
	OpNip   Opcode = 0x03 // a b -> b
	OpDup   Opcode = 0x04 // a -> a a
	OpOver  Opcode = 0x05 // a b -> a b a
	OpOover Opcode = 0x06 // a b c -> a b c a
	OpRot   Opcode = 0x07 // a b c -> b c a
	OpNrot  Opcode = 0x08 // a b c -> c a b
	OpTuck  Opcode = 0x09 // a b -> b a b
	OpQuake Opcode = 0x0A // a b c -> b a c (exchange the two under the top)
	OpRevn  Opcode = 0x0B // Reverse the top N elements: OpRevn <n>
	OpPop   Opcode = 0x0C // Pop top of stack into a register: OpPop <reg>

	// ========================================================================
	// Return stack (0x10-0x1F)
	// ========================================================================

	OpSaver    Opcode = 0x10 // Copy top of stack onto the return stack
	OpRestorer Opcode = 0x11 // Pop the return stack, replacing top of stack
	OpTor      Opcode = 0x12 // Move top of stack to the return stack
	OpFromr    Opcode = 0x13 // Move top of the return stack back
	OpAtr      Opcode = 0x14 // Push a copy of the return stack top

	// ========================================================================
	// Overflow-checked arithmetic (0x20-0x2F)
	// Each pushes the wrapped result followed by a 0/1 overflow flag;
	// overflow never traps.
	// ========================================================================

	OpAddiof Opcode = 0x20
	OpAddlof Opcode = 0x21
	OpSubiof Opcode = 0x22
	OpSublof Opcode = 0x23
	OpMuliof Opcode = 0x24
	OpMullof Opcode = 0x25
	OpDiviof Opcode = 0x26
	OpDivlof Opcode = 0x27
	OpModiof Opcode = 0x28
	OpModlof Opcode = 0x29
	OpNegiof Opcode = 0x2A
	OpNeglof Opcode = 0x2B
	OpPowiof Opcode = 0x2C
	OpPowlof Opcode = 0x2D

	// ========================================================================
	// Unchecked arithmetic (0x30-0x4F)
	// i = signed 32-bit, iu = unsigned 32-bit, l = signed 64-bit,
	// lu = unsigned 64-bit.
	// ========================================================================

	OpAddi  Opcode = 0x30
	OpAddiu Opcode = 0x31
	OpAddl  Opcode = 0x32
	OpAddlu Opcode = 0x33
	OpSubi  Opcode = 0x34
	OpSubiu Opcode = 0x35
	OpSubl  Opcode = 0x36
	OpSublu Opcode = 0x37
	OpMuli  Opcode = 0x38
	OpMuliu Opcode = 0x39
	OpMull  Opcode = 0x3A
	OpMullu Opcode = 0x3B
	OpDivi  Opcode = 0x3C
	OpDiviu Opcode = 0x3D
	OpDivl  Opcode = 0x3E
	OpDivlu Opcode = 0x3F
	OpModi  Opcode = 0x40
	OpModiu Opcode = 0x41
	OpModl  Opcode = 0x42
	OpModlu Opcode = 0x43
	OpNegi  Opcode = 0x44
	OpNegiu Opcode = 0x45
	OpNegl  Opcode = 0x46
	OpNeglu Opcode = 0x47
	OpPowi  Opcode = 0x48
	OpPowiu Opcode = 0x49
	OpPowl  Opcode = 0x4A
	OpPowlu Opcode = 0x4B

	// ========================================================================
	// Relational (0x50-0x6F)
	// All push 1 for true, 0 for false.
	// ========================================================================

	OpEqi  Opcode = 0x50
	OpEqiu Opcode = 0x51
	OpEql  Opcode = 0x52
	OpEqlu Opcode = 0x53
	OpEqs  Opcode = 0x54 // String equality over interned handles
	OpNei  Opcode = 0x55
	OpNeiu Opcode = 0x56
	OpNel  Opcode = 0x57
	OpNelu Opcode = 0x58
	OpNes  Opcode = 0x59
	OpNn   Opcode = 0x5A // val -> val flag; flag=1 if val is not the null word
	OpNnn  Opcode = 0x5B // val -> val flag; flag=1 if val is the null word
	OpLti  Opcode = 0x5C
	OpLtiu Opcode = 0x5D
	OpLtl  Opcode = 0x5E
	OpLtlu Opcode = 0x5F
	OpLei  Opcode = 0x60
	OpLeiu Opcode = 0x61
	OpLel  Opcode = 0x62
	OpLelu Opcode = 0x63
	OpGti  Opcode = 0x64
	OpGtiu Opcode = 0x65
	OpGtl  Opcode = 0x66
	OpGtlu Opcode = 0x67
	OpGei  Opcode = 0x68
	OpGeiu Opcode = 0x69
	OpGel  Opcode = 0x6A
	OpGelu Opcode = 0x6B

	// ========================================================================
	// Control and markers (0x70-0x7F)
	// ========================================================================

	OpExit    Opcode = 0x70 // Leave the interpreter, handing back control
	OpCanary  Opcode = 0x71 // Consistency check of the stack guard value
	OpPushend Opcode = 0x72 // Open a program region
	OpPopend  Opcode = 0x73 // Close the innermost program region
	OpPushob  Opcode = 0x74 // Push an out-of-band literal: OpPushob <lit>

	// ========================================================================
	// Branches (0x80-0x8F)
	// Conditional branches peek the condition; they never pop it.
	// ========================================================================

	OpBa   Opcode = 0x80 // Branch always: OpBa <label>
	OpBzi  Opcode = 0x81 // Branch if zero, 32-bit view
	OpBnzi Opcode = 0x82 // Branch if nonzero, 32-bit view
	OpBzl  Opcode = 0x83 // Branch if zero, 64-bit view
	OpBnzl Opcode = 0x84 // Branch if nonzero, 64-bit view
)

// ParamKind describes what a formal instruction parameter accepts.
// An accepting mask may combine kinds; an actual argument has exactly one.
type ParamKind uint8

const (
	KindLiteral  ParamKind = 1 << 0
	KindRegister ParamKind = 1 << 1
	KindLabel    ParamKind = 1 << 2
)

// String returns a human-readable name for ParamKind.
func (k ParamKind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindRegister:
		return "register"
	case KindLabel:
		return "label"
	}
	// Accepting masks combining several kinds.
	s := ""
	if k&KindLiteral != 0 {
		s += "literal|"
	}
	if k&KindRegister != 0 {
		s += "register|"
	}
	if k&KindLabel != 0 {
		s += "label|"
	}
	if s == "" {
		return fmt.Sprintf("ParamKind(%d)", uint8(k))
	}
	return s[:len(s)-1]
}

// Sigil is the one-letter signature code used in specialized instruction
// names: n for literal, r for register, l for label.
func (k ParamKind) Sigil() byte {
	switch k {
	case KindLiteral:
		return 'n'
	case KindRegister:
		return 'r'
	case KindLabel:
		return 'l'
	}
	return '?'
}

// OpcodeInfo provides metadata about each opcode for building, validation
// and disassembly.
type OpcodeInfo struct {
	Name    string      // Mnemonic, as it appears in listings and assembly
	Params  []ParamKind // Accepting mask per formal parameter
	Pops    int         // Main stack values required/consumed (-1 = variable)
	Pushes  int         // Main stack values produced (-1 = variable)
	RPops   int         // Return stack values required/consumed
	RPushes int         // Return stack values produced
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack shuffling
	OpPush:  {Name: "push", Params: []ParamKind{KindLiteral | KindRegister}, Pops: 0, Pushes: 1},
	OpDrop:  {Name: "drop", Pops: 1, Pushes: 0},
	OpSwap:  {Name: "swap", Pops: 2, Pushes: 2},
	OpNip:   {Name: "nip", Pops: 2, Pushes: 1},
	OpDup:   {Name: "dup", Pops: 1, Pushes: 2},
	OpOver:  {Name: "over", Pops: 2, Pushes: 3},
	OpOover: {Name: "oover", Pops: 3, Pushes: 4},
	OpRot:   {Name: "rot", Pops: 3, Pushes: 3},
	OpNrot:  {Name: "nrot", Pops: 3, Pushes: 3},
	OpTuck:  {Name: "tuck", Pops: 2, Pushes: 3},
	OpQuake: {Name: "quake", Pops: 3, Pushes: 3},
	OpRevn:  {Name: "revn", Params: []ParamKind{KindLiteral}, Pops: -1, Pushes: -1},
	OpPop:   {Name: "pop", Params: []ParamKind{KindRegister}, Pops: 1, Pushes: 0},

	// Return stack
	OpSaver:    {Name: "saver", Pops: 1, Pushes: 1, RPushes: 1},
	OpRestorer: {Name: "restorer", Pops: 1, Pushes: 1, RPops: 1},
	OpTor:      {Name: "tor", Pops: 1, Pushes: 0, RPushes: 1},
	OpFromr:    {Name: "fromr", Pops: 0, Pushes: 1, RPops: 1},
	OpAtr:      {Name: "atr", Pops: 0, Pushes: 1, RPops: 1, RPushes: 1},

	// Overflow-checked arithmetic
	OpAddiof: {Name: "addiof", Pops: 2, Pushes: 2},
	OpAddlof: {Name: "addlof", Pops: 2, Pushes: 2},
	OpSubiof: {Name: "subiof", Pops: 2, Pushes: 2},
	OpSublof: {Name: "sublof", Pops: 2, Pushes: 2},
	OpMuliof: {Name: "muliof", Pops: 2, Pushes: 2},
	OpMullof: {Name: "mullof", Pops: 2, Pushes: 2},
	OpDiviof: {Name: "diviof", Pops: 2, Pushes: 2},
	OpDivlof: {Name: "divlof", Pops: 2, Pushes: 2},
	OpModiof: {Name: "modiof", Pops: 2, Pushes: 2},
	OpModlof: {Name: "modlof", Pops: 2, Pushes: 2},
	OpNegiof: {Name: "negiof", Pops: 1, Pushes: 2},
	OpNeglof: {Name: "neglof", Pops: 1, Pushes: 2},
	OpPowiof: {Name: "powiof", Pops: 2, Pushes: 2},
	OpPowlof: {Name: "powlof", Pops: 2, Pushes: 2},

	// Unchecked arithmetic
	OpAddi:  {Name: "addi", Pops: 2, Pushes: 1},
	OpAddiu: {Name: "addiu", Pops: 2, Pushes: 1},
	OpAddl:  {Name: "addl", Pops: 2, Pushes: 1},
	OpAddlu: {Name: "addlu", Pops: 2, Pushes: 1},
	OpSubi:  {Name: "subi", Pops: 2, Pushes: 1},
	OpSubiu: {Name: "subiu", Pops: 2, Pushes: 1},
	OpSubl:  {Name: "subl", Pops: 2, Pushes: 1},
	OpSublu: {Name: "sublu", Pops: 2, Pushes: 1},
	OpMuli:  {Name: "muli", Pops: 2, Pushes: 1},
	OpMuliu: {Name: "muliu", Pops: 2, Pushes: 1},
	OpMull:  {Name: "mull", Pops: 2, Pushes: 1},
	OpMullu: {Name: "mullu", Pops: 2, Pushes: 1},
	OpDivi:  {Name: "divi", Pops: 2, Pushes: 1},
	OpDiviu: {Name: "diviu", Pops: 2, Pushes: 1},
	OpDivl:  {Name: "divl", Pops: 2, Pushes: 1},
	OpDivlu: {Name: "divlu", Pops: 2, Pushes: 1},
	OpModi:  {Name: "modi", Pops: 2, Pushes: 1},
	OpModiu: {Name: "modiu", Pops: 2, Pushes: 1},
	OpModl:  {Name: "modl", Pops: 2, Pushes: 1},
	OpModlu: {Name: "modlu", Pops: 2, Pushes: 1},
	OpNegi:  {Name: "negi", Pops: 1, Pushes: 1},
	OpNegiu: {Name: "negiu", Pops: 1, Pushes: 1},
	OpNegl:  {Name: "negl", Pops: 1, Pushes: 1},
	OpNeglu: {Name: "neglu", Pops: 1, Pushes: 1},
	OpPowi:  {Name: "powi", Pops: 2, Pushes: 1},
	OpPowiu: {Name: "powiu", Pops: 2, Pushes: 1},
	OpPowl:  {Name: "powl", Pops: 2, Pushes: 1},
	OpPowlu: {Name: "powlu", Pops: 2, Pushes: 1},

	// Relational
	OpEqi:  {Name: "eqi", Pops: 2, Pushes: 1},
	OpEqiu: {Name: "eqiu", Pops: 2, Pushes: 1},
	OpEql:  {Name: "eql", Pops: 2, Pushes: 1},
	OpEqlu: {Name: "eqlu", Pops: 2, Pushes: 1},
	OpEqs:  {Name: "eqs", Pops: 2, Pushes: 1},
	OpNei:  {Name: "nei", Pops: 2, Pushes: 1},
	OpNeiu: {Name: "neiu", Pops: 2, Pushes: 1},
	OpNel:  {Name: "nel", Pops: 2, Pushes: 1},
	OpNelu: {Name: "nelu", Pops: 2, Pushes: 1},
	OpNes:  {Name: "nes", Pops: 2, Pushes: 1},
	OpNn:   {Name: "nn", Pops: 1, Pushes: 2},
	OpNnn:  {Name: "nnn", Pops: 1, Pushes: 2},
	OpLti:  {Name: "lti", Pops: 2, Pushes: 1},
	OpLtiu: {Name: "ltiu", Pops: 2, Pushes: 1},
	OpLtl:  {Name: "ltl", Pops: 2, Pushes: 1},
	OpLtlu: {Name: "ltlu", Pops: 2, Pushes: 1},
	OpLei:  {Name: "lei", Pops: 2, Pushes: 1},
	OpLeiu: {Name: "leiu", Pops: 2, Pushes: 1},
	OpLel:  {Name: "lel", Pops: 2, Pushes: 1},
	OpLelu: {Name: "lelu", Pops: 2, Pushes: 1},
	OpGti:  {Name: "gti", Pops: 2, Pushes: 1},
	OpGtiu: {Name: "gtiu", Pops: 2, Pushes: 1},
	OpGtl:  {Name: "gtl", Pops: 2, Pushes: 1},
	OpGtlu: {Name: "gtlu", Pops: 2, Pushes: 1},
	OpGei:  {Name: "gei", Pops: 2, Pushes: 1},
	OpGeiu: {Name: "geiu", Pops: 2, Pushes: 1},
	OpGel:  {Name: "gel", Pops: 2, Pushes: 1},
	OpGelu: {Name: "gelu", Pops: 2, Pushes: 1},

	// Control and markers
	OpExit:    {Name: "exit", Pops: 0, Pushes: 0},
	OpCanary:  {Name: "canary", Pops: 0, Pushes: 0},
	OpPushend: {Name: "pushend", Pops: 0, Pushes: 0},
	OpPopend:  {Name: "popend", Pops: 0, Pushes: 0},
	OpPushob:  {Name: "pushob", Params: []ParamKind{KindLiteral}, Pops: 0, Pushes: 1},

	// Branches (conditionals peek, see range comment)
	OpBa:   {Name: "ba", Params: []ParamKind{KindLabel}, Pops: 0, Pushes: 0},
	OpBzi:  {Name: "bzi", Params: []ParamKind{KindLabel}, Pops: 1, Pushes: 1},
	OpBnzi: {Name: "bnzi", Params: []ParamKind{KindLabel}, Pops: 1, Pushes: 1},
	OpBzl:  {Name: "bzl", Params: []ParamKind{KindLabel}, Pops: 1, Pushes: 1},
	OpBnzl: {Name: "bnzl", Params: []ParamKind{KindLabel}, Pops: 1, Pushes: 1},
}

// nameToOpcode is the reverse of opcodeInfoTable, built once at init.
var nameToOpcode = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not defined.
func Info(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Defined reports whether op is part of the vocabulary.
func Defined(op Opcode) bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// ByName resolves a mnemonic to its opcode.
func ByName(name string) (Opcode, bool) {
	op, ok := nameToOpcode[name]
	return op, ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return Info(op).Name
}

// ParamCount returns the number of formal parameters for this opcode.
func (op Opcode) ParamCount() int {
	return len(Info(op).Params)
}

// ParamAccepts returns the accepting mask for formal parameter i.
// Panics if i is out of range for the opcode.
func (op Opcode) ParamAccepts(i int) ParamKind {
	return Info(op).Params[i]
}

// IsBranch returns true if this opcode transfers control to a label.
func (op Opcode) IsBranch() bool {
	return op >= OpBa && op <= OpBnzl
}

// IsConditionalBranch returns true for branches that inspect the stack top.
func (op Opcode) IsConditionalBranch() bool {
	return op >= OpBzi && op <= OpBnzl
}

// IsExit returns true if this opcode hands control back to the caller.
func (op Opcode) IsExit() bool {
	return op == OpExit
}

// AllOpcodes returns all defined opcodes in ascending numeric order.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := Opcode(0); ; op++ {
		if _, ok := opcodeInfoTable[op]; ok {
			opcodes = append(opcodes, op)
		}
		if op == 0xFF {
			break
		}
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
