package sir

// Word is the fixed-width operand cell. Literal arguments, register
// indices and label indices all travel through routine encodings as
// words; the opcode decides the interpretation.
type Word uint64

// Null is the distinguished word tested by OpNn and OpNnn. Routines that
// traffic in possibly-absent values use it as the absent marker.
const Null Word = 0xFFFFFFFFFFFFFFFF

// WordFromInt encodes a signed value into a word.
func WordFromInt(v int64) Word {
	return Word(v)
}

// Int returns the word reinterpreted as a signed 64-bit value.
func (w Word) Int() int64 {
	return int64(w)
}

// Uint returns the word as an unsigned 64-bit value.
func (w Word) Uint() uint64 {
	return uint64(w)
}

// Int32 returns the low half of the word as a signed 32-bit value.
func (w Word) Int32() int32 {
	return int32(uint32(w))
}

// Uint32 returns the low half of the word as an unsigned 32-bit value.
func (w Word) Uint32() uint32 {
	return uint32(w)
}

// Bool reports whether the word is nonzero.
func (w Word) Bool() bool {
	return w != 0
}

// WordFromBool encodes a flag as 1 or 0.
func WordFromBool(b bool) Word {
	if b {
		return 1
	}
	return 0
}
