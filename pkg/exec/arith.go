package exec

import (
	"math"

	"github.com/chazu/loom/pkg/sir"
)

// Arithmetic cores. The i forms work on the 32-bit view of a word and
// sign- or zero-extend their result; the l forms use the full word.
// Checked forms return the wrapped result plus an overflow flag; they
// never trap, division by zero included.

func wordI(v int32) sir.Word   { return sir.WordFromInt(int64(v)) }
func wordIU(v uint32) sir.Word { return sir.Word(uint64(v)) }
func wordL(v int64) sir.Word   { return sir.WordFromInt(v) }
func wordLU(v uint64) sir.Word { return sir.Word(v) }

// ========================================================================
// Wrapping cores with overflow detection
// ========================================================================

func addOvI(a, b int32) (int32, bool) {
	s := int64(a) + int64(b)
	return int32(s), s != int64(int32(s))
}

func subOvI(a, b int32) (int32, bool) {
	s := int64(a) - int64(b)
	return int32(s), s != int64(int32(s))
}

func mulOvI(a, b int32) (int32, bool) {
	p := int64(a) * int64(b)
	return int32(p), p != int64(int32(p))
}

func addOvL(a, b int64) (int64, bool) {
	s := a + b
	return s, (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0)
}

func subOvL(a, b int64) (int64, bool) {
	s := a - b
	return s, (a >= 0 && b < 0 && s < 0) || (a < 0 && b > 0 && s >= 0)
}

func mulOvL(a, b int64) (int64, bool) {
	p := a * b
	switch {
	case a == 0 || b == 0:
		return p, false
	case a == -1:
		return p, b == math.MinInt64
	case b == -1:
		return p, a == math.MinInt64
	}
	return p, p/b != a
}

func mulOvLU(a, b uint64) (uint64, bool) {
	p := a * b
	return p, a != 0 && p/a != b
}

func divOvI(a, b int32) (int32, bool) {
	switch {
	case b == 0:
		return 0, true
	case a == math.MinInt32 && b == -1:
		return math.MinInt32, true
	}
	return a / b, false
}

func modOvI(a, b int32) (int32, bool) {
	switch {
	case b == 0:
		return 0, true
	case a == math.MinInt32 && b == -1:
		return 0, true
	}
	return a % b, false
}

func divOvL(a, b int64) (int64, bool) {
	switch {
	case b == 0:
		return 0, true
	case a == math.MinInt64 && b == -1:
		return math.MinInt64, true
	}
	return a / b, false
}

func modOvL(a, b int64) (int64, bool) {
	switch {
	case b == 0:
		return 0, true
	case a == math.MinInt64 && b == -1:
		return 0, true
	}
	return a % b, false
}

func negOvI(a int32) (int32, bool) {
	return -a, a == math.MinInt32
}

func negOvL(a int64) (int64, bool) {
	return -a, a == math.MinInt64
}

// powOvL raises by squaring with wrapped intermediates. A negative
// exponent is outside the domain and flags, yielding zero.
func powOvL(base, exp int64) (int64, bool) {
	if exp < 0 {
		return 0, true
	}
	result, ov := int64(1), false
	for e := exp; e > 0; e >>= 1 {
		if e&1 == 1 {
			var o bool
			result, o = mulOvL(result, base)
			ov = ov || o
		}
		if e > 1 {
			var o bool
			base, o = mulOvL(base, base)
			ov = ov || o
		}
	}
	return result, ov
}

func powOvLU(base, exp uint64) (uint64, bool) {
	result, ov := uint64(1), false
	for e := exp; e > 0; e >>= 1 {
		if e&1 == 1 {
			var o bool
			result, o = mulOvLU(result, base)
			ov = ov || o
		}
		if e > 1 {
			var o bool
			base, o = mulOvLU(base, base)
			ov = ov || o
		}
	}
	return result, ov
}

func powOvI(base, exp int32) (int32, bool) {
	if exp < 0 {
		return 0, true
	}
	result, ov := int32(1), false
	for e := exp; e > 0; e >>= 1 {
		if e&1 == 1 {
			var o bool
			result, o = mulOvI(result, base)
			ov = ov || o
		}
		if e > 1 {
			var o bool
			base, o = mulOvI(base, base)
			ov = ov || o
		}
	}
	return result, ov
}

func powOvIU(base, exp uint32) (uint32, bool) {
	r, ov := powOvLU(uint64(base), uint64(exp))
	return uint32(r), ov || r != uint64(uint32(r))
}
