package report

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/chazu/loom/pkg/target"
	"lukechampine.com/blake3"
)

// Fingerprint identifies one specialization request: the routine source
// text together with the target it was lowered for. Equal fingerprints
// mean the specializer would produce the same executable.
type Fingerprint [32]byte

// String returns the fingerprint in hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint parses the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("report: bad fingerprint %q: %w", s, err)
	}
	if len(b) != len(f) {
		return f, fmt.Errorf("report: bad fingerprint %q: %d bytes, want %d", s, len(b), len(f))
	}
	copy(f[:], b)
	return f, nil
}

// Compute hashes the target identity and source text into a fingerprint.
// Fields are length prefixed, so no two inputs share an encoding.
func Compute(vmName string, dispatch target.Dispatch, source string) Fingerprint {
	h := blake3.New(32, nil)
	writeString := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeString(vmName)
	writeString(dispatch.String())
	writeString(source)

	var f Fingerprint
	h.Sum(f[:0])
	return f
}
