// Package target describes execution targets: the dispatch strategy, the
// specialization table mapping vocabulary opcodes to dispatch-specific
// encodings, register classes, and the per-VM native code generator hook.
//
// A target is fixed when a VM descriptor is built. Routines lowered for
// one target are only meaningful to that target.
package target

import "fmt"

// Dispatch selects how a lowered routine encodes control transfer between
// instructions.
type Dispatch uint8

const (
	// DispatchSwitch encodes instructions as a flat word array executed
	// by a central switch. The most portable and the slowest.
	DispatchSwitch Dispatch = iota

	// DispatchDirectThreading also produces a word array, but each
	// instruction's first word selects its handler directly, with no
	// central decode step.
	DispatchDirectThreading

	// DispatchMinimalThreading keeps the word array and adds a native
	// glue snippet per basic block, entered through an indirect jump.
	DispatchMinimalThreading

	// DispatchNoThreading expands every instruction into native code;
	// no word array remains to interpret.
	DispatchNoThreading
)

var dispatchNames = map[Dispatch]string{
	DispatchSwitch:           "switch",
	DispatchDirectThreading:  "direct-threading",
	DispatchMinimalThreading: "minimal-threading",
	DispatchNoThreading:      "no-threading",
}

// String returns the canonical dispatch name.
func (d Dispatch) String() string {
	if name, ok := dispatchNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Dispatch(%d)", uint8(d))
}

// ParseDispatch resolves a dispatch name as it appears in configuration.
func ParseDispatch(s string) (Dispatch, error) {
	for d, name := range dispatchNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dispatch %q (have switch, direct-threading, minimal-threading, no-threading)", s)
}

// HasWords reports whether this dispatch keeps a specialized word array.
func (d Dispatch) HasWords() bool {
	return d != DispatchNoThreading
}

// NeedsNative reports whether this dispatch emits native code and
// therefore requires an architecture.
func (d Dispatch) NeedsNative() bool {
	return d == DispatchMinimalThreading || d == DispatchNoThreading
}

// Dispatches returns all dispatch strategies in preference order.
func Dispatches() []Dispatch {
	return []Dispatch{
		DispatchSwitch,
		DispatchDirectThreading,
		DispatchMinimalThreading,
		DispatchNoThreading,
	}
}
