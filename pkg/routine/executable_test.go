package routine

import (
	"testing"

	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

func specializedPair(t *testing.T) (*MutableRoutine, *Executable) {
	t.Helper()
	mr := NewMutableRoutine(testVM(target.DispatchSwitch))
	mr.Name = "pair"
	mr.MustAppendInstruction(sir.OpPush, Lit(1))
	mr.MustAppendInstruction(sir.OpExit)
	ex, err := Specialize(mr)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	return mr, ex
}

func TestExecutableStartsPinnedOnce(t *testing.T) {
	mr, ex := specializedPair(t)
	if got := ex.RefCount(); got != 1 {
		t.Errorf("RefCount() = %d, want 1", got)
	}
	if ex.Source() != mr {
		t.Error("Source() does not point back at the routine")
	}
	if mr.Executable() != ex {
		t.Error("Executable() does not point at the executable")
	}
	if got := ex.Name(); got != "pair" {
		t.Errorf("Name() = %q, want %q", got, "pair")
	}
}

func TestPinUnpin(t *testing.T) {
	mr, ex := specializedPair(t)

	ex.Pin()
	if got := ex.RefCount(); got != 2 {
		t.Errorf("RefCount() after Pin = %d, want 2", got)
	}
	ex.Unpin()
	if got := ex.RefCount(); got != 1 {
		t.Errorf("RefCount() after Unpin = %d, want 1", got)
	}
	if ex.Destroyed() {
		t.Fatal("executable destroyed while pinned")
	}

	// The last unpin destroys the executable and the routine it
	// came from.
	ex.Unpin()
	if !ex.Destroyed() {
		t.Error("executable alive after last Unpin")
	}
	wantPanic(t, "routine use after cascade", func() { mr.Len() })
}

func TestDestroyRequiresExactlyOnePin(t *testing.T) {
	_, ex := specializedPair(t)
	ex.Pin()
	wantPanic(t, "Destroy with two pins", func() { ex.Destroy() })
}

func TestDestroyDoesNotCascade(t *testing.T) {
	mr, ex := specializedPair(t)
	ex.Destroy()

	if !ex.Destroyed() {
		t.Fatal("executable alive after Destroy")
	}
	// The source routine survives and can be specialized again.
	if mr.Executable() != nil {
		t.Error("routine still linked to destroyed executable")
	}
	ex2, err := Specialize(mr)
	if err != nil {
		t.Fatalf("re-Specialize = %v", err)
	}
	if ex2.Source() != mr {
		t.Error("second executable not linked to routine")
	}
}

func TestSourceDestroySurvivedByExecutable(t *testing.T) {
	mr, ex := specializedPair(t)
	mr.Destroy()

	if ex.Destroyed() {
		t.Fatal("executable destroyed with its source")
	}
	if ex.Source() != nil {
		t.Error("Source() non-nil after source destroy")
	}
	if got := ex.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	ex.Unpin() // nothing left to cascade to
	if !ex.Destroyed() {
		t.Error("executable alive after last Unpin")
	}
}

func TestUseAfterDestroyPanics(t *testing.T) {
	_, ex := specializedPair(t)
	vm := ex.VM()
	ex.Destroy()

	wantPanic(t, "Pin after destroy", func() { ex.Pin() })
	wantPanic(t, "Unpin after destroy", func() { ex.Unpin() })
	wantPanic(t, "Words after destroy", func() { ex.Words() })
	wantPanic(t, "RefCount after destroy", func() { ex.RefCount() })

	// Identity stays readable.
	if ex.VM() != vm {
		t.Error("VM() changed after destroy")
	}
	if got := ex.Name(); got != "pair" {
		t.Errorf("Name() after destroy = %q, want %q", got, "pair")
	}
}
