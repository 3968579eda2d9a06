package server

import (
	"strings"
	"testing"
	"time"

	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/routine"
)

// newPinnedExecutable specializes a routine on the shared engine and
// hands back the caller's pin, ready for HandleStore.Create to take over.
func newPinnedExecutable(t *testing.T, src string) (*routine.Executable, report.Fingerprint) {
	t.Helper()
	ex, rep, err := testEngine.Specialize(bg(), "t", src)
	if err != nil {
		t.Fatalf("Specialize: %v", err)
	}
	return ex, rep.Fingerprint
}

func TestHandleStore_CreateAndLookup(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)

	id := store.Create(ex, f)
	if !strings.HasPrefix(id, "h-") {
		t.Errorf("handle id = %q, want h- prefix", id)
	}

	got, ok := store.Lookup(id)
	if !ok {
		t.Fatal("Lookup should find a freshly created handle")
	}
	if got != ex {
		t.Error("Lookup should return the executable behind the handle")
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
	store.ReleaseAll()
}

func TestHandleStore_LookupUnknown(t *testing.T) {
	store := NewHandleStore()
	if _, ok := store.Lookup("h-999"); ok {
		t.Error("Lookup of unknown handle should miss")
	}
}

func TestHandleStore_DistinctIDs(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)
	ex.Pin() // one pin per handle

	a := store.Create(ex, f)
	b := store.Create(ex, f)
	if a == b {
		t.Errorf("two handles got the same id %q", a)
	}
	store.ReleaseAll()
}

func TestHandleStore_ReleaseDropsPin(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)

	id := store.Create(ex, f)
	before := ex.RefCount()

	if !store.Release(id) {
		t.Fatal("Release of live handle should report true")
	}
	if _, ok := store.Lookup(id); ok {
		t.Error("Lookup should miss after Release")
	}
	if got := ex.RefCount(); got != before-1 {
		t.Errorf("RefCount after Release = %d, want %d", got, before-1)
	}
	if ex.Destroyed() {
		t.Error("executable still pinned by the cache should survive Release")
	}

	if store.Release(id) {
		t.Error("second Release of the same handle should report false")
	}
}

func TestHandleStore_ReleaseUnknown(t *testing.T) {
	store := NewHandleStore()
	if store.Release("h-404") {
		t.Error("Release of unknown handle should report false")
	}
}

func TestHandleStore_SweepExpiresIdleHandles(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)
	ex.Pin()

	stale := store.Create(ex, f)
	fresh := store.Create(ex, f)

	store.mu.Lock()
	store.handles[stale].lastUsed = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	if n := store.Sweep(30 * time.Minute); n != 1 {
		t.Errorf("Sweep dropped %d handles, want 1", n)
	}
	if _, ok := store.Lookup(stale); ok {
		t.Error("stale handle should be gone after Sweep")
	}
	if _, ok := store.Lookup(fresh); !ok {
		t.Error("fresh handle should survive Sweep")
	}
	store.ReleaseAll()
}

func TestHandleStore_LookupRefreshesTTL(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)

	id := store.Create(ex, f)
	store.mu.Lock()
	store.handles[id].lastUsed = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	store.Lookup(id)

	if n := store.Sweep(30 * time.Minute); n != 0 {
		t.Errorf("Sweep after Lookup dropped %d handles, want 0", n)
	}
	store.ReleaseAll()
}

func TestHandleStore_ReleaseAll(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)
	ex.Pin()

	store.Create(ex, f)
	store.Create(ex, f)
	before := ex.RefCount()

	store.ReleaseAll()

	if store.Len() != 0 {
		t.Errorf("Len after ReleaseAll = %d, want 0", store.Len())
	}
	if got := ex.RefCount(); got != before-2 {
		t.Errorf("RefCount after ReleaseAll = %d, want %d", got, before-2)
	}
}

func TestHandleStore_Sweeper(t *testing.T) {
	store := NewHandleStore()
	ex, f := newPinnedExecutable(t, addSrc)

	store.Create(ex, f)
	stop := store.StartSweeper(5*time.Millisecond, time.Nanosecond)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Len() != 0 {
		t.Error("sweeper should expire the idle handle")
	}
}
