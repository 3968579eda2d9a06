package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/loom/pkg/asm"
	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sirvm"
	"github.com/chazu/loom/pkg/target"
)

func testReport(t *testing.T, name, src string) *report.Report {
	t.Helper()
	vm, err := sirvm.New("sirtest", target.DispatchSwitch, "", 8)
	require.NoError(t, err)
	mr, err := asm.Assemble(vm, name, src)
	require.NoError(t, err)
	ex, err := routine.Specialize(mr)
	require.NoError(t, err)
	t.Cleanup(ex.Unpin)
	return report.New(ex)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	rep := testReport(t, "adder", "push 2; push 3; addi; exit")

	require.NoError(t, r.Put(ctx, rep))

	got, err := r.Get(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, rep, got)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	_, err := r.Get(ctx, report.Compute("sirtest", target.DispatchSwitch, "exit"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHas(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	rep := testReport(t, "adder", "push 2; push 3; addi; exit")

	ok, err := r.Has(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.Put(ctx, rep))

	ok, err = r.Has(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	rep := testReport(t, "adder", "push 2; push 3; addi; exit")

	require.NoError(t, r.Put(ctx, rep))
	require.NoError(t, r.Put(ctx, rep))

	n, err := r.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPutRefusesUnfingerprinted(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	err := r.Put(ctx, &report.Report{Name: "anon"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no fingerprint")
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)

	a := testReport(t, "a", "push 1; exit")
	b := testReport(t, "b", "push 2; exit")
	require.NoError(t, r.Put(ctx, a))
	require.NoError(t, r.Put(ctx, b))

	entries, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
		require.Equal(t, "sirtest", e.VM)
		require.Equal(t, "switch", e.Dispatch)
		require.NotZero(t, e.Instructions)
		require.False(t, e.CreatedTime().IsZero())
		_, err := report.ParseFingerprint(e.Fingerprint)
		require.NoError(t, err)
	}
	require.True(t, names["a"] && names["b"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t)
	rep := testReport(t, "adder", "push 2; push 3; addi; exit")

	require.NoError(t, r.Put(ctx, rep))
	require.NoError(t, r.Delete(ctx, rep.Fingerprint))

	ok, err := r.Has(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, r.Delete(ctx, rep.Fingerprint), ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loom.db")
	rep := testReport(t, "adder", "push 2; push 3; addi; exit")

	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Put(ctx, rep))
	require.NoError(t, r.Close())

	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get(ctx, rep.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, rep, got)
}
