package integration_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chazu/loom/pkg/engine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/target"
)

// ---------------------------------------------------------------------------
// Integration test helpers
// ---------------------------------------------------------------------------

// writeConfig writes a loom.toml into its own directory and loads it
// back, replicating the cmd/loom configuration path.
func writeConfig(t *testing.T, dispatch string) *target.Config {
	t.Helper()
	dir := t.TempDir()
	toml := fmt.Sprintf(`[vm]
name = "itest"
dispatch = %q
fast-registers = 4

[engine]
cache = 16
registry = "loom.db"
`, dispatch)
	if err := os.WriteFile(filepath.Join(dir, "loom.toml"), []byte(toml), 0o644); err != nil {
		t.Fatalf("writing loom.toml: %v", err)
	}

	cfg, err := target.Load(dir)
	if err != nil {
		t.Fatalf("target.Load = %v", err)
	}
	return cfg
}

// openEngine builds an engine from a fresh configuration and tears it
// down with the test.
func openEngine(t *testing.T, dispatch string) *engine.Engine {
	t.Helper()
	eng, err := engine.FromConfig(writeConfig(t, dispatch))
	if err != nil {
		t.Fatalf("engine.FromConfig = %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func runSrc(t *testing.T, eng *engine.Engine, name, src string) []sir.Word {
	t.Helper()
	stack, err := eng.Run(context.Background(), name, src, 1_000_000)
	if err != nil {
		t.Fatalf("Run(%s) = %v", name, err)
	}
	return stack
}

// ---------------------------------------------------------------------------
// Sample routines
// ---------------------------------------------------------------------------

// fibSrc leaves fib(10) = 55 on the stack.
const fibSrc = `push 10
pop %r0
push 0
pop %r1
push 1
pop %r2
$loop:
push %r0
bzi $done
drop
push %r2
push %r1
push %r2
addi
pop %r2
pop %r1
push %r0
push 1
subi
pop %r0
ba $loop
$done:
drop
push %r1
exit`

// sumSrc sums 1..100 in the template shorthand, leaving 5050.
const sumSrc = `push 100; pop %r0
push 0; pop %r1
.loop:
push %r0; bzi .done; drop
push %r1; push %r0; addi; pop %r1
push %r0; push 1; subi; pop %r0
ba .loop
.done:
drop
push %r1
exit`

// doublingsSrc doubles a long until it overflows, leaving 62.
const doublingsSrc = `push 0; pop %r0
push 1
$again:
push 2
mullof
bnzi $stop
drop
push %r0; push 1; addi; pop %r0
ba $again
$stop:
drop
drop
push %r0
exit`

// shuffleSrc exercises the stack shufflers and a conditional.
const shuffleSrc = `push 10
push 4
swap
over
mull
subl
dup
bzl $done
negl
$done:
exit`

// ---------------------------------------------------------------------------
// Configuration to execution
// ---------------------------------------------------------------------------

func TestConfiguredPipeline(t *testing.T) {
	cfg := writeConfig(t, "switch")
	eng, err := engine.FromConfig(cfg)
	if err != nil {
		t.Fatalf("engine.FromConfig = %v", err)
	}
	defer eng.Close()

	stack := runSrc(t, eng, "fib", fibSrc)
	if want := []sir.Word{55}; !reflect.DeepEqual(stack, want) {
		t.Errorf("fib stack = %v, want %v", stack, want)
	}

	// The run went through Specialize, so the registry got the report.
	if _, err := os.Stat(cfg.RegistryPath()); err != nil {
		t.Errorf("registry file: %v", err)
	}
	st, err := eng.Stat(context.Background())
	if err != nil {
		t.Fatalf("Stat = %v", err)
	}
	if st.VM != "itest" || st.Dispatch != "switch" {
		t.Errorf("Stat target = %s/%s, want itest/switch", st.VM, st.Dispatch)
	}
	if st.Persisted != 1 {
		t.Errorf("Stat.Persisted = %d, want 1", st.Persisted)
	}
}

// ---------------------------------------------------------------------------
// Dispatch strategy agreement
// ---------------------------------------------------------------------------

// The array dispatches must be indistinguishable from the outside:
// identical stacks and identical executed-instruction totals for any
// routine.
func TestDispatchesAgree(t *testing.T) {
	routines := []struct {
		name string
		src  string
	}{
		{"fib", fibSrc},
		{"sum", sumSrc},
		{"doublings", doublingsSrc},
		{"shuffle", shuffleSrc},
	}

	sw := openEngine(t, "switch")
	dt := openEngine(t, "direct-threading")

	for _, r := range routines {
		t.Run(r.name, func(t *testing.T) {
			a, aprof, err := sw.Profile(context.Background(), r.name, r.src, 1_000_000)
			if err != nil {
				t.Fatalf("switch Profile = %v", err)
			}
			b, bprof, err := dt.Profile(context.Background(), r.name, r.src, 1_000_000)
			if err != nil {
				t.Fatalf("direct-threading Profile = %v", err)
			}

			if !reflect.DeepEqual(a, b) {
				t.Errorf("stacks disagree: switch %v, direct-threading %v", a, b)
			}
			if aprof.Total() != bprof.Total() {
				t.Errorf("executed totals disagree: switch %d, direct-threading %d",
					aprof.Total(), bprof.Total())
			}
		})
	}
}

func TestExpectedResults(t *testing.T) {
	eng := openEngine(t, "direct-threading")

	tests := []struct {
		name string
		src  string
		want []sir.Word
	}{
		{"fib", fibSrc, []sir.Word{55}},
		{"sum", sumSrc, []sir.Word{5050}},
		{"doublings", doublingsSrc, []sir.Word{62}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runSrc(t, eng, tt.name, tt.src); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("stack = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Fingerprinting and the registry
// ---------------------------------------------------------------------------

// Fingerprints derive from the canonical listing: respelling a routine
// with the template shorthand changes nothing. Spellings are checked in
// separate engines so no cache can conflate them.
func TestFingerprintIgnoresSpelling(t *testing.T) {
	plain := "push 2\npush 3\naddi\nexit"
	sugar := "push 2; push 3; addi; exit # same routine"

	a := openEngine(t, "switch")
	b := openEngine(t, "switch")

	ex1, rep1, err := a.Specialize(context.Background(), "plain", plain)
	if err != nil {
		t.Fatalf("Specialize(plain) = %v", err)
	}
	ex1.Unpin()
	ex2, rep2, err := b.Specialize(context.Background(), "sugar", sugar)
	if err != nil {
		t.Fatalf("Specialize(sugar) = %v", err)
	}
	ex2.Unpin()

	if rep1.Fingerprint != rep2.Fingerprint {
		t.Errorf("fingerprints differ: %s vs %s", rep1.Fingerprint, rep2.Fingerprint)
	}
}

// A report outlives its engine: a new engine over the same registry can
// look it up and rebuild the executable from the stored source.
func TestRegistrySurvivesRestart(t *testing.T) {
	cfg := writeConfig(t, "switch")

	first, err := engine.FromConfig(cfg)
	if err != nil {
		t.Fatalf("engine.FromConfig = %v", err)
	}
	ex, rep, err := first.Specialize(context.Background(), "fib", fibSrc)
	if err != nil {
		t.Fatalf("Specialize = %v", err)
	}
	ex.Unpin()
	if err := first.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}

	second, err := engine.FromConfig(cfg)
	if err != nil {
		t.Fatalf("engine.FromConfig again = %v", err)
	}
	defer second.Close()

	stored, err := second.Report(context.Background(), rep.Fingerprint)
	if err != nil {
		t.Fatalf("Report = %v", err)
	}
	if stored.Name != "fib" || stored.SourceText != fibSrc {
		t.Errorf("stored report = %q (%d source bytes), want fib", stored.Name, len(stored.SourceText))
	}

	ex2, rep2, err := second.Specialize(context.Background(), stored.Name, stored.SourceText)
	if err != nil {
		t.Fatalf("rebuild Specialize = %v", err)
	}
	defer ex2.Unpin()
	if rep2.Fingerprint != rep.Fingerprint {
		t.Errorf("rebuilt fingerprint = %s, want %s", rep2.Fingerprint, rep.Fingerprint)
	}

	entries, err := second.List(context.Background())
	if err != nil {
		t.Fatalf("List = %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "fib" {
		t.Errorf("List = %v, want the one fib entry", entries)
	}
}
