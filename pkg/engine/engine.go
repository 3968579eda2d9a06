// Package engine is the working face of the stack: it assembles source
// text, specializes it for one target, and serves repeated requests from
// a bounded cache of pinned executables, persisting each specialization
// report to the registry as it happens.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tliron/commonlog"

	"github.com/chazu/loom/pkg/asm"
	"github.com/chazu/loom/pkg/exec"
	"github.com/chazu/loom/pkg/registry"
	"github.com/chazu/loom/pkg/report"
	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/sir"
	"github.com/chazu/loom/pkg/sirvm"
	"github.com/chazu/loom/pkg/target"
)

var log = commonlog.GetLogger("loom.engine")

// Engine ties assembler, specializer, cache and registry together for a
// single target. Cached executables are identified by fingerprint, so two
// sources that canonicalize to the same listing share one specialization
// whatever their spelling. All methods are safe for concurrent use.
type Engine struct {
	vm  *target.VM
	reg *registry.Registry

	mu    sync.Mutex
	opts  routine.Options
	cache *simplelru.LRU[report.Fingerprint, *routine.Executable]
	size  int

	hits   uint64
	misses uint64
}

// New builds an engine over vm. cacheSize bounds how many executables
// stay pinned at once; reg may be nil to run without persistence, in
// which case the engine does not own a registry to close.
func New(vm *target.VM, cacheSize int, reg *registry.Registry) (*Engine, error) {
	e := &Engine{
		vm:   vm,
		reg:  reg,
		opts: routine.DefaultOptions(),
		size: cacheSize,
	}
	cache, err := simplelru.NewLRU[report.Fingerprint, *routine.Executable](cacheSize, e.evict)
	if err != nil {
		return nil, fmt.Errorf("bad cache size %d: %w", cacheSize, err)
	}
	e.cache = cache
	return e, nil
}

// FromConfig builds the engine a configuration describes: the stock VM,
// the configured cache size, and the registry at its configured path.
func FromConfig(cfg *target.Config) (*Engine, error) {
	vm, err := sirvm.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(cfg.RegistryPath())
	if err != nil {
		return nil, err
	}
	e, err := New(vm, cfg.Engine.Cache, reg)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return e, nil
}

// VM returns the target this engine specializes for.
func (e *Engine) VM() *target.VM {
	return e.vm
}

// SetOptions replaces the specialization options applied to every routine
// the engine assembles from now on. The cache is purged: its executables
// were built under the old options and no longer match.
func (e *Engine) SetOptions(o routine.Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = o
	e.cache.Purge()
}

// evict runs inside the cache, under e.mu.
func (e *Engine) evict(f report.Fingerprint, ex *routine.Executable) {
	log.Debugf("evicting %q (%s)", ex.Name(), f)
	ex.Unpin()
}

// Specialize assembles src and specializes it for the engine's target.
// Repeats are detected by content, not name: a second source with the
// same canonical listing is served from the cache under the name it was
// first specialized with.
//
// The returned executable is pinned for the caller, who must release it
// with Unpin. The report is rebuilt on cache hits and is identical to the
// one produced by the original specialization.
func (e *Engine) Specialize(ctx context.Context, name, src string) (*routine.Executable, *report.Report, error) {
	e.mu.Lock()
	mr, err := asm.AssembleOptions(e.vm, name, src, e.opts)
	if err != nil {
		e.mu.Unlock()
		return nil, nil, err
	}
	fp := report.Compute(e.vm.Name, e.vm.Dispatch, mr.String())

	if ex, ok := e.cache.Get(fp); ok {
		e.hits++
		mr.Destroy()
		ex.Pin()
		rep := report.New(ex)
		e.mu.Unlock()
		log.Debugf("cache hit for %q (%s)", name, fp)
		return ex, rep, nil
	}
	e.misses++

	ex, err := routine.Specialize(mr)
	if err != nil {
		mr.Destroy()
		e.mu.Unlock()
		return nil, nil, err
	}
	rep := report.New(ex)
	e.cache.Add(fp, ex) // the specialization's pin becomes the cache's
	ex.Pin()            // and this one is the caller's
	e.mu.Unlock()

	if e.reg != nil {
		if err := e.reg.Put(ctx, rep); err != nil {
			log.Errorf("registry put for %q: %v", name, err)
		}
	}
	log.Infof("specialized %q for %s/%s: %d instructions", name, e.vm.Name, e.vm.Dispatch, rep.Instructions)
	return ex, rep, nil
}

// Lookup returns the cached executable for a fingerprint, pinned for the
// caller, or false when the fingerprint is not in the cache.
func (e *Engine) Lookup(f report.Fingerprint) (*routine.Executable, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.cache.Get(f)
	if !ok {
		return nil, false
	}
	ex.Pin()
	return ex, true
}

// Disassemble specializes src and renders the listing of what came out.
func (e *Engine) Disassemble(ctx context.Context, name, src string) (string, error) {
	ex, rep, err := e.Specialize(ctx, name, src)
	if err != nil {
		return "", err
	}
	ex.Unpin()
	return rep.Listing, nil
}

// Run specializes src and executes it on a fresh state, returning the
// final main stack bottom first. maxSteps bounds execution, zero meaning
// unbounded. Only the array dispatch strategies can run in-process.
func (e *Engine) Run(ctx context.Context, name, src string, maxSteps int) ([]sir.Word, error) {
	ex, _, err := e.Specialize(ctx, name, src)
	if err != nil {
		return nil, err
	}
	defer ex.Unpin()

	st, err := exec.NewState(ex)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	st.MaxSteps = maxSteps

	if err := st.Run(); err != nil {
		return nil, err
	}
	return st.Stack(), nil
}

// Profile is Run with execution counting: alongside the final stack it
// returns how often each specialized instruction executed.
func (e *Engine) Profile(ctx context.Context, name, src string, maxSteps int) ([]sir.Word, *exec.Profile, error) {
	ex, _, err := e.Specialize(ctx, name, src)
	if err != nil {
		return nil, nil, err
	}
	defer ex.Unpin()

	st, err := exec.NewState(ex)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()
	st.MaxSteps = maxSteps
	st.Profile = exec.NewProfile(ex)

	if err := st.Run(); err != nil {
		return nil, nil, err
	}
	return st.Stack(), st.Profile, nil
}

// Report fetches a stored report from the registry by fingerprint.
func (e *Engine) Report(ctx context.Context, f report.Fingerprint) (*report.Report, error) {
	if e.reg == nil {
		return nil, registry.ErrNotFound
	}
	return e.reg.Get(ctx, f)
}

// List returns the registry's entries, newest first. Without a registry
// the list is empty.
func (e *Engine) List(ctx context.Context) ([]registry.Entry, error) {
	if e.reg == nil {
		return nil, nil
	}
	return e.reg.List(ctx)
}

// Stats is a point-in-time picture of the engine.
type Stats struct {
	VM        string
	Dispatch  string
	CacheLen  int
	CacheSize int
	Hits      uint64
	Misses    uint64
	Persisted int // reports in the registry, -1 without one
}

// Stat reports cache and registry occupancy.
func (e *Engine) Stat(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	s := Stats{
		VM:        e.vm.Name,
		Dispatch:  e.vm.Dispatch.String(),
		CacheLen:  e.cache.Len(),
		CacheSize: e.size,
		Hits:      e.hits,
		Misses:    e.misses,
		Persisted: -1,
	}
	e.mu.Unlock()

	if e.reg != nil {
		n, err := e.reg.Count(ctx)
		if err != nil {
			return Stats{}, err
		}
		s.Persisted = n
	}
	return s, nil
}

// Close evicts every cached executable and closes the registry. Cached
// executables still pinned by callers survive until those pins drop.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.cache.Purge()
	e.mu.Unlock()
	if e.reg != nil {
		return e.reg.Close()
	}
	return nil
}
