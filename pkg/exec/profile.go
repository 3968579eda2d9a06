package exec

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/chazu/loom/pkg/routine"
	"github.com/chazu/loom/pkg/target"
)

// Profile accumulates execution counts for one executable, one counter
// per specialized instruction. A single profile can back any number of
// states of that executable at once; counting is atomic.
type Profile struct {
	table   *target.SpecTable
	specOps []target.SpecOpcode
	counts  []atomic.Uint64
}

// NewProfile prepares an empty profile for ex. Attach it to states of
// that executable through their Profile field; a state of a different
// executable does not fit its counters.
func NewProfile(ex *routine.Executable) *Profile {
	return &Profile{
		table:   ex.VM().Table,
		specOps: append([]target.SpecOpcode(nil), ex.SpecOpcodes()...),
		counts:  make([]atomic.Uint64, ex.Len()),
	}
}

func (p *Profile) hit(pc int) {
	p.counts[pc].Add(1)
}

// Count returns how many times the instruction at index pc executed.
func (p *Profile) Count(pc int) uint64 {
	return p.counts[pc].Load()
}

// Total returns how many instructions executed overall.
func (p *Profile) Total() uint64 {
	var total uint64
	for i := range p.counts {
		total += p.counts[i].Load()
	}
	return total
}

// Reset zeroes every counter.
func (p *Profile) Reset() {
	for i := range p.counts {
		p.counts[i].Store(0)
	}
}

// Row is one specialized instruction's share of a profile.
type Row struct {
	Name  string
	Count uint64
}

// Rows aggregates the counts by specialized instruction, busiest first
// with ties broken by name. Instructions that never executed are left
// out.
func (p *Profile) Rows() []Row {
	byName := make(map[string]uint64)
	for pc := range p.counts {
		if n := p.counts[pc].Load(); n > 0 {
			byName[p.table.Name(p.specOps[pc])] += n
		}
	}

	rows := make([]Row, 0, len(byName))
	for name, count := range byName {
		rows = append(rows, Row{Name: name, Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Name < rows[j].Name
	})
	return rows
}

// String renders the aggregated profile as a table, busiest first.
func (p *Profile) String() string {
	total := p.Total()
	if total == 0 {
		return "; nothing executed\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; %d instructions executed\n", total))
	for _, r := range p.Rows() {
		sb.WriteString(fmt.Sprintf("%12d  %5.1f%%  %s\n",
			r.Count, 100*float64(r.Count)/float64(total), r.Name))
	}
	return sb.String()
}
