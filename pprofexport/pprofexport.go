// Package pprofexport converts the backtraces of an unwind report into a
// pprof profile, so the primary and simple-walk stacks can be compared
// with pprof's viewers.
//
// The profile has one sample per backtrace, labeled "unwinder" with value
// "primary" or "naive". Each sample's value is its frame count.
package pprofexport

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"github.com/tombergan/unwinddiag/unwind"
)

// Labels of the two samples.
const (
	LabelUnwinder = "unwinder"
	Primary       = "primary"
	Naive         = "naive"
)

// Build returns a profile holding the backtraces of sum.
func Build(sum *unwind.Summary) (*profile.Profile, error) {
	if sum == nil {
		return nil, fmt.Errorf("pprofexport: no report summary")
	}
	b := &builder{
		p: &profile.Profile{
			SampleType:        []*profile.ValueType{{Type: "frames", Unit: "count"}},
			DefaultSampleType: "frames",
		},
		mappings:  map[unwind.Module]*profile.Mapping{},
		functions: map[functionKey]*profile.Function{},
		locations: map[locationKey]*profile.Location{},
	}
	b.p.Comments = []string{
		fmt.Sprintf("thread %d", sum.Thread),
		fmt.Sprintf("host %s, profile %s", sum.Version, sum.Profile),
	}
	b.sample(Primary, sum.Primary)
	b.sample(Naive, sum.Naive)
	if sum.Truncated {
		b.p.Comments = append(b.p.Comments, "simple walk truncated")
	}
	if err := b.p.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofexport: %w", err)
	}
	return b.p, nil
}

// Write builds the profile for sum and writes it gzip-compressed to w.
func Write(w io.Writer, sum *unwind.Summary) error {
	p, err := Build(sum)
	if err != nil {
		return err
	}
	return p.Write(w)
}

type functionKey struct {
	module string
	name   string
}

type locationKey struct {
	addr   uint64
	lookup uint64
}

type builder struct {
	p         *profile.Profile
	mappings  map[unwind.Module]*profile.Mapping
	functions map[functionKey]*profile.Function
	locations map[locationKey]*profile.Location
}

func (b *builder) sample(unwinder string, frames []unwind.ResolvedFrame) {
	s := &profile.Sample{
		Value: []int64{int64(len(frames))},
		Label: map[string][]string{LabelUnwinder: {unwinder}},
	}
	for _, rf := range frames {
		s.Location = append(s.Location, b.location(rf))
	}
	b.p.Sample = append(b.p.Sample, s)
}

// location returns the profile location for rf, creating it on first use.
// Frames at the same pc share a location unless they were resolved at
// different lookup addresses.
func (b *builder) location(rf unwind.ResolvedFrame) *profile.Location {
	key := locationKey{rf.PC, rf.Lookup}
	if loc, ok := b.locations[key]; ok {
		return loc
	}
	loc := &profile.Location{
		ID:      uint64(len(b.p.Location) + 1),
		Address: rf.PC,
		Mapping: b.mapping(rf.Location.Module),
	}
	if sym := rf.Location.Symbol; sym != nil {
		loc.Line = []profile.Line{{Function: b.function(rf.Location.Module, sym)}}
	}
	b.locations[key] = loc
	b.p.Location = append(b.p.Location, loc)
	return loc
}

func (b *builder) mapping(m *unwind.Module) *profile.Mapping {
	if m == nil {
		return nil
	}
	if mp, ok := b.mappings[*m]; ok {
		return mp
	}
	mp := &profile.Mapping{
		ID:           uint64(len(b.p.Mapping) + 1),
		File:         m.Name,
		BuildID:      m.ID,
		HasFunctions: true,
	}
	b.mappings[*m] = mp
	b.p.Mapping = append(b.p.Mapping, mp)
	return mp
}

func (b *builder) function(m *unwind.Module, sym *unwind.Symbol) *profile.Function {
	key := functionKey{name: sym.Name}
	if m != nil {
		key.module = m.Name + " " + m.ID
	}
	if fn, ok := b.functions[key]; ok {
		return fn
	}
	fn := &profile.Function{
		ID:         uint64(len(b.p.Function) + 1),
		Name:       sym.Name,
		SystemName: sym.Name,
	}
	if m != nil {
		fn.Filename = m.Name
	}
	b.functions[key] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}
