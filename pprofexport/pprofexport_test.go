package pprofexport

import (
	"bytes"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/tombergan/unwinddiag/unwind"
)

func testSummary() *unwind.Summary {
	aout := &unwind.Module{Name: "a.out", ID: "5EC1DEAD"}
	frame := func(index uint, pc, fp uint64, sym string, start uint64) unwind.ResolvedFrame {
		f := unwind.Frame{Index: index, PC: pc, FP: fp}
		rf := unwind.ResolvedFrame{Frame: f, Lookup: unwind.LookupAddress(f)}
		if sym != "" {
			rf.Location = unwind.Location{Module: aout, Symbol: &unwind.Symbol{Name: sym, Start: start}}
		}
		return rf
	}
	return &unwind.Summary{
		Thread:  1,
		Profile: unwind.Classify("x86_64-unknown-linux-gnu"),
		Primary: []unwind.ResolvedFrame{
			frame(0, 0x401010, 0x7ff000, "leaf", 0x401000),
			frame(1, 0x402020, 0x7ff100, "middle", 0x402001),
			frame(2, 0x403030, 0x7ff200, "main", 0x403001),
		},
		Naive: []unwind.ResolvedFrame{
			frame(0, 0x401010, 0x7ff000, "leaf", 0x401000),
			frame(1, 0x402020, 0x7ff100, "middle", 0x402001),
			frame(2, 0x404040, 0x7ff200, "main", 0x403001),
			frame(3, 0x505050, 0, "", 0),
		},
	}
}

func TestBuild(t *testing.T) {
	p, err := Build(testSummary())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("got %d samples want 2", len(p.Sample))
	}
	for k, want := range []struct {
		label  string
		frames int
	}{
		{Primary, 3},
		{Naive, 4},
	} {
		s := p.Sample[k]
		if got := s.Label[LabelUnwinder]; len(got) != 1 || got[0] != want.label {
			t.Errorf("sample %d label=%v want %s", k, got, want.label)
		}
		if len(s.Location) != want.frames || s.Value[0] != int64(want.frames) {
			t.Errorf("sample %d has %d locations, value %d; want %d", k, len(s.Location), s.Value[0], want.frames)
		}
	}

	// leaf and middle are shared; main appears at two addresses.
	if len(p.Location) != 5 {
		t.Errorf("got %d locations want 5", len(p.Location))
	}
	if len(p.Function) != 3 {
		t.Errorf("got %d functions want 3", len(p.Function))
	}
	if len(p.Mapping) != 1 || p.Mapping[0].File != "a.out" || p.Mapping[0].BuildID != "5EC1DEAD" {
		t.Errorf("mappings=%v", p.Mapping)
	}
	if p.Sample[0].Location[0] != p.Sample[1].Location[0] {
		t.Errorf("frame 0 locations are not shared")
	}
	last := p.Sample[1].Location[3]
	if last.Mapping != nil || len(last.Line) != 0 || last.Address != 0x505050 {
		t.Errorf("unresolved frame location=%+v", last)
	}
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	sum := testSummary()
	sum.Truncated = true
	if err := Write(&buf, sum); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("profile.Parse: %v", err)
	}
	if len(p.Sample) != 2 || p.Sample[1].Location[2].Line[0].Function.Name != "main" {
		t.Errorf("parsed profile:\n%s", p)
	}
	if got := p.Comments[len(p.Comments)-1]; got != "simple walk truncated" {
		t.Errorf("last comment=%q", got)
	}
}

func TestBuildNil(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Errorf("Build(nil) succeeded")
	}
}
