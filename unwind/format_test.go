package unwind

import "testing"

func TestFormatFrame(t *testing.T) {
	foo := &Symbol{Name: "foo", Start: 0x1000}
	aout := &Module{Name: "a.out", ID: "1234ABCD"}
	tests := []struct {
		frame Frame
		width int
		loc   Location
		want  string
	}{
		{
			Frame{Index: 1, PC: 0x2000, FP: 0x7ff0},
			16,
			Location{Module: aout, Symbol: foo},
			" 1: pc==0x0000000000002000 fp==0x0000000000007ff0 a.out 1234ABCD foo + 4095",
		},
		{
			Frame{Index: 0, PC: 0x2000, FP: 0x7ff0},
			16,
			Location{Module: aout, Symbol: foo},
			" 0: pc==0x0000000000002000 fp==0x0000000000007ff0 a.out 1234ABCD foo + 4096",
		},
		{
			Frame{Index: 12, PC: 0x2000, FP: 0x7ff0},
			8,
			Location{Module: aout},
			"12: pc==0x00002000 fp==0x00007ff0 a.out 1234ABCD",
		},
		{
			Frame{Index: 2, PC: 0x2000, FP: 0x7ff0},
			8,
			Location{Module: &Module{Name: "libc.so.6"}, Symbol: foo},
			" 2: pc==0x00002000 fp==0x00007ff0 libc.so.6 foo + 4095",
		},
		{
			Frame{Index: 2, PC: 0x2000, FP: 0x7ff0},
			8,
			Location{Module: &Module{ID: "CAFE"}},
			" 2: pc==0x00002000 fp==0x00007ff0 CAFE",
		},
		{
			Frame{Index: 3, PC: 0x2000, FP: 0x7ff0},
			8,
			Location{Module: &Module{}},
			" 3: pc==0x00002000 fp==0x00007ff0",
		},
		{
			Frame{Index: 3, PC: 0x2000, FP: 0x7ff0},
			8,
			Location{Module: &Module{}, Symbol: foo},
			" 3: pc==0x00002000 fp==0x00007ff0 foo + 4095",
		},
		{
			Frame{Index: 4, PC: 0, FP: 0},
			16,
			Location{},
			" 4: pc==0x0000000000000000 fp==0x0000000000000000",
		},
	}
	for _, test := range tests {
		if got := FormatFrame(test.frame, test.width, test.loc); got != test.want {
			t.Errorf("FormatFrame(%+v, %d)=\n%q want\n%q", test.frame, test.width, got, test.want)
		}
	}
}

func TestFormatterResolvesCallerAtPCMinusOne(t *testing.T) {
	target := &fakeTarget{syms: []fakeSym{{"foo", 0x1000, 0x3000}}}
	fm := NewFormatter(target, 8)

	rf := fm.Resolve(Frame{Index: 1, PC: 0x2000, FP: 0x10})
	if rf.Lookup != 0x1fff {
		t.Errorf("Lookup=0x%x want 0x1fff", rf.Lookup)
	}
	if off, ok := rf.Offset(); !ok || off != 0xfff {
		t.Errorf("Offset()=0x%x,%v want 0xfff,true", off, ok)
	}
	if rf.PC != 0x2000 {
		t.Errorf("printed PC=0x%x want 0x2000", rf.PC)
	}

	rf = fm.Resolve(Frame{Index: 0, PC: 0x2000, FP: 0x10})
	if off, ok := rf.Offset(); !ok || off != 0x1000 {
		t.Errorf("frame 0 Offset()=0x%x,%v want 0x1000,true", off, ok)
	}

	want := []uint64{0x1fff, 0x2000}
	if len(target.resolveLog) != len(want) || target.resolveLog[0] != want[0] || target.resolveLog[1] != want[1] {
		t.Errorf("resolved at %x want %x", target.resolveLog, want)
	}
}

func TestFormatterWidthFollowsProcess(t *testing.T) {
	fm := NewFormatter(&fakeTarget{}, 4)
	if got, want := fm.Line(Frame{Index: 0, PC: 0x10, FP: 0x20}), " 0: pc==0x00000010 fp==0x00000020"; got != want {
		t.Errorf("Line=%q want %q", got, want)
	}
}
