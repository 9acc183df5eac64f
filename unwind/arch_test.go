package unwind

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		triple    string
		wantWidth int
		wantFam   Family
	}{
		{"x86_64-unknown-linux-gnu", 8, FamilyX86_64},
		{"x86_64-apple-macosx", 8, FamilyX86_64},
		{"i386-apple-macosx", 4, FamilyX86},
		{"i386-unknown-linux-gnu", 4, FamilyX86},
		{"arm-unknown-linux-gnueabi", 4, FamilyARM},
		{"armv7-apple-ios", 4, FamilyARM},
		{"arm64-apple-ios", 4, FamilyARM},
		{"aarch64-unknown-linux-gnu", 0, FamilyOther},
		{"X86_64-unknown-linux-gnu", 0, FamilyOther},
		{"i686-pc-linux-gnu", 0, FamilyOther},
		{"", 0, FamilyOther},
	}
	for _, test := range tests {
		p := Classify(test.triple)
		if p.PointerWidth != test.wantWidth || p.Family != test.wantFam {
			t.Errorf("Classify(%q)=%v want %v/%d", test.triple, p, test.wantFam, test.wantWidth)
		}
		if got, want := p.Supported(), test.wantFam != FamilyOther; got != want {
			t.Errorf("Classify(%q).Supported()=%v want %v", test.triple, got, want)
		}
	}
}

func TestCodeAddress(t *testing.T) {
	tests := []struct {
		triple string
		pc     uint64
		want   uint64
	}{
		{"armv7-apple-ios", 0x4001, 0x4000},
		{"armv7-apple-ios", 0x4000, 0x4000},
		{"x86_64-apple-macosx", 0x4001, 0x4001},
		{"i386-apple-macosx", 0x4001, 0x4001},
		{"powerpc-unknown-linux", 0x4001, 0x4001},
	}
	for _, test := range tests {
		if got := Classify(test.triple).CodeAddress(test.pc); got != test.want {
			t.Errorf("Classify(%q).CodeAddress(0x%x)=0x%x want 0x%x", test.triple, test.pc, got, test.want)
		}
	}
}
