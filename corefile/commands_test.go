package corefile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tombergan/unwinddiag/unwind"
)

// funcProgram returns an amd64 program with one function, f, at 0x1000:
//
//	push %rbp; mov %rsp,%rbp; pop %rbp; ret
func funcProgram(t *testing.T) *Program {
	p := newTestProgram(t, machineAMD64)
	addMemory(t, p, 0x1000, []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3})
	p.addModule(&module{
		path: "/bin/t",
		lo:   0x1000,
		hi:   0x2000,
		id:   "0123ABCD",
		syms: newSymtab([]symbol{{name: "f", addr: 0x1000, size: 6}}),
	})
	return p
}

func TestDisassembleByAddress(t *testing.T) {
	p := funcProgram(t)
	var buf bytes.Buffer
	cmd := unwind.Command{Kind: unwind.CommandDisassemble, Addr: 0x1001, Flavor: "att"}
	if err := p.disassemble(&buf, cmd, 0); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines want 5:\n%s", len(lines), buf.String())
	}
	if lines[0] != "t`f:" {
		t.Errorf("header=%q want t`f:", lines[0])
	}
	if !strings.HasPrefix(lines[1], "    0x1000 <+0>: ") || !strings.Contains(lines[1], "push") {
		t.Errorf("line 1=%q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "->  0x1001 <+1>: ") || !strings.Contains(lines[2], "%rsp,%rbp") {
		t.Errorf("line 2=%q", lines[2])
	}
	if !strings.HasPrefix(lines[4], "    0x1005 <+5>: ") || !strings.Contains(lines[4], "ret") {
		t.Errorf("line 4=%q", lines[4])
	}
}

func TestDisassembleByName(t *testing.T) {
	p := funcProgram(t)
	var buf bytes.Buffer
	cmd := unwind.Command{Kind: unwind.CommandDisassemble, ByName: true, Function: "f"}
	if err := p.disassemble(&buf, cmd, 0); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	if strings.Contains(buf.String(), "->") {
		t.Errorf("by-name disassembly marks an instruction:\n%s", buf.String())
	}
	// Intel syntax when no flavor is given.
	if !strings.Contains(buf.String(), "mov rbp, rsp") {
		t.Errorf("want intel syntax, got:\n%s", buf.String())
	}
}

func TestDisassembleLimit(t *testing.T) {
	p := funcProgram(t)
	var buf bytes.Buffer
	cmd := unwind.Command{Kind: unwind.CommandDisassemble, Addr: 0x1000}
	if err := p.disassemble(&buf, cmd, 4); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "    ... 2 more bytes not shown\n") {
		t.Errorf("truncated disassembly:\n%s", buf.String())
	}
}

func TestFunctionForErrors(t *testing.T) {
	p := funcProgram(t)
	tests := []struct {
		cmd  unwind.Command
		want string
	}{
		{unwind.Command{ByName: true, Function: "g"}, `no function named "g"`},
		{unwind.Command{Addr: 0x9000}, "no module contains address 0x9000"},
		{unwind.Command{Addr: 0x1800}, "no function contains address 0x1800 in t"},
	}
	for _, test := range tests {
		_, _, err := p.functionFor(test.cmd)
		if err == nil || err.Error() != test.want {
			t.Errorf("functionFor(%s)=%v want %q", test.cmd, err, test.want)
		}
	}
}

func TestShowUnwindDefaultPlan(t *testing.T) {
	p := funcProgram(t)
	var buf bytes.Buffer
	cmd := unwind.Command{Kind: unwind.CommandShowUnwind, Addr: 0x1001}
	if err := p.showUnwind(&buf, cmd); err != nil {
		t.Fatalf("showUnwind: %v", err)
	}
	want := "UNWIND PLANS for t`f (start addr 0x1000)\n" +
		"\n" +
		"No CFI unwind plan covers 0x1001.\n" +
		"\n" +
		"Architecture default unwind plan:\n" +
		"row[0]:    0: CFA=rbp+16 => rbp=[CFA-16] rsp=CFA+0 rip=[CFA-8]\n"
	if got := buf.String(); got != want {
		t.Errorf("showUnwind:\n%s\nwant:\n%s", got, want)
	}
}

func TestDescribeFrameContextARM64(t *testing.T) {
	p := newTestProgram(t, machineARM64)
	got := p.describeFrameContext(machineARM64.defaultFrameContext())
	want := "CFA=x29+16 => x29=[CFA-16] x30=[CFA-8] sp=CFA+0"
	if got != want {
		t.Errorf("describeFrameContext=%q want %q", got, want)
	}
}
