package mcpserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/tombergan/unwinddiag/config"
)

func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	if _, err := NewServer(config.Default()).Connect(ctx, serverTransport, nil); err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestListTools(t *testing.T) {
	session := connect(t)
	res, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{"diagnose_unwind", "list_threads"} {
		if !got[name] {
			t.Errorf("tool %s not listed", name)
		}
	}
}

func TestToolErrors(t *testing.T) {
	session := connect(t)
	missing := filepath.Join(t.TempDir(), "core")
	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"diagnose_unwind", map[string]any{"core": ""}, "core is required"},
		{"diagnose_unwind", map[string]any{"core": missing}, "no such file"},
		{"list_threads", map[string]any{"core": missing}, "no such file"},
	}
	for _, test := range tests {
		res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: test.tool, Arguments: test.args})
		if err != nil {
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("%s(%v) err=%v want %q", test.tool, test.args, err, test.want)
			}
			continue
		}
		if !res.IsError || len(res.Content) == 0 {
			t.Errorf("%s(%v) succeeded", test.tool, test.args)
			continue
		}
		if text, ok := res.Content[0].(*mcp.TextContent); !ok || !strings.Contains(text.Text, test.want) {
			t.Errorf("%s(%v) content=%v want %q", test.tool, test.args, res.Content[0], test.want)
		}
	}
}

// writeCore writes a minimal x86-64 Linux core to a temporary file. Its one
// thread, pid 42, stopped on signal 11 in a three-deep frame-pointer chain:
//
//	rip=0x401010 rbp=0x7ff900
//	[0x7ff900]=0x7ffa00 [0x7ff908]=0x402020
//	[0x7ffa00]=0        [0x7ffa08]=0x403030
func writeCore(t *testing.T) string {
	t.Helper()
	le := binary.LittleEndian
	le64 := func(b *bytes.Buffer, vs ...uint64) {
		for _, v := range vs {
			binary.Write(b, le, v)
		}
	}

	// NT_PRSTATUS: siginfo, cursig, pad, sigpend, sighold, pid, ppid,
	// pgrp, sid, four timevals, then the 27 general registers.
	var desc bytes.Buffer
	desc.Write(make([]byte, 12))
	binary.Write(&desc, le, uint16(11))
	desc.Write(make([]byte, 2+16))
	binary.Write(&desc, le, uint32(42))
	desc.Write(make([]byte, 12+64))
	regs := make([]uint64, 27)
	regs[4], regs[16], regs[19] = 0x7ff900, 0x401010, 0x7ff800 // rbp, rip, rsp
	le64(&desc, regs...)

	var notes bytes.Buffer
	binary.Write(&notes, le, [3]uint32{5, uint32(desc.Len()), 1})
	notes.WriteString("CORE\x00\x00\x00\x00")
	notes.Write(desc.Bytes())

	stack := make([]byte, 0x1000)
	for addr, v := range map[uint64]uint64{0x7ff900: 0x7ffa00, 0x7ff908: 0x402020, 0x7ffa00: 0, 0x7ffa08: 0x403030} {
		le.PutUint64(stack[addr-0x7ff000:], v)
	}

	const ehsize, phentsize = 64, 56
	type phdr struct {
		Type, Flags                             uint32
		Off, Vaddr, Paddr, Filesz, Memsz, Align uint64
	}
	var b bytes.Buffer
	b.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	b.Write(make([]byte, 8))
	binary.Write(&b, le, struct {
		Type, Machine              uint16
		Version                    uint32
		Entry, Phoff, Shoff        uint64
		Flags                      uint32
		Ehsize, Phentsize, Phnum   uint16
		Shentsize, Shnum, Shstrndx uint16
	}{4, 62, 1, 0, ehsize, 0, 0, ehsize, phentsize, 2, 64, 0, 0})
	off := uint64(ehsize + 2*phentsize)
	binary.Write(&b, le, phdr{Type: 4, Off: off, Filesz: uint64(notes.Len()), Align: 4})
	off += uint64(notes.Len())
	binary.Write(&b, le, phdr{Type: 1, Flags: 6, Off: off, Vaddr: 0x7ff000, Filesz: uint64(len(stack)), Memsz: uint64(len(stack)), Align: 0x1000})
	b.Write(notes.Bytes())
	b.Write(stack)

	path := filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func callText(t *testing.T, session *mcp.ClientSession, tool string, args map[string]any) string {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		t.Fatalf("%s(%v): %v", tool, args, err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("%s(%v) failed: %v", tool, args, res.Content)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("%s(%v) content is %T, not text", tool, args, res.Content[0])
	}
	return text.Text
}

func TestListThreadsOnCore(t *testing.T) {
	session := connect(t)
	got := callText(t, session, "list_threads", map[string]any{"core": writeCore(t)})
	want := "* thread 1: pid 42 signal 11 pc==0x0000000000401010 fp==0x00000000007ff900"
	if !strings.HasPrefix(got, want) || strings.Count(got, "\n") != 1 {
		t.Errorf("list_threads=%q want one line starting %q", got, want)
	}
}

func TestDiagnoseUnwindOnCore(t *testing.T) {
	session := connect(t)
	core := writeCore(t)
	report := callText(t, session, "diagnose_unwind", map[string]any{"core": core, "thread": 1})
	for _, s := range []string{
		"Unwind diagnostics for thread 1\n",
		"Primary unwind algorithm:\n",
		"Simple stack walk algorithm:\n",
		" 1: pc==0x0000000000402020 fp==0x00000000007ffa00",
		" 2: pc==0x0000000000403030 fp==0x0000000000000000",
	} {
		if !strings.Contains(report, s) {
			t.Errorf("report is missing %q:\n%s", s, report)
		}
	}

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "diagnose_unwind",
		Arguments: map[string]any{"core": core, "thread": 5},
	})
	if err == nil && !res.IsError {
		t.Errorf("diagnose_unwind(thread 5) succeeded")
	}
}
