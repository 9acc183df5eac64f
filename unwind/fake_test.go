package unwind

import (
	"errors"
	"fmt"
	"io"
)

// fakeMemory maps addresses to pointer-sized values.
type fakeMemory map[uint64]uint64

func (m fakeMemory) ReadPointer(addr uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

// failingMemory fails every read.
type failingMemory struct{}

func (failingMemory) ReadPointer(uint64) (uint64, bool) { return 0, false }

type fakeFrame struct {
	id      int
	pc, fp  uint64
	inlined bool
	fn      string
	regs    map[string]uint64
}

func (f *fakeFrame) FrameID() int         { return f.id }
func (f *fakeFrame) PC() uint64           { return f.pc }
func (f *fakeFrame) FP() uint64           { return f.fp }
func (f *fakeFrame) IsInlined() bool      { return f.inlined }
func (f *fakeFrame) FunctionName() string { return f.fn }

func (f *fakeFrame) ReadRegister(name string) (uint64, bool) {
	v, ok := f.regs[name]
	return v, ok
}

type fakeThread struct {
	id     int
	frames []StackFrame
}

func (t *fakeThread) IndexID() int         { return t.id }
func (t *fakeThread) Frames() []StackFrame { return t.frames }

type fakeProcess struct {
	mem      PointerReader
	addrSize int
	thread   *fakeThread
}

func (p *fakeProcess) ReadPointer(addr uint64) (uint64, bool) { return p.mem.ReadPointer(addr) }
func (p *fakeProcess) AddressByteSize() int                 { return p.addrSize }

func (p *fakeProcess) SelectedThread() (Thread, bool) {
	if p.thread == nil {
		return nil, false
	}
	return p.thread, true
}

type fakeSym struct {
	name       string
	start, end uint64
}

type fakeTarget struct {
	triple     string
	proc       *fakeProcess
	module     Module
	modLo      uint64
	modHi      uint64
	syms       []fakeSym
	resolveLog []uint64
}

func (t *fakeTarget) Triple() string { return t.triple }

func (t *fakeTarget) Process() (Process, bool) {
	if t.proc == nil {
		return nil, false
	}
	return t.proc, true
}

func (t *fakeTarget) ResolveLoadAddress(addr uint64) Location {
	t.resolveLog = append(t.resolveLog, addr)
	var loc Location
	if t.modLo <= addr && addr < t.modHi {
		m := t.module
		loc.Module = &m
	}
	for _, s := range t.syms {
		if s.start <= addr && addr < s.end {
			loc.Symbol = &Symbol{Name: s.name, Start: s.start}
		}
	}
	return loc
}

type fakeDebugger struct {
	version string
	target  *fakeTarget
	cmds    []Command
	cmdErr  error
}

func (d *fakeDebugger) VersionString() string { return d.version }

func (d *fakeDebugger) SelectedTarget() (Target, bool) {
	if d.target == nil {
		return nil, false
	}
	return d.target, true
}

func (d *fakeDebugger) RunCommand(cmd Command, w io.Writer) error {
	d.cmds = append(d.cmds, cmd)
	if d.cmdErr != nil {
		return d.cmdErr
	}
	_, err := fmt.Fprintf(w, "(%s)\n", cmd)
	return err
}

// failingWriter fails every write.
type failingWriter struct{}

var errWrite = errors.New("write failed")

func (failingWriter) Write([]byte) (int, error) { return 0, errWrite }

// threeFrameDebugger returns a session stopped in leaf <- middle <- main on
// x86_64, with a standard frame-pointer chain in memory and an inlined
// frame on top.
func threeFrameDebugger() *fakeDebugger {
	mem := fakeMemory{
		0x7ff100: 0x7ff200, 0x7ff108: 0x403030,
		0x7ff200: 0, 0x7ff208: 0x404040,
	}
	thread := &fakeThread{id: 1, frames: []StackFrame{
		&fakeFrame{id: 0, pc: 0x401010, fp: 0x7ff000, inlined: true, fn: "helper"},
		&fakeFrame{id: 1, pc: 0x401010, fp: 0x7ff000, fn: "leaf"},
		&fakeFrame{id: 2, pc: 0x402020, fp: 0x7ff100, fn: "middle"},
		&fakeFrame{id: 3, pc: 0x403030, fp: 0x7ff200, fn: "main"},
	}}
	return &fakeDebugger{
		version: "lldb-300.2.24",
		target: &fakeTarget{
			triple: "x86_64-apple-macosx",
			proc:   &fakeProcess{mem: mem, addrSize: 8, thread: thread},
			module: Module{Name: "a.out", ID: "5EC1DEAD"},
			modLo:  0x400000,
			modHi:  0x404000,
			syms: []fakeSym{
				{"leaf", 0x401000, 0x402000},
				{"middle", 0x402000, 0x403000},
				{"main", 0x403000, 0x404000},
			},
		},
	}
}
