package unwind

import "io"

// The interfaces below are the only view the report has of the host
// debugging session. Optional objects are returned with an ok flag rather
// than as nil interfaces.

// Debugger is a host debugging session.
type Debugger interface {
	// VersionString describes the host tool, e.g. "lldb-300.2.24".
	VersionString() string
	SelectedTarget() (Target, bool)
	// RunCommand runs one of the host's diagnostic commands and writes its
	// textual output to w.
	RunCommand(cmd Command, w io.Writer) error
}

// Target is the program being debugged.
type Target interface {
	// Triple is the target triple, e.g. "x86_64-unknown-linux-gnu".
	Triple() string
	Process() (Process, bool)
	Resolver
}

// Resolver maps load addresses to modules and symbols. It never fails;
// missing information is left nil in the Location.
type Resolver interface {
	ResolveLoadAddress(addr uint64) Location
}

// PointerReader reads one pointer-sized value of process memory.
// ok is false if the memory cannot be read.
type PointerReader interface {
	ReadPointer(addr uint64) (value uint64, ok bool)
}

// Process is the live or post-mortem process of a Target. The process must
// not run while a report is being produced.
type Process interface {
	PointerReader
	// AddressByteSize is the process's native pointer size.
	AddressByteSize() int
	SelectedThread() (Thread, bool)
}

// Thread is one thread of a Process.
type Thread interface {
	IndexID() int
	// Frames is the primary unwinder's backtrace, innermost first,
	// including inlined frames.
	Frames() []StackFrame
}

// StackFrame is one frame produced by the primary unwinder.
type StackFrame interface {
	FrameID() int
	PC() uint64
	// FP is the frame pointer, or InvalidAddress when the host does not
	// expose a generic frame pointer for this architecture.
	FP() uint64
	IsInlined() bool
	FunctionName() string
	// ReadRegister reads a named register in the context of this frame.
	ReadRegister(name string) (value uint64, ok bool)
}
