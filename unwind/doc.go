// Package unwind implements a diagnostic cross-check for a debugger's stack
// unwinder.
//
// A Walker follows the saved frame-pointer chain of a stopped thread, reading
// the caller's frame pointer at [fp] and the return address at [fp+ptrsize].
// The walk is deliberately naive: it assumes every function pushed a standard
// prologue, so where its output diverges from the host debugger's own
// backtrace, the divergence itself points at the frame the primary unwinder
// got wrong.
//
// A Formatter renders each frame as one fixed-width line: frame number, pc,
// frame pointer, owning module and symbol+offset. Diagnose writes a complete
// report for the selected thread of a Debugger: the primary unwinder's frames,
// the naive walk, and per-frame disassembly and unwind metadata produced by
// the host.
//
// The host debugging session is reached only through the small interfaces in
// host.go. The corefile package provides one implementation over core dumps.
package unwind
