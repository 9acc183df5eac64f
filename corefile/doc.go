// Package corefile implements a post-mortem debugging host over core dump
// files, for use with package unwind.
//
// Open loads an ELF (Linux) or Mach-O (Darwin) core for x86, x86-64, ARM or
// ARM64. The core's memory segments are overlaid with the segments of the
// executable and shared libraries it had mapped, so that code which the
// kernel left out of the dump can still be read and disassembled. Thread
// registers come from the core's thread notes.
//
// A Program resolves addresses to modules and symbols (ELF and Mach-O
// symbol tables, Go pclntab, demangled C++ and Rust names), and computes
// a backtrace for each thread with a DWARF CFI unwinder that falls back to
// the architecture's frame-pointer convention where no CFI is available.
// Inlined calls are recovered from DWARF and reported as separate frames.
//
// A Session wraps a Program as an unwind.Debugger. Its disassemble and
// show-unwind commands mimic the output of the lldb commands of the same
// name.
//
// TODO: Currently unsupported features:
//
// * Mach-O compact unwind (__unwind_info); only __eh_frame is used
//
// * DWARF expressions in CFA and register rules
//
// * Thumb disassembly
package corefile
