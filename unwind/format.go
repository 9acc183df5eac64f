package unwind

import (
	"fmt"
	"strings"
)

// FormatFrame renders f as a single report line. width is the number of hex
// digits addresses are padded to, normally twice the process's address size.
// loc is the resolution of LookupAddress(f); the printed pc is always f.PC.
//
//	 1: pc==0x00000000004011d6 fp==0x00007ffc5e1c2a40 a.out 9f1c... main + 22
func FormatFrame(f Frame, width int, loc Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%2d: pc==0x%0*x fp==0x%0*x", f.Index, width, f.PC, width, f.FP)
	if m := loc.Module.annotation(); m != "" {
		b.WriteByte(' ')
		b.WriteString(m)
	}
	if loc.Symbol != nil {
		fmt.Fprintf(&b, " %s + %d", loc.Symbol.Name, LookupAddress(f)-loc.Symbol.Start)
	}
	return b.String()
}

// Formatter resolves and renders frames for one report.
type Formatter struct {
	Resolver Resolver
	Width    int // hex digits per address
}

// NewFormatter returns a Formatter for a process whose pointers are
// addrSize bytes wide.
func NewFormatter(r Resolver, addrSize int) *Formatter {
	return &Formatter{Resolver: r, Width: addrSize * 2}
}

// Resolve looks up f at its lookup address.
func (fm *Formatter) Resolve(f Frame) ResolvedFrame {
	addr := LookupAddress(f)
	rf := ResolvedFrame{Frame: f, Lookup: addr}
	if fm.Resolver != nil {
		rf.Location = fm.Resolver.ResolveLoadAddress(addr)
	}
	return rf
}

// Line resolves f and renders it.
func (fm *Formatter) Line(f Frame) string {
	return fm.line(fm.Resolve(f))
}

func (fm *Formatter) line(rf ResolvedFrame) string {
	return FormatFrame(rf.Frame, fm.Width, rf.Location)
}
