package corefile

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tombergan/unwinddiag/unwind"
)

// DefaultDisassembleLimit bounds the number of bytes decoded per function.
const DefaultDisassembleLimit = 4096

// functionFor finds the function a command refers to.
func (p *Program) functionFor(cmd unwind.Command) (*module, symbol, error) {
	if cmd.ByName {
		m, s, ok := p.symbolNamed(cmd.Function)
		if !ok {
			return nil, symbol{}, errors.Errorf("no function named %q", cmd.Function)
		}
		return m, s, nil
	}
	m := p.findModule(cmd.Addr)
	if m == nil {
		return nil, symbol{}, errors.Errorf("no module contains address 0x%x", cmd.Addr)
	}
	s, ok := m.symbolAt(cmd.Addr)
	if !ok {
		return nil, symbol{}, errors.Errorf("no function contains address 0x%x in %s", cmd.Addr, m.name())
	}
	return m, s, nil
}

// disassemble writes the instructions of the function cmd refers to, in
// the layout of lldb's disassemble command. When cmd is by address, the
// instruction at that address is marked with "->".
func (p *Program) disassemble(w io.Writer, cmd unwind.Command, limit int) error {
	if limit <= 0 {
		limit = DefaultDisassembleLimit
	}
	m, sym, err := p.functionFor(cmd)
	if err != nil {
		return err
	}
	start, size := sym.addr, sym.size
	thumb := false
	if p.machine == machineARM && start&1 != 0 {
		thumb, start = true, start&^1
	}
	if size == 0 {
		size = uint64(limit)
	}
	truncated := uint64(0)
	if size > uint64(limit) {
		truncated, size = size-uint64(limit), uint64(limit)
	}
	code, ok := p.ReadMemory(start, size)
	if !ok {
		return errors.Errorf("cannot read %d bytes of %s at 0x%x", size, sym.name, start)
	}

	fmt.Fprintf(w, "%s`%s:\n", m.name(), sym.name)
	for off := 0; off < len(code); {
		addr := start + uint64(off)
		text, n := p.decode(code[off:], addr, cmd.Flavor, thumb)
		marker := "    "
		if !cmd.ByName && addr <= cmd.Addr && cmd.Addr < addr+uint64(n) {
			marker = "->  "
		}
		if _, err := fmt.Fprintf(w, "%s0x%x <+%d>: %s\n", marker, addr, off, text); err != nil {
			return err
		}
		off += n
	}
	if truncated > 0 {
		fmt.Fprintf(w, "    ... %d more bytes not shown\n", truncated)
	}
	return nil
}

// decode renders the instruction at the start of code and returns its
// length. Undecodable bytes are shown as data.
func (p *Program) decode(code []byte, pc uint64, flavor string, thumb bool) (string, int) {
	order := p.machine.order
	switch p.machine {
	case machineAMD64, machine386:
		mode := 64
		if p.machine == machine386 {
			mode = 32
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return fmt.Sprintf(".byte 0x%02x", code[0]), 1
		}
		if flavor == "att" {
			return x86asm.GNUSyntax(inst, pc, p.symname), inst.Len
		}
		return x86asm.IntelSyntax(inst, pc, p.symname), inst.Len
	case machineARM:
		// armasm does not decode Thumb.
		if thumb && len(code) >= 2 {
			return fmt.Sprintf(".short 0x%04x", order.Uint16(code)), 2
		}
		if len(code) < 4 {
			return fmt.Sprintf(".byte 0x%02x", code[0]), 1
		}
		inst, err := armasm.Decode(code, armasm.ModeARM)
		if err != nil {
			return fmt.Sprintf(".word 0x%08x", order.Uint32(code)), 4
		}
		return armasm.GNUSyntax(inst), 4
	case machineARM64:
		if len(code) < 4 {
			return fmt.Sprintf(".byte 0x%02x", code[0]), 1
		}
		inst, err := arm64asm.Decode(code)
		if err != nil {
			return fmt.Sprintf(".word 0x%08x", order.Uint32(code)), 4
		}
		return arm64asm.GNUSyntax(inst), 4
	}
	return fmt.Sprintf(".byte 0x%02x", code[0]), 1
}

// symname resolves branch targets for x86asm.
func (p *Program) symname(addr uint64) (string, uint64) {
	loc := p.ResolveLoadAddress(addr)
	if loc.Symbol == nil {
		return "", 0
	}
	return loc.Symbol.Name, loc.Symbol.Start
}
