package corefile

import (
	"debug/dwarf"
	"debug/gosym"
	"path/filepath"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/tombergan/unwinddiag/unwind"
)

// module is an executable or shared library mapped into the process.
// Addresses in syms, dwarf and fdes are link-time addresses; add bias to
// get load addresses.
type module struct {
	path   string // as recorded in the core, or as given by the user
	lo, hi uint64 // load address range
	bias   uint64
	id     string

	file  *mmapFile // nil if the module file could not be opened
	syms  symtab
	gotab *gosym.Table
	dwarf *dwarf.Data
	fdes  frame.FrameDescriptionEntries
	// fdesBias is the bias to subtract before searching fdes. It differs
	// from bias for tables parsed from memory rather than from the file.
	fdesBias uint64
}

func (m *module) name() string {
	if m.path == "" {
		return ""
	}
	return filepath.Base(m.path)
}

func (m *module) info() unwind.Module {
	return unwind.Module{Name: m.name(), ID: m.id}
}

func (m *module) contains(addr uint64) bool {
	return m.lo <= addr && addr < m.hi
}

// symbolAt finds the symbol containing the load address addr.
func (m *module) symbolAt(addr uint64) (symbol, bool) {
	link := addr - m.bias
	if s, ok := m.syms.lookup(link); ok {
		s.addr += m.bias
		return s, true
	}
	if m.gotab != nil {
		if fn := m.gotab.PCToFunc(link); fn != nil {
			return symbol{name: fn.Name, addr: fn.Entry + m.bias, size: fn.End - fn.Entry}, true
		}
	}
	return symbol{}, false
}

// symbolNamed finds a function by name and returns its load address.
func (m *module) symbolNamed(name string) (symbol, bool) {
	if s, ok := m.syms.named(name); ok {
		s.addr += m.bias
		return s, true
	}
	if m.gotab != nil {
		if fn := m.gotab.LookupFunc(name); fn != nil {
			return symbol{name: fn.Name, addr: fn.Entry + m.bias, size: fn.End - fn.Entry}, true
		}
	}
	return symbol{}, false
}

// fdeFor returns the frame description entry covering the load address
// pc, or nil.
func (m *module) fdeFor(pc uint64) *frame.FrameDescriptionEntry {
	if m.fdes == nil {
		return nil
	}
	fde, err := m.fdes.FDEForPC(pc - m.fdesBias)
	if err != nil {
		return nil
	}
	return fde
}

// ResolveLoadAddress implements unwind.Resolver over the loaded modules. Results are
// cached per address.
func (p *Program) ResolveLoadAddress(addr uint64) unwind.Location {
	if loc, ok := p.cache.Get(addr); ok {
		return loc
	}
	loc := p.resolve(addr)
	p.cache.Add(addr, loc)
	return loc
}

func (p *Program) resolve(addr uint64) unwind.Location {
	var loc unwind.Location
	m := p.findModule(addr)
	if m == nil {
		verbosef("resolve 0x%x: no module", addr)
		return loc
	}
	info := m.info()
	loc.Module = &info
	if s, ok := m.symbolAt(addr); ok {
		loc.Symbol = &unwind.Symbol{Name: s.name, Start: s.addr}
	}
	return loc
}

// symbolNamed searches every module for a function called name.
func (p *Program) symbolNamed(name string) (*module, symbol, bool) {
	for _, m := range p.modules {
		if s, ok := m.symbolNamed(name); ok {
			return m, s, true
		}
	}
	return nil, symbol{}, false
}
