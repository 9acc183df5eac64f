package corefile

import (
	"debug/elf"
	"debug/gosym"
	"debug/macho"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// symbol is a function or data symbol.
type symbol struct {
	name string // demangled
	addr uint64
	size uint64 // 0 if unknown
}

// symtab is sorted by address. Each symbol's size is filled in when the
// table is built, so symbols without a recorded size extend to the next
// symbol.
type symtab []symbol

func newSymtab(syms []symbol) symtab {
	sort.SliceStable(syms, func(i, k int) bool { return syms[i].addr < syms[k].addr })
	// Keep one symbol per address, preferring one with a size.
	st := syms[:0]
	for _, s := range syms {
		if n := len(st); n > 0 && st[n-1].addr == s.addr {
			if st[n-1].size == 0 && s.size != 0 {
				st[n-1] = s
			}
			continue
		}
		st = append(st, s)
	}
	for k := range st {
		if st[k].size == 0 && k+1 < len(st) {
			st[k].size = st[k+1].addr - st[k].addr
		}
	}
	return symtab(st)
}

// lookup finds the symbol containing addr. The last symbol, if it has no
// size, covers nothing.
func (st symtab) lookup(addr uint64) (symbol, bool) {
	k := sort.Search(len(st), func(k int) bool {
		return addr < st[k].addr
	})
	k--
	if k >= 0 && addr-st[k].addr < st[k].size {
		return st[k], true
	}
	return symbol{}, false
}

func (st symtab) named(name string) (symbol, bool) {
	for _, s := range st {
		if s.name == name {
			return s, true
		}
	}
	return symbol{}, false
}

// demangleName returns the human-readable form of a C++ or Rust symbol,
// or name unchanged.
func demangleName(name string) string {
	return demangle.Filter(name)
}

// elfSymbols reads the function and object symbols of f from .symtab and
// .dynsym.
func elfSymbols(f *elf.File) symtab {
	var syms []symbol
	add := func(list []elf.Symbol) {
		for _, s := range list {
			typ := elf.ST_TYPE(s.Info)
			if typ != elf.STT_FUNC && typ != elf.STT_OBJECT {
				continue
			}
			if s.Section == elf.SHN_UNDEF || s.Value == 0 || s.Name == "" {
				continue
			}
			syms = append(syms, symbol{name: demangleName(s.Name), addr: s.Value, size: s.Size})
		}
	}
	if list, err := f.Symbols(); err == nil {
		add(list)
	} else {
		verbosef("no .symtab: %v", err)
	}
	if list, err := f.DynamicSymbols(); err == nil {
		add(list)
	}
	return newSymtab(syms)
}

// elfGoTable builds a Go symbol table from .gopclntab, if f has one.
func elfGoTable(f *elf.File) *gosym.Table {
	pcln := f.Section(".gopclntab")
	text := f.Section(".text")
	if pcln == nil || text == nil {
		return nil
	}
	data, err := pcln.Data()
	if err != nil {
		logf("reading .gopclntab: %v", err)
		return nil
	}
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		logf("parsing .gopclntab: %v", err)
		return nil
	}
	return tab
}

// machoSymbols reads the defined symbols of f, dropping the leading
// underscore the Mach-O C ABI adds.
func machoSymbols(f *macho.File) symtab {
	if f.Symtab == nil {
		return nil
	}
	const nStab = 0xe0 // N_STAB mask
	var syms []symbol
	for _, s := range f.Symtab.Syms {
		if s.Type&nStab != 0 || s.Sect == 0 || s.Value == 0 {
			continue
		}
		name := strings.TrimPrefix(s.Name, "_")
		if name == "" {
			continue
		}
		syms = append(syms, symbol{name: demangleName(name), addr: s.Value})
	}
	return newSymtab(syms)
}

// machoGoTable builds a Go symbol table from __gopclntab, if f has one.
func machoGoTable(f *macho.File) *gosym.Table {
	pcln := f.Section("__gopclntab")
	text := f.Section("__text")
	if pcln == nil || text == nil {
		return nil
	}
	data, err := pcln.Data()
	if err != nil {
		logf("reading __gopclntab: %v", err)
		return nil
	}
	tab, err := gosym.NewTable(nil, gosym.NewLineTable(data, text.Addr))
	if err != nil {
		logf("parsing __gopclntab: %v", err)
		return nil
	}
	return tab
}
