package corefile

import (
	"debug/dwarf"

	"github.com/pkg/errors"
)

// PCInfo gives information about a program counter.
type PCInfo struct {
	PC   uint64 // program counter value
	File string // path to the file containing the line that compiled to PC
	Line int    // line number in File that compiled to PC
	Func string // function that contains PC
	// Inlined lists the functions inlined at PC, outermost first. The
	// innermost is the one actually executing.
	Inlined []string
}

// PCInfo returns information about the given load address.
func (p *Program) PCInfo(pc uint64) (*PCInfo, error) {
	m := p.findModule(pc)
	if m == nil {
		return nil, errors.Errorf("no module contains PC 0x%x", pc)
	}
	info := &PCInfo{PC: pc}
	if s, ok := m.symbolAt(pc); ok {
		info.Func = s.name
	}
	if m.dwarf == nil {
		if info.Func == "" {
			return nil, errors.Errorf("no symbol or DWARF information about PC 0x%x in %s", pc, m.name())
		}
		return info, nil
	}

	link := pc - m.bias
	r := m.dwarf.Reader()
	cu, err := r.SeekPC(link)
	if err != nil {
		if info.Func == "" {
			return nil, errors.Wrapf(err, "PC 0x%x in %s", pc, m.name())
		}
		return info, nil
	}
	if lr, err := m.dwarf.LineReader(cu); err == nil && lr != nil {
		var le dwarf.LineEntry
		if err := lr.SeekPC(link, &le); err == nil {
			info.File, info.Line = le.File.Name, le.Line
		}
	}
	fn, inlined, err := scopesAt(m.dwarf, r, link)
	if err != nil {
		verbosef("PCInfo(0x%x): %v", pc, err)
	}
	if fn != "" {
		info.Func = fn
	}
	info.Inlined = inlined
	return info, nil
}

// scopesAt reads the children of the compile unit r was just positioned
// at, descending into the subprogram, lexical blocks and inlined
// subroutines whose ranges contain pc. It returns the subprogram name and
// the names of the inlined subroutines, outermost first.
func scopesAt(d *dwarf.Data, r *dwarf.Reader, pc uint64) (fn string, inlined []string, err error) {
	for {
		e, err := r.Next()
		if err != nil {
			return fn, inlined, err
		}
		if e == nil || e.Tag == 0 {
			return fn, inlined, nil
		}
		contains := false
		switch e.Tag {
		case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine, dwarf.TagLexDwarfBlock:
			ranges, err := d.Ranges(e)
			if err != nil {
				verbosef("ranges of DWARF entry 0x%x: %v", e.Offset, err)
			}
			for _, rg := range ranges {
				if rg[0] <= pc && pc < rg[1] {
					contains = true
					break
				}
			}
		}
		if !contains {
			if e.Children {
				r.SkipChildren()
			}
			continue
		}
		switch e.Tag {
		case dwarf.TagSubprogram:
			fn = entryName(d, e)
		case dwarf.TagInlinedSubroutine:
			inlined = append(inlined, entryName(d, e))
		}
		if !e.Children {
			return fn, inlined, nil
		}
		// Siblings of a containing scope cannot contain pc; continue with
		// its children.
	}
}

// entryName returns the name of a DWARF entry, following abstract origins
// and specifications.
func entryName(d *dwarf.Data, e *dwarf.Entry) string {
	for depth := 0; depth < 4 && e != nil; depth++ {
		if name, ok := e.Val(dwarf.AttrName).(string); ok {
			return demangleName(name)
		}
		if name, ok := e.Val(dwarf.AttrLinkageName).(string); ok {
			return demangleName(name)
		}
		off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			off, ok = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			break
		}
		r := d.Reader()
		r.Seek(off)
		e, _ = r.Next()
	}
	return "?"
}
