package corefile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/tombergan/unwinddiag/unwind"
)

// showUnwindLimit bounds the number of bytes of a function whose CFI rows
// are listed. EstablishFrame replays the FDE from its start for every pc.
const showUnwindLimit = 16 << 10

// showUnwind writes the unwind plans for the function cmd refers to: the
// rows of its CFI, then the architecture's default frame-pointer plan.
func (p *Program) showUnwind(w io.Writer, cmd unwind.Command) error {
	m, sym, err := p.functionFor(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "UNWIND PLANS for %s`%s (start addr 0x%x)\n\n", m.name(), sym.name, sym.addr)

	at := sym.addr
	if !cmd.ByName {
		at = cmd.Addr
	}
	if fde := m.fdeFor(at); fde != nil {
		begin, end := fde.Begin()+m.fdesBias, fde.End()+m.fdesBias
		fmt.Fprintf(w, "CFI unwind plan: FDE covers [0x%x-0x%x)\n", begin, end)
		last := ""
		row := 0
		for pc := fde.Begin(); pc < fde.End() && pc-fde.Begin() < showUnwindLimit; pc++ {
			desc := p.describeFrameContext(fde.EstablishFrame(pc))
			if desc == last {
				continue
			}
			fmt.Fprintf(w, "row[%d]: %4d: %s\n", row, pc-fde.Begin(), desc)
			last = desc
			row++
		}
		if fde.End()-fde.Begin() > showUnwindLimit {
			fmt.Fprintf(w, "... rows past +%d not shown\n", showUnwindLimit)
		}
	} else {
		fmt.Fprintf(w, "No CFI unwind plan covers 0x%x.\n", at)
	}

	fmt.Fprintf(w, "\nArchitecture default unwind plan:\n")
	_, err = fmt.Fprintf(w, "row[0]: %4d: %s\n", 0, p.describeFrameContext(p.machine.defaultFrameContext()))
	return err
}

// describeFrameContext renders a row like lldb does:
//
//	CFA=rsp+16 => rbp=[CFA-16] rsp=CFA+0 rip=[CFA-8]
func (p *Program) describeFrameContext(fctx *frame.FrameContext) string {
	m := p.machine
	var b strings.Builder
	switch fctx.CFA.Rule {
	case frame.RuleCFA:
		fmt.Fprintf(&b, "CFA=%s%+d =>", p.dwarfRegName(fctx.CFA.Reg), fctx.CFA.Offset)
	default:
		fmt.Fprintf(&b, "CFA=<rule %d> =>", fctx.CFA.Rule)
	}
	nums := make([]uint64, 0, len(fctx.Regs))
	for num := range fctx.Regs {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, k int) bool { return nums[i] < nums[k] })
	for _, num := range nums {
		rule := fctx.Regs[num]
		name := p.dwarfRegName(num)
		switch rule.Rule {
		case frame.RuleOffset:
			fmt.Fprintf(&b, " %s=[CFA%+d]", name, rule.Offset)
		case frame.RuleValOffset:
			fmt.Fprintf(&b, " %s=CFA%+d", name, rule.Offset)
		case frame.RuleRegister:
			fmt.Fprintf(&b, " %s=%s", name, p.dwarfRegName(rule.Reg))
		case frame.RuleSameVal:
			fmt.Fprintf(&b, " %s=<same>", name)
		case frame.RuleUndefined:
			fmt.Fprintf(&b, " %s=<undefined>", name)
		case frame.RuleExpression, frame.RuleValExpression:
			fmt.Fprintf(&b, " %s=<expr>", name)
		default:
			fmt.Fprintf(&b, " %s=<rule %d>", name, rule.Rule)
		}
	}
	if _, ok := fctx.Regs[fctx.RetAddrReg]; !ok && fctx.RetAddrReg != m.dwarfPC {
		fmt.Fprintf(&b, " (return address in %s)", p.dwarfRegName(fctx.RetAddrReg))
	}
	return b.String()
}

func (p *Program) dwarfRegName(num uint64) string {
	if name, ok := p.machine.dwarfRegs[num]; ok {
		return name
	}
	return fmt.Sprintf("reg%d", num)
}
