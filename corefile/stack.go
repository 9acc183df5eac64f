package corefile

import (
	"maps"

	"github.com/go-delve/delve/pkg/dwarf/frame"

	"github.com/tombergan/unwinddiag/unwind"
)

// maxUnwindFrames bounds the CFI unwinder.
const maxUnwindFrames = 512

// StackFrame is one frame of a thread's backtrace as computed by the CFI
// unwinder. It implements unwind.StackFrame.
type StackFrame struct {
	id      int
	pc      uint64
	cfa     uint64
	fn      string
	inlined bool
	regs    map[string]uint64 // registers known in this frame
	m       *machine
}

func (f *StackFrame) FrameID() int         { return f.id }
func (f *StackFrame) PC() uint64           { return f.pc }
func (f *StackFrame) CFA() uint64          { return f.cfa }
func (f *StackFrame) IsInlined() bool      { return f.inlined }
func (f *StackFrame) FunctionName() string { return f.fn }

// FP returns the frame pointer register, or unwind.InvalidAddress where
// the platform has no generic frame pointer or its value was not recovered.
func (f *StackFrame) FP() uint64 {
	if !f.m.exposesFP {
		return unwind.InvalidAddress
	}
	if v, ok := f.regs[f.m.fpReg]; ok {
		return v
	}
	return unwind.InvalidAddress
}

// ReadRegister reads a register by its thread-state name, or by one of the
// aliases pc, sp, fp and lr.
func (f *StackFrame) ReadRegister(name string) (uint64, bool) {
	v, ok := f.regs[f.m.regAlias(name)]
	return v, ok
}

// PC returns the program counter of the thread.
func (t *OSThread) PC() uint64 {
	return t.GPRegs[t.program.machine.pcReg]
}

// Frames returns the backtrace of t, innermost first. Inlined frames
// precede the concrete frame they were inlined into and share its pc and
// registers.
func (t *OSThread) Frames() []*StackFrame {
	if t.frames == nil {
		t.frames = t.program.unwindThread(t)
	}
	return t.frames
}

func (p *Program) unwindThread(t *OSThread) []*StackFrame {
	m := p.machine
	regs := maps.Clone(t.GPRegs)
	frames := []*StackFrame{}
	var prevCFA uint64
	for depth := 0; depth < maxUnwindFrames; depth++ {
		pc, ok := regs[m.pcReg]
		if !ok || pc == 0 {
			break
		}
		lookup := pc
		if depth > 0 {
			lookup = pc - 1
		}
		caller, cfa, ok := p.callerRegs(regs, lookup)

		fn, inlined := p.functionsAt(lookup)
		for k := len(inlined) - 1; k >= 0; k-- {
			frames = append(frames, &StackFrame{id: len(frames), pc: pc, cfa: cfa, fn: inlined[k], inlined: true, regs: regs, m: m})
		}
		frames = append(frames, &StackFrame{id: len(frames), pc: pc, cfa: cfa, fn: fn, regs: regs, m: m})
		verbosef("unwind: thread %d frame %d pc=0x%x cfa=0x%x %s", t.PID, depth, pc, cfa, fn)

		if !ok {
			break
		}
		if depth > 0 && cfa <= prevCFA {
			logf("unwind: thread %d: CFA 0x%x did not increase past 0x%x, stopping", t.PID, cfa, prevCFA)
			break
		}
		prevCFA = cfa
		regs = caller
	}
	return frames
}

// functionsAt names the function containing pc and the functions inlined
// at pc, outermost first.
func (p *Program) functionsAt(pc uint64) (string, []string) {
	info, err := p.PCInfo(pc)
	if err != nil {
		verbosef("unwind: %v", err)
		return "", nil
	}
	return info.Func, info.Inlined
}

// frameContext returns the unwind rules at the load address pc: the
// covering FDE's row, or the architecture's frame-pointer plan. The bool
// reports which.
func (p *Program) frameContext(pc uint64) (*frame.FrameContext, bool) {
	if mod := p.findModule(pc); mod != nil {
		if fde := mod.fdeFor(pc); fde != nil {
			return fde.EstablishFrame(pc - mod.fdesBias), true
		}
	}
	return p.machine.defaultFrameContext(), false
}

// defaultFrameContext describes a standard prologue: the caller's frame
// pointer is saved at [fp] and the return address at [fp+ptrSize].
func (m *machine) defaultFrameContext() *frame.FrameContext {
	ptr := int64(m.ptrSize)
	return &frame.FrameContext{
		CFA:        frame.DWRule{Rule: frame.RuleCFA, Reg: m.dwarfFP, Offset: 2 * ptr},
		RetAddrReg: m.dwarfRetPC,
		Regs: map[uint64]frame.DWRule{
			m.dwarfRetPC: {Rule: frame.RuleOffset, Offset: -ptr},
			m.dwarfFP:    {Rule: frame.RuleOffset, Offset: -2 * ptr},
			m.dwarfSP:    {Rule: frame.RuleValOffset, Offset: 0},
		},
	}
}

// callerRegs applies the unwind rules at pc to regs. ok is false when the
// CFA or the return address cannot be computed.
func (p *Program) callerRegs(regs map[string]uint64, pc uint64) (caller map[string]uint64, cfa uint64, ok bool) {
	m := p.machine
	fctx, _ := p.frameContext(pc)

	if fctx.CFA.Rule != frame.RuleCFA {
		verbosef("unwind: unsupported CFA rule %v at 0x%x", fctx.CFA.Rule, pc)
		return nil, 0, false
	}
	base, ok := regs[m.dwarfRegs[fctx.CFA.Reg]]
	if !ok {
		verbosef("unwind: CFA register %d unknown at 0x%x", fctx.CFA.Reg, pc)
		return nil, 0, false
	}
	cfa = uint64(int64(base) + fctx.CFA.Offset)

	// Registers without a rule keep their value.
	caller = maps.Clone(regs)
	for num, rule := range fctx.Regs {
		name, known := m.dwarfRegs[num]
		if !known {
			continue
		}
		switch rule.Rule {
		case frame.RuleOffset:
			if v, ok := p.ReadPointer(uint64(int64(cfa) + rule.Offset)); ok {
				caller[name] = v
			} else {
				delete(caller, name)
			}
		case frame.RuleValOffset:
			caller[name] = uint64(int64(cfa) + rule.Offset)
		case frame.RuleRegister:
			if v, ok := regs[m.dwarfRegs[rule.Reg]]; ok {
				caller[name] = v
			} else {
				delete(caller, name)
			}
		case frame.RuleSameVal:
		case frame.RuleUndefined:
			delete(caller, name)
		default:
			verbosef("unwind: unsupported rule %v for %s at 0x%x", rule.Rule, name, pc)
			delete(caller, name)
		}
	}
	ret, ok := caller[m.dwarfRegs[fctx.RetAddrReg]]
	if !ok {
		return nil, 0, false
	}
	caller[m.pcReg] = ret
	caller[m.spReg] = cfa
	return caller, cfa, true
}
