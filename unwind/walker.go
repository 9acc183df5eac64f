package unwind

// fpRegisterARM is the register conventionally holding the frame pointer
// on 32-bit ARM when the host does not expose a generic one.
const fpRegisterARM = "r7"

// Walker produces frames by following the saved frame-pointer chain:
//
//	next pc = [fp + ptrSize]
//	next fp = [fp]
//
// A Walker is single use. The first frame whose pc or fp is 0 or
// InvalidAddress is yielded once and ends the walk.
type Walker struct {
	profile Profile
	mem     PointerReader
	ptrSize uint64

	seeds     []Frame // yielded before any frame is derived from memory
	cur       Frame
	n         uint
	limit     uint
	started   bool
	done      bool
	truncated bool
}

// NewWalker returns a Walker that yields seeds as frames 0, 1, ..., then
// continues from the last seed. Memory is read in units of ptrSize bytes,
// the process's native address size.
func NewWalker(profile Profile, mem PointerReader, ptrSize int, seeds ...Frame) *Walker {
	w := &Walker{
		profile: profile,
		mem:     mem,
		ptrSize: uint64(ptrSize),
		seeds:   append([]Frame(nil), seeds...),
	}
	if len(w.seeds) == 0 {
		w.done = true
	}
	return w
}

// WalkThread seeds a Walker from a primary unwinder's backtrace. Frame 0 is
// the innermost non-inlined frame. Frame 1 is the next non-inlined frame;
// when its frame pointer is unavailable on ARM, register r7 is used instead.
// If the backtrace has a single frame, frame 1 is derived from memory.
func WalkThread(profile Profile, proc Process, frames []StackFrame) *Walker {
	var seeds []Frame
	for _, sf := range frames {
		if sf.IsInlined() {
			continue
		}
		f := Frame{Index: uint(len(seeds)), PC: sf.PC(), FP: sf.FP()}
		if f.Index == 1 && f.FP == InvalidAddress && profile.Family == FamilyARM {
			if v, ok := sf.ReadRegister(fpRegisterARM); ok {
				verbosef("walker: frame 1 fp from %s=0x%x", fpRegisterARM, v)
				f.FP = v
			} else {
				logf("walker: frame 1 has no fp and no %s", fpRegisterARM)
			}
		}
		seeds = append(seeds, f)
		if len(seeds) == 2 {
			break
		}
	}
	return NewWalker(profile, proc, proc.AddressByteSize(), seeds...)
}

// SetLimit stops the walk after n frames. Zero means no limit.
func (w *Walker) SetLimit(n uint) {
	w.limit = n
}

// Truncated reports whether the walk was stopped by the frame limit rather
// than by a terminating frame.
func (w *Walker) Truncated() bool {
	return w.truncated
}

// Next returns the next frame. ok is false once the walk has ended.
func (w *Walker) Next() (f Frame, ok bool) {
	if w.done {
		return Frame{}, false
	}
	if w.limit > 0 && w.n >= w.limit {
		w.done = true
		w.truncated = true
		return Frame{}, false
	}
	if !w.started {
		w.started = true
		w.cur, w.seeds = w.seeds[0], w.seeds[1:]
	}

	f = w.cur
	f.Index = w.n
	w.n++

	// Frame 0 is known directly from the thread, so it never ends the walk.
	if f.Index > 0 && f.terminates() {
		verbosef("walker: frame %d pc=0x%x fp=0x%x ends the walk", f.Index, f.PC, f.FP)
		w.done = true
		return f, true
	}

	if len(w.seeds) > 0 {
		w.cur, w.seeds = w.seeds[0], w.seeds[1:]
	} else {
		w.cur = w.step(f)
	}
	return f, true
}

// step computes the caller of f.
func (w *Walker) step(f Frame) Frame {
	if !w.profile.Supported() {
		return Frame{}
	}
	pc, ok := w.mem.ReadPointer(f.FP + w.ptrSize)
	if !ok {
		verbosef("walker: cannot read return address at 0x%x", f.FP+w.ptrSize)
		pc = 0
	}
	fp, ok := w.mem.ReadPointer(f.FP)
	if !ok {
		verbosef("walker: cannot read saved fp at 0x%x", f.FP)
		fp = 0
	}
	return Frame{PC: w.profile.CodeAddress(pc), FP: fp}
}
