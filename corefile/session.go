package corefile

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/tombergan/unwinddiag/unwind"
)

// DefaultHostVersion is the version a Session advertises. The commands it
// runs accept the by-address forms, so it reports an lldb version past
// both command gates.
const DefaultHostVersion = "corefile host (lldb-330.0.48 compatible)"

// SessionOptions configures a Session. A nil *SessionOptions uses the
// defaults.
type SessionOptions struct {
	// HostVersion overrides DefaultHostVersion, e.g. to exercise the
	// by-name command forms.
	HostVersion string
	// DisassembleLimit bounds the bytes decoded per function.
	DisassembleLimit int
}

// Session adapts a Program to unwind.Debugger. The first thread is
// selected initially.
type Session struct {
	p      *Program
	opts   SessionOptions
	thread int // index into p.Threads, -1 for none
}

// NewSession returns a session over p.
func NewSession(p *Program, opts *SessionOptions) *Session {
	s := &Session{p: p}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.HostVersion == "" {
		s.opts.HostVersion = DefaultHostVersion
	}
	if p == nil || len(p.Threads) == 0 {
		s.thread = -1
	}
	return s
}

// SelectThread selects the thread with the given 1-based index ID.
func (s *Session) SelectThread(id int) error {
	if s.p == nil || id < 1 || id > len(s.p.Threads) {
		return errors.Errorf("no thread with index %d", id)
	}
	s.thread = id - 1
	return nil
}

// Threads returns the threads of the program, indexed by ID-1.
func (s *Session) Threads() []*OSThread {
	if s.p == nil {
		return nil
	}
	return s.p.Threads
}

// NumThreads returns the number of threads. Their index IDs are
// 1..NumThreads().
func (s *Session) NumThreads() int {
	return len(s.Threads())
}

// WriteThreads lists the threads of the program, one line each with the
// thread's index ID, kernel id, pending signal and innermost frame.
func (s *Session) WriteThreads(w io.Writer) error {
	if s.p == nil {
		return nil
	}
	fm := unwind.NewFormatter(s.p, s.p.AddressByteSize())
	for k, t := range s.p.Threads {
		f := unwind.Frame{PC: t.PC(), FP: unwind.InvalidAddress}
		if frames := t.Frames(); len(frames) > 0 {
			f.FP = frames[0].FP()
		}
		marker := " "
		if k == s.thread {
			marker = "*"
		}
		line := strings.TrimPrefix(fm.Line(f), " 0: ")
		if _, err := fmt.Fprintf(w, "%s thread %d: pid %d signal %d %s\n", marker, k+1, t.PID, t.Signal, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) VersionString() string {
	return s.opts.HostVersion
}

func (s *Session) SelectedTarget() (unwind.Target, bool) {
	if s.p == nil {
		return nil, false
	}
	return sessionTarget{s}, true
}

// RunCommand runs a disassemble or show-unwind command against the core.
func (s *Session) RunCommand(cmd unwind.Command, w io.Writer) error {
	verbosef("session: %s", cmd)
	switch cmd.Kind {
	case unwind.CommandDisassemble:
		return s.p.disassemble(w, cmd, s.opts.DisassembleLimit)
	case unwind.CommandShowUnwind:
		return s.p.showUnwind(w, cmd)
	}
	return errors.Errorf("unsupported command %s", cmd)
}

type sessionTarget struct{ s *Session }

func (t sessionTarget) Triple() string { return t.s.p.Triple }

func (t sessionTarget) Process() (unwind.Process, bool) {
	return sessionProcess(t), true
}

func (t sessionTarget) ResolveLoadAddress(addr uint64) unwind.Location {
	return t.s.p.ResolveLoadAddress(addr)
}

type sessionProcess struct{ s *Session }

func (pr sessionProcess) ReadPointer(addr uint64) (uint64, bool) { return pr.s.p.ReadPointer(addr) }
func (pr sessionProcess) AddressByteSize() int                   { return pr.s.p.AddressByteSize() }

func (pr sessionProcess) SelectedThread() (unwind.Thread, bool) {
	if pr.s.thread < 0 {
		return nil, false
	}
	return sessionThread{id: pr.s.thread + 1, t: pr.s.p.Threads[pr.s.thread]}, true
}

type sessionThread struct {
	id int
	t  *OSThread
}

func (th sessionThread) IndexID() int { return th.id }

func (th sessionThread) Frames() []unwind.StackFrame {
	frames := th.t.Frames()
	out := make([]unwind.StackFrame, len(frames))
	for k, f := range frames {
		out[k] = f
	}
	return out
}
