package unwind

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrPrecondition is matched by the errors returned when there is nothing to
// diagnose. Nothing is written to the output in that case.
var ErrPrecondition = errors.New("unwind diagnostics skipped")

var (
	ErrNoTarget  = fmt.Errorf("%w: no target selected", ErrPrecondition)
	ErrNoProcess = fmt.Errorf("%w: target has no process", ErrPrecondition)
	ErrNoThread  = fmt.Errorf("%w: process has no selected thread", ErrPrecondition)
)

var (
	sectionRule = strings.Repeat("=", 93)
	frameRule   = strings.Repeat("-", 86)
)

// Options tunes a report. A nil *Options uses the defaults.
type Options struct {
	// MaxWalkFrames bounds the naive walk. Zero means no bound.
	MaxWalkFrames uint
}

// Summary holds the frames of a report once it has been written.
type Summary struct {
	Thread    int
	Version   Version
	Profile   Profile
	Primary   []ResolvedFrame // non-inlined frames of the primary unwinder
	Naive     []ResolvedFrame // frames of the frame-pointer walk
	Truncated bool            // the naive walk hit MaxWalkFrames
}

// Diagnose writes an unwind diagnostic report for the selected thread of dbg
// to w. Errors matching ErrPrecondition or ErrVersionNoMatch/ErrVersionFields
// are returned before anything is written. Failures to resolve or dump
// individual frames are rendered in the report instead of returned.
func Diagnose(w io.Writer, dbg Debugger, opts *Options) (*Summary, error) {
	if opts == nil {
		opts = &Options{}
	}
	target, ok := dbg.SelectedTarget()
	if !ok {
		return nil, ErrNoTarget
	}
	proc, ok := target.Process()
	if !ok {
		return nil, ErrNoProcess
	}
	thread, ok := proc.SelectedThread()
	if !ok {
		return nil, ErrNoThread
	}
	version, err := ParseVersion(dbg.VersionString())
	if err != nil {
		return nil, err
	}

	profile := Classify(target.Triple())
	logf("diagnose: thread %d, triple %q, profile %s, host %s", thread.IndexID(), target.Triple(), profile, version)

	r := &reporter{
		w:    bufio.NewWriter(w),
		dbg:  dbg,
		fm:   NewFormatter(target, proc.AddressByteSize()),
		opts: opts,
		sum: &Summary{
			Thread:  thread.IndexID(),
			Version: version,
			Profile: profile,
		},
	}
	frames := thread.Frames()

	r.println("Debugger version %s", dbg.VersionString())
	r.println("Unwind diagnostics for thread %d", thread.IndexID())
	r.println("")
	r.println("Primary unwind algorithm:")
	r.println("")
	r.primary(frames)
	r.separator()
	r.println("Simple stack walk algorithm:")
	r.println("")
	r.naive(profile, proc, frames)
	r.separator()
	r.dumps(frames, "Disassembly of %s, frame %d", func(sf StackFrame) Command {
		return DisassembleCommand(version, profile, sf)
	})
	r.separator()
	r.dumps(frames, "Unwind instructions for %s, frame %d", func(sf StackFrame) Command {
		return ShowUnwindCommand(version, sf)
	})

	if r.err == nil {
		r.err = r.w.Flush()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.sum, nil
}

type reporter struct {
	w    *bufio.Writer
	err  error // first write error
	dbg  Debugger
	fm   *Formatter
	opts *Options
	sum  *Summary
}

func (r *reporter) println(format string, args ...interface{}) {
	if r.err != nil {
		return
	}
	if _, err := fmt.Fprintf(r.w, format+"\n", args...); err != nil {
		r.err = err
	}
}

func (r *reporter) separator() {
	r.println("")
	r.println("%s", sectionRule)
	r.println("")
}

func (r *reporter) primary(frames []StackFrame) {
	var n uint
	for _, sf := range frames {
		if sf.IsInlined() {
			continue
		}
		rf := r.fm.Resolve(Frame{Index: n, PC: sf.PC(), FP: sf.FP()})
		r.sum.Primary = append(r.sum.Primary, rf)
		r.println("%s", r.fm.line(rf))
		n++
	}
}

func (r *reporter) naive(profile Profile, proc Process, frames []StackFrame) {
	w := WalkThread(profile, proc, frames)
	w.SetLimit(r.opts.MaxWalkFrames)
	for {
		f, ok := w.Next()
		if !ok {
			break
		}
		rf := r.fm.Resolve(f)
		r.sum.Naive = append(r.sum.Naive, rf)
		r.println("%s", r.fm.line(rf))
	}
	if w.Truncated() {
		r.sum.Truncated = true
		r.println("(walk stopped after %d frames)", r.opts.MaxWalkFrames)
	}
}

// dumps runs one host command per non-inlined frame.
func (r *reporter) dumps(frames []StackFrame, title string, command func(StackFrame) Command) {
	for _, sf := range frames {
		if sf.IsInlined() {
			continue
		}
		r.println("%s", frameRule)
		r.println("")
		r.println(title, sf.FunctionName(), sf.FrameID())
		r.println("")
		cmd := command(sf)
		verbosef("diagnose: running %q", cmd)
		var out bytes.Buffer
		if err := r.dbg.RunCommand(cmd, &out); err != nil {
			logf("diagnose: %q failed: %v", cmd, err)
			out.WriteString(fmt.Sprintf("error: %s: %v\n", cmd, err))
		}
		if r.err == nil {
			if _, err := r.w.Write(out.Bytes()); err != nil {
				r.err = err
			}
		}
	}
}
