package corefile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"io"
	"path/filepath"
	"sort"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/pkg/errors"
)

func elfMachine(f *elf.File) (*machine, string, error) {
	if f.ByteOrder != binary.LittleEndian {
		return nil, "", errors.Errorf("unsupported big-endian ELF machine %s", f.Machine)
	}
	switch {
	case f.Machine == elf.EM_X86_64 && f.Class == elf.ELFCLASS64:
		return machineAMD64, "x86_64-unknown-linux-gnu", nil
	case f.Machine == elf.EM_386 && f.Class == elf.ELFCLASS32:
		return machine386, "i386-unknown-linux-gnu", nil
	case f.Machine == elf.EM_ARM && f.Class == elf.ELFCLASS32:
		return machineARM, "arm-unknown-linux-gnueabi", nil
	case f.Machine == elf.EM_AARCH64 && f.Class == elf.ELFCLASS64:
		return machineARM64, "aarch64-unknown-linux-gnu", nil
	}
	return nil, "", errors.Errorf("unsupported ELF machine type %s (%s)", f.Machine, f.Class)
}

func readELFCore(mmapf *mmapFile, p *Program) error {
	f, err := elf.NewFile(mmapf)
	if err != nil {
		return err
	}
	if f.Type != elf.ET_CORE {
		return errors.Errorf("%s is %s, not a core file", mmapf.Name(), f.Type)
	}
	p.machine, p.Triple, err = elfMachine(f)
	if err != nil {
		return err
	}
	verbosef("ReadELF: machine=%s triple=%s", p.machine.name, p.Triple)

	// Sort loadable memory segments by target virtual address.
	// They seem to be sorted in linux core dumps, but that's not guaranteed.
	var progs []elf.ProgHeader
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD || ph.Filesz == 0 {
			// Filesz==0 segments were filtered from the dump; module
			// files fill them in later.
			continue
		}
		if ph.Memsz < ph.Filesz {
			return errors.Errorf("ReadELF: unexpected Memsz < Filesz at %#v", ph.ProgHeader)
		}
		progs = append(progs, ph.ProgHeader)
	}
	sort.Slice(progs, func(i, k int) bool { return progs[i].Vaddr < progs[k].Vaddr })

	for _, ph := range progs {
		err := p.segments.insert(ph.Vaddr, ph.Filesz, func(addr, size uint64) (dataSegment, error) {
			data, err := mmapf.ReadSliceAt(ph.Off+(addr-ph.Vaddr), size)
			if err != nil {
				return dataSegment{}, errors.Wrapf(err, "bad ELF segment %+v", ph)
			}
			return dataSegment{
				addr:     addr,
				data:     data,
				readable: ph.Flags&elf.PF_R != 0,
				source:   mmapf.Name(),
			}, nil
		})
		if err != nil {
			return err
		}
	}

	return readELFCoreNotes(f, p)
}

// See /usr/include/linux/elf.h.
const (
	elf_nt_prstatus = 1
	elf_nt_prpsinfo = 3
	elf_nt_auxv     = 6
	elf_nt_file     = 0x46494c45 // "FILE"

	elf_nt_gnu_build_id = 3
)

// Auxiliary vector tags. See /usr/include/elf.h.
const (
	atNull  = 0
	atEntry = 9
)

type elfNote struct {
	Namesz uint32
	Descsz uint32
	Ntype  uint32
}

// forEachELFNote calls fn for each note in data. Names and descriptors are
// padded to 4-byte alignment.
func forEachELFNote(data []byte, order binary.ByteOrder, fn func(typ uint32, name string, desc []byte) error) error {
	r := bytes.NewReader(data)
	for {
		var note elfNote
		err := binary.Read(r, order, &note)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading note header at offset %d", len(data)-r.Len())
		}
		namesz, descsz := align4(note.Namesz), align4(note.Descsz)
		if rem := uint64(r.Len()); namesz > rem || descsz > rem-namesz {
			return errors.Errorf("note size %d exceeds remaining %d", namesz+descsz, rem)
		}
		name := make([]byte, namesz)
		if _, err := io.ReadFull(r, name); err != nil {
			return errors.Wrapf(err, "reading note name (size %d)", note.Namesz)
		}
		desc := make([]byte, descsz)
		if _, err := io.ReadFull(r, desc); err != nil {
			return errors.Wrapf(err, "reading note desc (type %#x, size %d)", note.Ntype, note.Descsz)
		}
		verbosef("ReadELFNote: %#v", note)
		if err := fn(note.Ntype, string(bytes.TrimRight(name, "\x00")), desc[:note.Descsz]); err != nil {
			return err
		}
	}
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

// See /usr/include/linux/elfcore.h.
type elfLinuxPsinfo32 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	Flag   uint32
	Uid    uint16
	Gid    uint16
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxPsinfo64 struct {
	State  uint8 // numeric process state
	Sname  byte  // process state as a character
	Zombie uint8
	Nice   int8
	_      uint32
	Flag   uint64
	Uid    uint32
	Gid    uint32
	Pid    uint32
	Ppid   uint32
	Pgrp   uint32
	Sid    uint32
	Fname  [16]byte // file name, truncated, usually no directory
	Psargs [80]byte // executable args, truncated
}

type elfLinuxSiginfo struct {
	Signo int32
	Code  int32
	Errno int32
}

type elfLinuxTimeval32 struct {
	Sec  int32
	Usec int32
}

type elfLinuxTimeval64 struct {
	Sec  int64
	Usec int64
}

// The prstatus headers stop before pr_reg, whose layout depends on the
// machine.
type elfLinuxPrstatus32 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint32 // set of pending signals
	Sighold uint32 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval32 // user time
	Stime   elfLinuxTimeval32 // system time
	Cutime  elfLinuxTimeval32 // cumulative user time
	Cstime  elfLinuxTimeval32 // cumulative system time
}

type elfLinuxPrstatus64 struct {
	Siginfo elfLinuxSiginfo // info about the current signal
	Cursig  uint16          // current signal
	_       uint16
	Sigpend uint64 // set of pending signals
	Sighold uint64 // set of held signals
	Pid     uint32
	Ppid    uint32
	Pgrp    uint32
	Sid     uint32
	Utime   elfLinuxTimeval64 // user time
	Stime   elfLinuxTimeval64 // system time
	Cutime  elfLinuxTimeval64 // cumulative user time
	Cstime  elfLinuxTimeval64 // cumulative system time
}

// See linux's arch/x86/include/uapi/asm/ptrace.h.
type elfLinuxRegsAMD64 struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Rflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

type elfLinuxRegs386 struct {
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Esi      uint32
	Edi      uint32
	Ebp      uint32
	Eax      uint32
	Ds       uint32
	Es       uint32
	Fs       uint32
	Gs       uint32
	Orig_eax uint32
	Eip      uint32
	Cs       uint32
	Eflags   uint32
	Esp      uint32
	Ss       uint32
}

// See linux's arch/arm/include/asm/user.h (struct user_regs).
type elfLinuxRegsARM struct {
	R       [16]uint32
	Cpsr    uint32
	Orig_r0 uint32
}

// See linux's arch/arm64/include/uapi/asm/ptrace.h (struct user_pt_regs).
type elfLinuxRegsARM64 struct {
	X      [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func elfRegsFor(m *machine) interface{} {
	switch m {
	case machineAMD64:
		return new(elfLinuxRegsAMD64)
	case machine386:
		return new(elfLinuxRegs386)
	case machineARM:
		return new(elfLinuxRegsARM)
	case machineARM64:
		return new(elfLinuxRegsARM64)
	}
	panic("unknown machine " + m.name)
}

func readELFCoreNotes(f *elf.File, p *Program) error {
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_NOTE {
			continue
		}
		verbosef("ReadELFNote: %#v", ph.ProgHeader)
		data, err := io.ReadAll(ph.Open())
		if err != nil {
			return errors.Wrapf(err, "reading PT_NOTE at offset %v", ph.Off)
		}
		err = forEachELFNote(data, f.ByteOrder, func(typ uint32, name string, desc []byte) error {
			if name != "CORE" {
				// LINUX notes hold extended register sets.
				return nil
			}
			switch typ {
			case elf_nt_prstatus:
				return p.readPrstatus(f.Class, desc)
			case elf_nt_prpsinfo:
				return p.readPsinfo(f.Class, desc)
			case elf_nt_auxv:
				p.readAuxv(desc)
			case elf_nt_file:
				return p.readNTFile(desc)
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "PT_NOTE at offset %v", ph.Off)
		}
	}
	verbosef("ReadELFNote: found %v threads", len(p.Threads))
	return nil
}

func (p *Program) readPrstatus(class elf.Class, desc []byte) error {
	r := bytes.NewReader(desc)
	order := p.machine.order
	thread := &OSThread{}
	switch class {
	case elf.ELFCLASS32:
		var prstatus elfLinuxPrstatus32
		if err := binary.Read(r, order, &prstatus); err != nil {
			return errors.Wrap(err, "reading prstatus32")
		}
		thread.PID, thread.Signal = uint64(prstatus.Pid), int(prstatus.Cursig)
	default:
		var prstatus elfLinuxPrstatus64
		if err := binary.Read(r, order, &prstatus); err != nil {
			return errors.Wrap(err, "reading prstatus64")
		}
		thread.PID, thread.Signal = uint64(prstatus.Pid), int(prstatus.Cursig)
	}
	regs := elfRegsFor(p.machine)
	if err := binary.Read(r, order, regs); err != nil {
		return errors.Wrapf(err, "reading %s registers for thread %d", p.machine.name, thread.PID)
	}
	thread.GPRegs = regMap(regs)
	verbosef("ReadELFNote: NT_PRSTATUS translated to thread %#v", thread)
	p.Threads = append(p.Threads, thread)
	return nil
}

func (p *Program) readPsinfo(class elf.Class, desc []byte) error {
	var fname []byte
	switch class {
	case elf.ELFCLASS32:
		var psinfo elfLinuxPsinfo32
		if err := binary.Read(bytes.NewReader(desc), p.machine.order, &psinfo); err != nil {
			return errors.Wrap(err, "reading psinfo32")
		}
		fname = psinfo.Fname[:]
	default:
		var psinfo elfLinuxPsinfo64
		if err := binary.Read(bytes.NewReader(desc), p.machine.order, &psinfo); err != nil {
			return errors.Wrap(err, "reading psinfo64")
		}
		fname = psinfo.Fname[:]
	}
	if k := bytes.IndexByte(fname, 0); k >= 0 {
		fname = fname[:k]
	}
	p.ExecName = string(fname)
	verbosef("ReadELFNote: NT_PRPSINFO has fname=%q", p.ExecName)
	return nil
}

func (p *Program) readAuxv(desc []byte) {
	w := p.machine.ptrSize
	for k := 0; k+2*w <= len(desc); k += 2 * w {
		tag, val := p.uintN(desc[k:k+w]), p.uintN(desc[k+w:k+2*w])
		if tag == atNull {
			break
		}
		p.auxv[tag] = val
	}
	verbosef("ReadELFNote: NT_AUXV has %d entries", len(p.auxv))
}

// readNTFile decodes the list of file-backed mappings:
//
//	count, page_size, count*(start, end, page_offset), count NUL-terminated names
func (p *Program) readNTFile(desc []byte) error {
	w := uint64(p.machine.ptrSize)
	word := func(k uint64) (uint64, error) {
		if (k+1)*w > uint64(len(desc)) {
			return 0, errors.Errorf("NT_FILE truncated at word %d", k)
		}
		return p.uintN(desc[k*w : (k+1)*w]), nil
	}
	count, err := word(0)
	if err != nil {
		return err
	}
	pageSize, err := word(1)
	if err != nil {
		return err
	}
	names := desc[min((2+3*count)*w, uint64(len(desc))):]
	for k := uint64(0); k < count; k++ {
		var v [3]uint64
		for j := range v {
			if v[j], err = word(2 + 3*k + uint64(j)); err != nil {
				return err
			}
		}
		end := bytes.IndexByte(names, 0)
		if end < 0 {
			return errors.Errorf("NT_FILE name %d is not terminated", k)
		}
		fm := fileMapping{start: v[0], end: v[1], offset: v[2] * pageSize, path: string(names[:end])}
		names = names[end+1:]
		verbosef("ReadELFNote: NT_FILE %#x-%#x %#x %s", fm.start, fm.end, fm.offset, fm.path)
		p.mappings = append(p.mappings, fm)
	}
	return nil
}

// loadELFModules opens every file recorded in NT_FILE, plus the
// executable given in opts.
func loadELFModules(p *Program, opts *OpenOptions) error {
	entry := p.auxv[atEntry]
	var (
		paths  []string
		groups = map[string][]fileMapping{}
		exec   string
	)
	for _, fm := range p.mappings {
		if _, ok := groups[fm.path]; !ok {
			paths = append(paths, fm.path)
		}
		groups[fm.path] = append(groups[fm.path], fm)
		if entry != 0 && fm.start <= entry && entry < fm.end {
			exec = fm.path
		}
	}

	if exec == "" && opts.ExecutablePath != "" {
		m := &module{path: opts.ExecutablePath}
		p.loadELFModule(m, opts.ExecutablePath, nil, entry)
		p.addModule(m)
	}
	for _, path := range paths {
		mappings := groups[path]
		m := &module{path: path, lo: mappings[0].start, hi: mappings[0].end}
		for _, fm := range mappings[1:] {
			m.lo, m.hi = min(m.lo, fm.start), max(m.hi, fm.end)
		}
		fsPath := path
		if opts.SysRoot != "" {
			fsPath = filepath.Join(opts.SysRoot, path)
		}
		var modEntry uint64
		if path == exec {
			modEntry = entry
			if opts.ExecutablePath != "" {
				m.path, fsPath = opts.ExecutablePath, opts.ExecutablePath
			}
		}
		p.loadELFModule(m, fsPath, mappings, modEntry)
		p.addModule(m)
	}
	return nil
}

// loadELFModule fills in m from the ELF file at fsPath. Failures are
// logged and leave m with only its path and address range. entry is the
// process entry point from the auxiliary vector, if m is the executable.
func (p *Program) loadELFModule(m *module, fsPath string, mappings []fileMapping, entry uint64) {
	file, err := mmapOpen(fsPath)
	if err != nil {
		logf("module %s: %v", m.path, err)
		return
	}
	f, err := elf.NewFile(file)
	if err != nil {
		logf("module %s: %v", m.path, err)
		file.Close()
		return
	}
	if fm, _, _ := elfMachine(f); fm != p.machine {
		logf("module %s: machine %s does not match the core", m.path, f.Machine)
		file.Close()
		return
	}
	m.file = file

	var loads []elf.ProgHeader
	for _, ph := range f.Progs {
		if ph.Type == elf.PT_LOAD && ph.Memsz > 0 {
			loads = append(loads, ph.ProgHeader)
		}
	}
	sort.Slice(loads, func(i, k int) bool { return loads[i].Vaddr < loads[k].Vaddr })

	switch {
	case entry != 0:
		m.bias = entry - f.Entry
	case f.Type == elf.ET_DYN && len(loads) > 0:
		for _, fm := range mappings {
			if fm.offset == 0 {
				m.bias = fm.start - pageDown(loads[0].Vaddr)
				break
			}
		}
	}
	if len(mappings) == 0 && len(loads) > 0 {
		last := loads[len(loads)-1]
		m.lo, m.hi = loads[0].Vaddr+m.bias, last.Vaddr+last.Memsz+m.bias
	}
	verbosef("module %s: [%#x, %#x) bias %#x", m.path, m.lo, m.hi, m.bias)

	m.id = elfBuildID(f)
	m.syms = elfSymbols(f)
	m.gotab = elfGoTable(f)
	if d, err := f.DWARF(); err == nil {
		m.dwarf = d
	} else {
		verbosef("module %s: no DWARF: %v", m.path, err)
	}
	m.fdes = elfFrames(f, p.machine)
	m.fdesBias = m.bias

	for _, ph := range loads {
		if err := p.insertModuleSegment(m, ph); err != nil {
			logf("module %s: %v", m.path, err)
		}
	}
}

func (p *Program) insertModuleSegment(m *module, ph elf.ProgHeader) error {
	base := ph.Vaddr + m.bias
	readable := ph.Flags&elf.PF_R != 0
	if ph.Filesz > 0 {
		err := p.segments.insert(base, ph.Filesz, func(addr, size uint64) (dataSegment, error) {
			data, err := m.file.ReadSliceAt(ph.Off+(addr-base), size)
			if err != nil {
				return dataSegment{}, err
			}
			return dataSegment{addr: addr, data: data, readable: readable, source: m.path}, nil
		})
		if err != nil {
			return err
		}
	}
	if ph.Memsz > ph.Filesz {
		err := p.segments.insert(base+ph.Filesz, ph.Memsz-ph.Filesz, func(addr, size uint64) (dataSegment, error) {
			if int(size) <= 0 {
				return dataSegment{}, errors.Errorf("bss size out of bounds: %v", size)
			}
			anon, err := mmapAnonymous(int(size))
			if err != nil {
				return dataSegment{}, err
			}
			p.filemaps = append(p.filemaps, anon)
			return dataSegment{addr: addr, data: anon.data, readable: readable, source: m.path + " (bss)"}, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func pageDown(addr uint64) uint64 {
	return addr &^ 0xfff
}

// elfBuildID returns the GNU build ID of f as lower-case hex.
func elfBuildID(f *elf.File) string {
	var id string
	scan := func(data []byte) {
		forEachELFNote(data, f.ByteOrder, func(typ uint32, name string, desc []byte) error {
			if typ == elf_nt_gnu_build_id && name == "GNU" && id == "" {
				id = hex.EncodeToString(desc)
			}
			return nil
		})
	}
	if s := f.Section(".note.gnu.build-id"); s != nil {
		if data, err := s.Data(); err == nil {
			scan(data)
		}
	}
	for _, ph := range f.Progs {
		if id != "" {
			break
		}
		if ph.Type == elf.PT_NOTE {
			if data, err := io.ReadAll(ph.Open()); err == nil {
				scan(data)
			}
		}
	}
	return id
}

// elfFrames parses the call frame information in .eh_frame and
// .debug_frame. Addresses are link-time addresses.
func elfFrames(f *elf.File, m *machine) frame.FrameDescriptionEntries {
	var fdes frame.FrameDescriptionEntries
	if s := f.Section(".eh_frame"); s != nil && s.Type != elf.SHT_NOBITS {
		if data, err := s.Data(); err == nil {
			if parsed, err := frame.Parse(data, f.ByteOrder, 0, m.ptrSize, s.Addr); err == nil {
				fdes = fdes.Append(parsed)
			} else {
				logf("parsing .eh_frame: %v", err)
			}
		}
	}
	if s := f.Section(".debug_frame"); s != nil {
		if data, err := s.Data(); err == nil {
			if parsed, err := frame.Parse(data, f.ByteOrder, 0, m.ptrSize, 0); err == nil {
				fdes = fdes.Append(parsed)
			} else {
				logf("parsing .debug_frame: %v", err)
			}
		}
	}
	verbosef("parsed %d FDEs", len(fdes))
	return fdes
}
