package corefile

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/go-delve/delve/pkg/dwarf/frame"
	"github.com/pkg/errors"
)

// Mach-O constants missing from debug/macho. See <mach-o/loader.h> and
// <mach/*/thread_status.h>.
const (
	machoTypeExec     = 2
	machoTypeCore     = 4
	machoTypeDylib    = 6
	machoTypeDylinker = 7

	machoLoadCmdSegment    = 0x1
	machoLoadCmdThread     = 0x4
	machoLoadCmdUnixThread = 0x5
	machoLoadCmdIDDylib    = 0xd
	machoLoadCmdSegment64  = 0x19
	machoLoadCmdUUID       = 0x1b

	machoX86ThreadState32 = 1
	machoX86ThreadState64 = 4
	machoX86ThreadState   = 7
	machoARMThreadState   = 1
	machoARMThreadState64 = 6
)

func isMachOMagic(magic [4]byte) bool {
	switch binary.LittleEndian.Uint32(magic[:]) {
	case macho.Magic32, macho.Magic64:
		return true
	}
	return false
}

func machoMachine(cpu macho.Cpu) (*machine, string, error) {
	switch cpu {
	case macho.CpuAmd64:
		return machineAMD64, "x86_64-apple-macosx", nil
	case macho.Cpu386:
		return machine386, "i386-apple-macosx", nil
	case macho.CpuArm:
		return machineARM, "armv7-apple-ios", nil
	case macho.CpuArm64:
		return machineARM64, "arm64-apple-ios", nil
	}
	return nil, "", errors.Errorf("unsupported Mach-O cpu %s", cpu)
}

// Thread states, in the layouts of the corresponding flavors.
type machoX86ThreadState64Regs struct {
	Rax, Rbx, Rcx, Rdx, Rdi, Rsi, Rbp, Rsp uint64
	R8, R9, R10, R11, R12, R13, R14, R15  uint64
	Rip, Rflags, Cs, Fs, Gs               uint64
}

type machoX86ThreadState32Regs struct {
	Eax, Ebx, Ecx, Edx, Edi, Esi, Ebp, Esp uint32
	Ss, Eflags, Eip, Cs, Ds, Es, Fs, Gs    uint32
}

// r13-r15 are sp, lr and pc.
type machoARMThreadStateRegs struct {
	R    [16]uint32
	Cpsr uint32
}

type machoARMThreadState64Regs struct {
	X    [29]uint64
	X29  uint64 // fp
	X30  uint64 // lr
	Sp   uint64
	Pc   uint64
	Cpsr uint32
	_    uint32
}

func readMachOCore(mmapf *mmapFile, p *Program) error {
	f, err := macho.NewFile(mmapf)
	if err != nil {
		return err
	}
	if f.Type != machoTypeCore {
		return errors.Errorf("%s is Mach-O type %d, not a core file", mmapf.Name(), f.Type)
	}
	p.machine, p.Triple, err = machoMachine(f.Cpu)
	if err != nil {
		return err
	}
	verbosef("ReadMachO: machine=%s triple=%s", p.machine.name, p.Triple)

	for _, l := range f.Loads {
		switch l := l.(type) {
		case *macho.Segment:
			if l.Filesz == 0 {
				continue
			}
			seg := l
			err := p.segments.insert(seg.Addr, seg.Filesz, func(addr, size uint64) (dataSegment, error) {
				data, err := mmapf.ReadSliceAt(seg.Offset+(addr-seg.Addr), size)
				if err != nil {
					return dataSegment{}, errors.Wrapf(err, "bad Mach-O segment at %#x", seg.Addr)
				}
				return dataSegment{addr: addr, data: data, readable: seg.Prot&1 != 0, source: mmapf.Name()}, nil
			})
			if err != nil {
				return err
			}
		default:
			raw := l.Raw()
			if len(raw) < 8 {
				continue
			}
			switch f.ByteOrder.Uint32(raw) {
			case machoLoadCmdThread, machoLoadCmdUnixThread:
				if err := p.readMachOThread(f.ByteOrder, raw[8:]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// readMachOThread decodes an LC_THREAD body: a sequence of
// (flavor, count, state[count]) with count in 32-bit words.
func (p *Program) readMachOThread(order binary.ByteOrder, body []byte) error {
	thread := &OSThread{PID: uint64(len(p.Threads))}
	for len(body) >= 8 {
		flavor, count := order.Uint32(body), order.Uint32(body[4:])
		body = body[8:]
		size := uint64(count) * 4
		if size > uint64(len(body)) {
			return errors.Errorf("LC_THREAD flavor %d: state of %d words is truncated", flavor, count)
		}
		state := body[:size]
		body = body[size:]

		var regs interface{}
		switch {
		case p.machine == machineAMD64 && flavor == machoX86ThreadState64:
			regs = new(machoX86ThreadState64Regs)
		case p.machine == machine386 && flavor == machoX86ThreadState32:
			regs = new(machoX86ThreadState32Regs)
		case p.machine == machineAMD64 && flavor == machoX86ThreadState && len(state) > 8:
			// Wrapped state: an inner (flavor, count) header.
			if order.Uint32(state) == machoX86ThreadState64 {
				regs, state = new(machoX86ThreadState64Regs), state[8:]
			}
		case p.machine == machineARM && flavor == machoARMThreadState:
			regs = new(machoARMThreadStateRegs)
		case p.machine == machineARM64 && flavor == machoARMThreadState64:
			regs = new(machoARMThreadState64Regs)
		}
		if regs == nil {
			verbosef("ReadMachO: skipping thread state flavor %d (%d words)", flavor, count)
			continue
		}
		if err := binary.Read(bytes.NewReader(state), order, regs); err != nil {
			return errors.Wrapf(err, "reading thread state flavor %d", flavor)
		}
		thread.GPRegs = regMap(regs)
	}
	if thread.GPRegs == nil {
		logf("ReadMachO: LC_THREAD without a general-purpose state")
		return nil
	}
	verbosef("ReadMachO: thread %#v", thread)
	p.Threads = append(p.Threads, thread)
	return nil
}

// machoImage is a Mach-O header found in process memory.
type machoImage struct {
	addr     uint64 // load address of the header
	fileType uint32
	uuid     string
	name     string // from LC_ID_DYLIB, if any
	textAddr uint64 // link-time __TEXT address
	textSize uint64
}

// scanMachOImages looks for Mach-O headers at the start of each core
// segment.
func (p *Program) scanMachOImages() []machoImage {
	var images []machoImage
	for _, s := range p.segments {
		if img, ok := parseMachOImage(s.data, p.machine.order); ok {
			img.addr = s.addr
			verbosef("ReadMachO: image at %#x type %d uuid %s %s", img.addr, img.fileType, img.uuid, img.name)
			images = append(images, img)
		}
	}
	return images
}

func parseMachOImage(data []byte, order binary.ByteOrder) (machoImage, bool) {
	var img machoImage
	if len(data) < 28 {
		return img, false
	}
	hdrSize := 0
	switch order.Uint32(data) {
	case macho.Magic32:
		hdrSize = 28
	case macho.Magic64:
		hdrSize = 32
	default:
		return img, false
	}
	img.fileType = order.Uint32(data[12:])
	switch img.fileType {
	case machoTypeExec, machoTypeDylib, machoTypeDylinker:
	default:
		return img, false
	}
	ncmds := order.Uint32(data[16:])
	off := hdrSize
	for k := uint32(0); k < ncmds; k++ {
		if off+8 > len(data) {
			return img, false
		}
		cmd, size := order.Uint32(data[off:]), int(order.Uint32(data[off+4:]))
		if size < 8 || off+size > len(data) {
			return img, false
		}
		lc := data[off : off+size]
		switch cmd {
		case machoLoadCmdUUID:
			if len(lc) >= 24 {
				img.uuid = formatUUID(lc[8:24])
			}
		case machoLoadCmdIDDylib:
			if len(lc) >= 12 {
				if nameOff := int(order.Uint32(lc[8:])); nameOff < len(lc) {
					name := lc[nameOff:]
					if end := bytes.IndexByte(name, 0); end >= 0 {
						name = name[:end]
					}
					img.name = string(name)
				}
			}
		case machoLoadCmdSegment64:
			if len(lc) >= 40 && segName(lc[8:24]) == "__TEXT" {
				img.textAddr, img.textSize = order.Uint64(lc[24:]), order.Uint64(lc[32:])
			}
		case machoLoadCmdSegment:
			if len(lc) >= 32 && segName(lc[8:24]) == "__TEXT" {
				img.textAddr, img.textSize = uint64(order.Uint32(lc[24:])), uint64(order.Uint32(lc[28:]))
			}
		}
		off += size
	}
	return img, img.textSize > 0
}

func segName(b []byte) string {
	if k := bytes.IndexByte(b, 0); k >= 0 {
		b = b[:k]
	}
	return string(b)
}

// formatUUID renders a 16-byte UUID the way Apple tools do.
func formatUUID(b []byte) string {
	return fmt.Sprintf("%X-%X-%X-%X-%X", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func machoUUID(f *macho.File) string {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) >= 24 && f.ByteOrder.Uint32(raw) == machoLoadCmdUUID {
			return formatUUID(raw[8:24])
		}
	}
	return ""
}

// loadMachOModules registers every image found in memory. The executable
// given in opts is matched to its image by UUID.
func loadMachOModules(p *Program, opts *OpenOptions) error {
	var exec *macho.File
	var execFile *mmapFile
	var execUUID string
	if opts.ExecutablePath != "" {
		file, err := mmapOpen(opts.ExecutablePath)
		if err != nil {
			return err
		}
		f, err := macho.NewFile(file)
		if err != nil {
			file.Close()
			return errors.Wrapf(err, "reading %s", opts.ExecutablePath)
		}
		exec, execFile, execUUID = f, file, machoUUID(f)
	}

	matched := false
	for _, img := range p.scanMachOImages() {
		m := &module{
			path: img.name,
			lo:   img.addr,
			hi:   img.addr + img.textSize,
			bias: img.addr - img.textAddr,
			id:   img.uuid,
		}
		switch {
		case exec != nil && !matched && (img.uuid == execUUID || execUUID == "" && img.fileType == machoTypeExec):
			matched = true
			m.path = opts.ExecutablePath
			p.loadMachOModule(m, exec, execFile)
		case img.fileType == machoTypeExec:
			m.path = p.ExecName
		case img.name != "":
			fsPath := img.name
			if opts.SysRoot != "" {
				fsPath = filepath.Join(opts.SysRoot, img.name)
			}
			if file, err := mmapOpen(fsPath); err == nil {
				if f, err := macho.NewFile(file); err == nil && machoUUID(f) == img.uuid {
					p.loadMachOModule(m, f, file)
				} else {
					verbosef("module %s: not the mapped image", fsPath)
					file.Close()
				}
			} else {
				verbosef("module %s: %v", img.name, err)
			}
		}
		p.addModule(m)
	}

	if exec != nil && !matched {
		logf("executable %s (uuid %s) not found in core memory; assuming no slide", opts.ExecutablePath, execUUID)
		m := &module{path: opts.ExecutablePath, id: execUUID}
		for _, seg := range segmentsOf(exec) {
			if seg.Name == "__TEXT" {
				m.lo, m.hi = seg.Addr, seg.Addr+seg.Memsz
			}
		}
		p.loadMachOModule(m, exec, execFile)
		p.addModule(m)
	}
	return nil
}

// segmentsOf lists the segments of f. debug/macho keeps them among Loads.
func segmentsOf(f *macho.File) []*macho.Segment {
	var segs []*macho.Segment
	for _, l := range f.Loads {
		if s, ok := l.(*macho.Segment); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

func (p *Program) loadMachOModule(m *module, f *macho.File, file *mmapFile) {
	m.file = file
	m.syms = machoSymbols(f)
	m.gotab = machoGoTable(f)
	if d, err := f.DWARF(); err == nil {
		m.dwarf = d
	} else {
		verbosef("module %s: no DWARF: %v", m.path, err)
	}
	m.fdes = machoFrames(f, p.machine)
	m.fdesBias = m.bias

	for _, seg := range segmentsOf(f) {
		if seg.Filesz == 0 || seg.Name == "__PAGEZERO" {
			continue
		}
		base := seg.Addr + m.bias
		err := p.segments.insert(base, seg.Filesz, func(addr, size uint64) (dataSegment, error) {
			data, err := file.ReadSliceAt(seg.Offset+(addr-base), size)
			if err != nil {
				return dataSegment{}, err
			}
			return dataSegment{addr: addr, data: data, readable: seg.Prot&1 != 0, source: m.path}, nil
		})
		if err != nil {
			logf("module %s: %v", m.path, err)
		}
	}
}

func machoFrames(f *macho.File, m *machine) frame.FrameDescriptionEntries {
	var fdes frame.FrameDescriptionEntries
	if s := f.Section("__eh_frame"); s != nil {
		if data, err := s.Data(); err == nil {
			if parsed, err := frame.Parse(data, f.ByteOrder, 0, m.ptrSize, s.Addr); err == nil {
				fdes = fdes.Append(parsed)
			} else {
				logf("parsing __eh_frame: %v", err)
			}
		}
	}
	if s := f.Section("__debug_frame"); s != nil {
		if data, err := s.Data(); err == nil {
			if parsed, err := frame.Parse(data, f.ByteOrder, 0, m.ptrSize, 0); err == nil {
				fdes = fdes.Append(parsed)
			} else {
				logf("parsing __debug_frame: %v", err)
			}
		}
	}
	return fdes
}
