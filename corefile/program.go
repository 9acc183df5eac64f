package corefile

import (
	"bytes"
	"encoding/binary"
	"sort"

	lru "github.com/elastic/go-freelru"
	"github.com/pkg/errors"

	"github.com/tombergan/unwinddiag/unwind"
)

// DefaultSymbolCacheSize is the number of address resolutions a Program
// remembers when OpenOptions.SymbolCacheSize is zero.
const DefaultSymbolCacheSize = 4096

// OpenOptions configures Open. A nil *OpenOptions uses the defaults.
type OpenOptions struct {
	// ExecutablePath overrides the main executable recorded in the core.
	ExecutablePath string
	// SysRoot is prepended to module paths recorded in the core.
	SysRoot string
	// SymbolCacheSize bounds the resolution cache.
	SymbolCacheSize int
}

// Program is a process image loaded from a core file, together with the
// executable and shared libraries it had mapped.
type Program struct {
	// Triple is the target triple of the process, e.g. x86_64-unknown-linux-gnu.
	Triple string
	// Threads lists the threads in core order. The first thread is the
	// one that received the fatal signal.
	Threads []*OSThread
	// ExecName is the executable name recorded by the kernel, if any.
	ExecName string

	machine  *machine
	segments dataSegments
	modules  []*module // sorted by lo
	filemaps []*mmapFile
	cache    *lru.LRU[uint64, unwind.Location]

	// Collected while reading the core, consumed when loading modules.
	auxv     map[uint64]uint64
	mappings []fileMapping
}

// OSThread describes a kernel thread.
type OSThread struct {
	PID    uint64            // kernel's id for this thread
	Signal int               // pending signal, 0 if none
	GPRegs map[string]uint64 // values of general-purpose registers (arch specific)

	program *Program
	frames  []*StackFrame // computed on first use
}

// fileMapping is a file-backed mapping recorded in the core.
type fileMapping struct {
	start, end uint64
	offset     uint64 // byte offset into the file
	path       string
}

// Open loads the core file at corePath.
func Open(corePath string, opts *OpenOptions) (*Program, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	mmapf, err := mmapOpen(corePath)
	if err != nil {
		return nil, err
	}
	p, err := openFile(mmapf, opts)
	if err != nil {
		mmapf.Close()
		return nil, errors.Wrapf(err, "reading core %s", corePath)
	}
	return p, nil
}

func openFile(mmapf *mmapFile, opts *OpenOptions) (*Program, error) {
	p := &Program{
		filemaps: []*mmapFile{mmapf},
		auxv:     map[uint64]uint64{},
	}
	size := opts.SymbolCacheSize
	if size <= 0 {
		size = DefaultSymbolCacheSize
	}
	cache, err := lru.New[uint64, unwind.Location](uint32(size), hashAddr)
	if err != nil {
		return nil, err
	}
	p.cache = cache

	var magic [4]byte
	if _, err := mmapf.ReadAt(magic[:], 0); err != nil {
		return nil, errors.Wrap(err, "reading magic")
	}
	switch {
	case bytes.Equal(magic[:], []byte("\x7fELF")):
		err = readELFCore(mmapf, p)
		if err == nil {
			err = loadELFModules(p, opts)
		}
	case isMachOMagic(magic):
		err = readMachOCore(mmapf, p)
		if err == nil {
			err = loadMachOModules(p, opts)
		}
	default:
		err = errors.Errorf("unrecognized file format (magic % x)", magic)
	}
	if err != nil {
		p.Close()
		return nil, err
	}
	if len(p.Threads) == 0 {
		p.Close()
		return nil, errors.New("core has no threads")
	}
	sort.Slice(p.modules, func(i, k int) bool { return p.modules[i].lo < p.modules[k].lo })
	for _, t := range p.Threads {
		t.program = p
	}
	logf("opened core: triple %s, %d threads, %d modules, %d segments", p.Triple, len(p.Threads), len(p.modules), len(p.segments))
	return p, nil
}

// hashAddr spreads addresses over the cache's buckets.
func hashAddr(addr uint64) uint32 {
	addr ^= addr >> 33
	addr *= 0xff51afd7ed558ccd
	addr ^= addr >> 33
	return uint32(addr)
}

// Close releases the mappings held by p.
func (p *Program) Close() error {
	var first error
	for _, f := range p.filemaps {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.filemaps = nil
	p.segments = nil
	return first
}

// AddressByteSize returns the size of a pointer in the process.
func (p *Program) AddressByteSize() int {
	return p.machine.ptrSize
}

// ByteOrder returns the byte order of the process.
func (p *Program) ByteOrder() binary.ByteOrder {
	return p.machine.order
}

// ReadMemory returns size bytes at addr, or false if any of them are not
// mapped and readable in a single segment.
func (p *Program) ReadMemory(addr, size uint64) ([]byte, bool) {
	return p.segments.read(addr, size)
}

// ReadPointer reads one pointer-sized value at addr.
func (p *Program) ReadPointer(addr uint64) (uint64, bool) {
	b, ok := p.segments.read(addr, uint64(p.machine.ptrSize))
	if !ok {
		return 0, false
	}
	return p.uintN(b), true
}

func (p *Program) uintN(b []byte) uint64 {
	if len(b) == 4 {
		return uint64(p.machine.order.Uint32(b))
	}
	return p.machine.order.Uint64(b)
}

// Modules returns the name and ID of each loaded module, in address order.
func (p *Program) Modules() []unwind.Module {
	mods := make([]unwind.Module, len(p.modules))
	for k, m := range p.modules {
		mods[k] = m.info()
	}
	return mods
}

// findModule finds the module mapped at addr.
func (p *Program) findModule(addr uint64) *module {
	k := sort.Search(len(p.modules), func(k int) bool {
		return addr < p.modules[k].lo
	})
	k--
	if k >= 0 && p.modules[k].contains(addr) {
		return p.modules[k]
	}
	return nil
}

// addModule registers m and fills gaps in the memory map from its file.
func (p *Program) addModule(m *module) {
	p.modules = append(p.modules, m)
	if m.file != nil {
		p.filemaps = append(p.filemaps, m.file)
	}
}
