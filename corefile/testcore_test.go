package corefile

import (
	"bytes"
	"encoding/binary"
	"testing"

	lru "github.com/elastic/go-freelru"

	"github.com/tombergan/unwinddiag/unwind"
)

// testCore builds a little-endian ELF64 x86-64 core image in memory.
type testCore struct {
	notes bytes.Buffer
	loads []testLoad
}

type testLoad struct {
	vaddr uint64
	data  []byte
	flags uint32
}

func (c *testCore) note(typ uint32, name string, desc []byte) {
	le := binary.LittleEndian
	nameb := append([]byte(name), 0)
	binary.Write(&c.notes, le, elfNote{Namesz: uint32(len(nameb)), Descsz: uint32(len(desc)), Ntype: typ})
	c.notes.Write(nameb)
	c.notes.Write(make([]byte, align4(uint32(len(nameb)))-uint64(len(nameb))))
	c.notes.Write(desc)
	c.notes.Write(make([]byte, align4(uint32(len(desc)))-uint64(len(desc))))
}

// rawNote appends a note header followed by body, without checking that
// the header's sizes describe body.
func (c *testCore) rawNote(hdr elfNote, body []byte) {
	binary.Write(&c.notes, binary.LittleEndian, hdr)
	c.notes.Write(body)
}

func (c *testCore) load(vaddr uint64, data []byte) {
	c.loads = append(c.loads, testLoad{vaddr: vaddr, data: data, flags: 6}) // PF_R|PF_W
}

func (c *testCore) bytes() []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	le := binary.LittleEndian
	phnum := 1 + len(c.loads)
	off := uint64(ehsize + phentsize*phnum)

	var b bytes.Buffer
	b.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	b.Write(make([]byte, 8))
	binary.Write(&b, le, struct {
		Type, Machine              uint16
		Version                    uint32
		Entry, Phoff, Shoff        uint64
		Flags                      uint32
		Ehsize, Phentsize, Phnum   uint16
		Shentsize, Shnum, Shstrndx uint16
	}{4, 62, 1, 0, ehsize, 0, 0, ehsize, phentsize, uint16(phnum), 64, 0, 0})

	type phdr struct {
		Type, Flags                             uint32
		Off, Vaddr, Paddr, Filesz, Memsz, Align uint64
	}
	binary.Write(&b, le, phdr{Type: 4, Off: off, Filesz: uint64(c.notes.Len()), Align: 4})
	off += uint64(c.notes.Len())
	for _, l := range c.loads {
		binary.Write(&b, le, phdr{Type: 1, Flags: l.flags, Off: off, Vaddr: l.vaddr, Filesz: uint64(len(l.data)), Memsz: uint64(len(l.data)), Align: 0x1000})
		off += uint64(len(l.data))
	}
	b.Write(c.notes.Bytes())
	for _, l := range c.loads {
		b.Write(l.data)
	}
	return b.Bytes()
}

func words(vs ...uint64) []byte {
	b := make([]byte, 8*len(vs))
	for k, v := range vs {
		binary.LittleEndian.PutUint64(b[8*k:], v)
	}
	return b
}

func encode(t *testing.T, vs ...interface{}) []byte {
	t.Helper()
	var b bytes.Buffer
	for _, v := range vs {
		if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write(%T): %v", v, err)
		}
	}
	return b.Bytes()
}

// stackCore returns a core stopped in a three-deep call chain with a
// standard frame-pointer chain on the stack:
//
//	thread 42: rip=0x401010 rbp=0x7ff900
//	[0x7ff900]=0x7ffa00 [0x7ff908]=0x402020
//	[0x7ffa00]=0        [0x7ffa08]=0x403030
//
// The executable /nonexistent/a.out is mapped at [0x400000, 0x405000).
func stackCore(t *testing.T) []byte {
	var c testCore
	regs := elfLinuxRegsAMD64{Rip: 0x401010, Rsp: 0x7ff800, Rbp: 0x7ff900}
	c.note(elf_nt_prstatus, "CORE", encode(t, elfLinuxPrstatus64{Pid: 42, Cursig: 11}, regs, int64(0)))
	var ps elfLinuxPsinfo64
	copy(ps.Fname[:], "a.out")
	c.note(elf_nt_prpsinfo, "CORE", encode(t, ps))
	c.note(elf_nt_auxv, "CORE", words(atEntry, 0x401000, atNull, 0))
	c.note(elf_nt_file, "CORE", append(words(1, 0x1000, 0x400000, 0x405000, 0), "/nonexistent/a.out\x00"...))

	stack := make([]byte, 0x1000)
	put := func(addr, v uint64) { binary.LittleEndian.PutUint64(stack[addr-0x7ff000:], v) }
	put(0x7ff900, 0x7ffa00)
	put(0x7ff908, 0x402020)
	put(0x7ffa00, 0)
	put(0x7ffa08, 0x403030)
	c.load(0x7ff000, stack)
	return c.bytes()
}

func openTestCore(t *testing.T, data []byte) *Program {
	t.Helper()
	p, err := openFile(bytesFile("test.core", data), &OpenOptions{})
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// newTestProgram returns an empty program for m with a resolution cache.
func newTestProgram(t *testing.T, m *machine) *Program {
	t.Helper()
	cache, err := lru.New[uint64, unwind.Location](64, hashAddr)
	if err != nil {
		t.Fatal(err)
	}
	return &Program{machine: m, Triple: testTriples[m], cache: cache, auxv: map[uint64]uint64{}}
}

var testTriples = map[*machine]string{
	machineAMD64: "x86_64-unknown-linux-gnu",
	machine386:   "i386-unknown-linux-gnu",
	machineARM:   "arm-unknown-linux-gnueabi",
	machineARM64: "aarch64-unknown-linux-gnu",
}

// addMemory maps data at addr in p.
func addMemory(t *testing.T, p *Program, addr uint64, data []byte) {
	t.Helper()
	err := p.segments.insert(addr, uint64(len(data)), func(a, size uint64) (dataSegment, error) {
		return dataSegment{addr: a, data: data[a-addr : a-addr+size], readable: true, source: "test"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
