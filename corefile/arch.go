package corefile

import (
	"encoding/binary"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-delve/delve/pkg/dwarf/regnum"
)

// machine holds the architecture-specific facts the adapter needs: how
// registers are named in thread notes, how DWARF numbers them, and the
// frame-pointer convention used when no CFI covers a pc.
type machine struct {
	name    string // GOARCH-style name
	ptrSize int
	order   binary.ByteOrder

	// Register names, as produced by regMap.
	pcReg, spReg, fpReg, lrReg string

	// exposesFP is false where the platform has no generic frame pointer
	// (32-bit ARM); StackFrame.FP reports InvalidAddress there.
	exposesFP bool

	// DWARF register numbers.
	dwarfRegs           map[uint64]string
	dwarfPC, dwarfSP    uint64
	dwarfFP, dwarfRetPC uint64
}

var (
	machineAMD64 = &machine{
		name:      "amd64",
		ptrSize:   8,
		order:     binary.LittleEndian,
		pcReg:     "rip",
		spReg:     "rsp",
		fpReg:     "rbp",
		exposesFP: true,
		dwarfRegs: map[uint64]string{
			regnum.AMD64_Rax: "rax", regnum.AMD64_Rdx: "rdx", regnum.AMD64_Rcx: "rcx", regnum.AMD64_Rbx: "rbx",
			regnum.AMD64_Rsi: "rsi", regnum.AMD64_Rdi: "rdi", regnum.AMD64_Rbp: "rbp", regnum.AMD64_Rsp: "rsp",
			regnum.AMD64_R8: "r8", regnum.AMD64_R9: "r9", regnum.AMD64_R10: "r10", regnum.AMD64_R11: "r11",
			regnum.AMD64_R12: "r12", regnum.AMD64_R13: "r13", regnum.AMD64_R14: "r14", regnum.AMD64_R15: "r15",
			regnum.AMD64_Rip: "rip",
		},
		dwarfPC:    regnum.AMD64_Rip,
		dwarfSP:    regnum.AMD64_Rsp,
		dwarfFP:    regnum.AMD64_Rbp,
		dwarfRetPC: regnum.AMD64_Rip,
	}

	machine386 = &machine{
		name:      "386",
		ptrSize:   4,
		order:     binary.LittleEndian,
		pcReg:     "eip",
		spReg:     "esp",
		fpReg:     "ebp",
		exposesFP: true,
		dwarfRegs: map[uint64]string{
			regnum.I386_Eax: "eax", regnum.I386_Ecx: "ecx", regnum.I386_Edx: "edx", regnum.I386_Ebx: "ebx",
			regnum.I386_Esp: "esp", regnum.I386_Ebp: "ebp", regnum.I386_Esi: "esi", regnum.I386_Edi: "edi",
			regnum.I386_Eip: "eip",
		},
		dwarfPC:    regnum.I386_Eip,
		dwarfSP:    regnum.I386_Esp,
		dwarfFP:    regnum.I386_Ebp,
		dwarfRetPC: regnum.I386_Eip,
	}

	// Delve has no 32-bit ARM register table; these are the AAPCS DWARF
	// numbers r0-r15.
	machineARM = &machine{
		name:       "arm",
		ptrSize:    4,
		order:      binary.LittleEndian,
		pcReg:      "r15",
		spReg:      "r13",
		fpReg:      "r7",
		lrReg:      "r14",
		exposesFP:  false,
		dwarfRegs:  numberedRegs("r", 0, 15),
		dwarfPC:    15,
		dwarfSP:    13,
		dwarfFP:    7,
		dwarfRetPC: 14,
	}

	machineARM64 = &machine{
		name:       "arm64",
		ptrSize:    8,
		order:      binary.LittleEndian,
		pcReg:      "pc",
		spReg:      "sp",
		fpReg:      "x29",
		lrReg:      "x30",
		exposesFP:  true,
		dwarfRegs:  arm64DWARFRegs(),
		dwarfPC:    regnum.ARM64_PC,
		dwarfSP:    regnum.ARM64_SP,
		dwarfFP:    regnum.ARM64_BP,
		dwarfRetPC: regnum.ARM64_LR,
	}
)

// numberedRegs names DWARF registers first..last as prefix+number.
func numberedRegs(prefix string, first, last uint64) map[uint64]string {
	m := make(map[uint64]string, last-first+1)
	for k := first; k <= last; k++ {
		m[k] = prefix + strconv.FormatUint(k-first, 10)
	}
	return m
}

func arm64DWARFRegs() map[uint64]string {
	m := numberedRegs("x", regnum.ARM64_X0, regnum.ARM64_X0+30)
	m[regnum.ARM64_SP] = "sp"
	m[regnum.ARM64_PC] = "pc"
	return m
}

// regAlias maps the generic names accepted by ReadRegister to the
// machine's own.
func (m *machine) regAlias(name string) string {
	switch name {
	case "pc":
		return m.pcReg
	case "sp":
		return m.spReg
	case "fp":
		return m.fpReg
	case "lr":
		if m.lrReg != "" {
			return m.lrReg
		}
	}
	return name
}

// regMap converts a register struct, as decoded from a thread note, into a
// map keyed by lower-cased field name. Array fields contribute one entry per
// element, suffixed with its index (R [16]uint32 gives r0..r15). Fields
// named "_" are skipped.
func regMap(regs interface{}) map[string]uint64 {
	v := reflect.Indirect(reflect.ValueOf(regs))
	t := v.Type()
	m := make(map[string]uint64, t.NumField())
	for k := 0; k < t.NumField(); k++ {
		name := t.Field(k).Name
		if name == "_" {
			continue
		}
		name = strings.ToLower(name)
		f := v.Field(k)
		if f.Kind() == reflect.Array {
			for j := 0; j < f.Len(); j++ {
				m[name+strconv.Itoa(j)] = f.Index(j).Uint()
			}
			continue
		}
		m[name] = f.Uint()
	}
	return m
}
