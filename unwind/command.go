package unwind

import (
	"fmt"
	"strconv"
)

// CommandKind selects one of the host's diagnostic commands.
type CommandKind int

const (
	CommandDisassemble CommandKind = iota
	CommandShowUnwind
)

// Command asks the host for a diagnostic dump of one function, identified
// either by an address inside it or, for older hosts, by its name.
type Command struct {
	Kind     CommandKind
	ByName   bool
	Addr     uint64
	Function string
	// Flavor is the disassembly syntax; "att" or empty for the host default.
	Flavor string
}

// String returns the lldb command line equivalent to c.
func (c Command) String() string {
	switch c.Kind {
	case CommandDisassemble:
		if c.ByName {
			return "disassemble -n " + strconv.Quote(c.Function)
		}
		if c.Flavor != "" {
			return fmt.Sprintf("disassemble -F %s -a 0x%x", c.Flavor, c.Addr)
		}
		return fmt.Sprintf("disassemble -a 0x%x", c.Addr)
	case CommandShowUnwind:
		if c.ByName {
			return "image show-unwind -n " + strconv.Quote(c.Function)
		}
		return fmt.Sprintf("image show-unwind -a \"0x%x\"", c.Addr)
	}
	return fmt.Sprintf("<unknown command kind %d>", int(c.Kind))
}

// Hosts older than these versions only accept the by-name forms.
var (
	disassembleByAddrSince = Version{Major: 300, Minor: 18, HasMinor: true}
	showUnwindByAddrSince  = Version{Major: 300, Minor: 20, HasMinor: true}
)

// DisassembleCommand returns the disassembly request for sf appropriate to
// host version v.
func DisassembleCommand(v Version, p Profile, sf StackFrame) Command {
	c := Command{Kind: CommandDisassemble, Function: sf.FunctionName()}
	if !v.AtLeast(disassembleByAddrSince.Major, disassembleByAddrSince.Minor) {
		c.ByName = true
		return c
	}
	c.Addr = sf.PC()
	if p.IsX86() {
		c.Flavor = "att"
	}
	return c
}

// ShowUnwindCommand returns the unwind-metadata request for sf appropriate
// to host version v.
func ShowUnwindCommand(v Version, sf StackFrame) Command {
	c := Command{Kind: CommandShowUnwind, Function: sf.FunctionName()}
	if !v.AtLeast(showUnwindByAddrSince.Major, showUnwindByAddrSince.Minor) {
		c.ByName = true
		return c
	}
	c.Addr = sf.PC()
	return c
}
