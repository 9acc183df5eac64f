package unwind

// InvalidAddress marks an address that is unknown. It is distinct from 0
// and from every valid address.
const InvalidAddress = ^uint64(0)

// Frame is one logical frame discovered by a walk.
// Index is 0 for the innermost frame and increases by one per caller.
type Frame struct {
	Index uint
	PC    uint64
	FP    uint64
}

// terminates reports whether f ends a frame-pointer walk.
func (f Frame) terminates() bool {
	return f.PC == 0 || f.FP == 0 || f.PC == InvalidAddress || f.FP == InvalidAddress
}

// LookupAddress returns the address used to symbolicate f. For callers this
// is pc-1, so that a return address just past a call instruction at the end
// of a function still resolves inside the caller.
func LookupAddress(f Frame) uint64 {
	if f.Index > 0 {
		return f.PC - 1
	}
	return f.PC
}

// Module identifies a loaded image.
type Module struct {
	Name string // file name, without directory
	ID   string // build identifier (build-id, UUID), if any
}

// annotation returns "name id", dropping empty parts.
func (m *Module) annotation() string {
	if m == nil {
		return ""
	}
	switch {
	case m.Name == "":
		return m.ID
	case m.ID == "":
		return m.Name
	}
	return m.Name + " " + m.ID
}

// Symbol is the symbol enclosing an address.
type Symbol struct {
	Name  string
	Start uint64
}

// Location is what a Resolver knows about an address. A nil field means the
// information could not be resolved; it is not an error.
type Location struct {
	Module *Module
	Symbol *Symbol
}

// ResolvedFrame is a frame together with the address it was resolved at and
// the result.
type ResolvedFrame struct {
	Frame
	Lookup   uint64
	Location Location
}

// Offset returns the byte offset of the lookup address into its symbol.
func (rf ResolvedFrame) Offset() (uint64, bool) {
	if rf.Location.Symbol == nil {
		return 0, false
	}
	return rf.Lookup - rf.Location.Symbol.Start, true
}
