package corefile

import (
	"fmt"
	"sort"
)

// dataSegment is one contiguous piece of the target's virtual memory.
type dataSegment struct {
	addr     uint64
	data     []byte // points into an mmapFile
	readable bool   // false for guard pages and other PROT_NONE mappings
	source   string // file the bytes came from
}

func (s dataSegment) String() string {
	mode := "-"
	if s.readable {
		mode = "R"
	}
	return fmt.Sprintf("dataSegment{addr:0x%x, size:0x%x, mode:%s, source:%s}", s.addr, s.size(), mode, s.source)
}

func (s dataSegment) size() uint64 {
	return uint64(len(s.data))
}

func (s dataSegment) end() uint64 {
	return s.addr + s.size()
}

func (s dataSegment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.end()
}

// slice returns [addr, addr+size) of s. addr is absolute.
func (s dataSegment) slice(addr, size uint64) (dataSegment, bool) {
	if addr < s.addr {
		return dataSegment{}, false
	}
	offset := addr - s.addr
	if offset > s.size() || size > s.size()-offset {
		return dataSegment{}, false
	}
	return dataSegment{
		addr:     addr,
		data:     s.data[offset : offset+size : offset+size],
		readable: s.readable,
		source:   s.source,
	}, true
}

// dataSegments is kept sorted by address and free of overlaps.
type dataSegments []dataSegment

func (ss dataSegments) Len() int           { return len(ss) }
func (ss dataSegments) Swap(i, k int)      { ss[i], ss[k] = ss[k], ss[i] }
func (ss dataSegments) Less(i, k int) bool { return ss[i].addr < ss[k].addr }

// findSegment finds the segment that contains addr.
func (ss dataSegments) findSegment(addr uint64) (dataSegment, bool) {
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].addr
	})
	k--
	if k >= 0 && ss[k].contains(addr) {
		return ss[k], true
	}
	return dataSegment{}, false
}

// read returns size readable bytes at addr. Ranges that span two segments,
// or touch an unreadable one, fail.
func (ss dataSegments) read(addr, size uint64) ([]byte, bool) {
	s, ok := ss.findSegment(addr)
	if !ok || !s.readable {
		return nil, false
	}
	s, ok = s.slice(addr, size)
	if !ok {
		return nil, false
	}
	return s.data, true
}

// insert adds the range [addr, addr+size) where it does not overlap an
// existing segment. Earlier insertions win, so core contents take
// precedence over bytes loaded later from module files. makeSegment is
// called once per uncovered piece, with the absolute piece bounds.
func (ss *dataSegments) insert(addr, size uint64, makeSegment func(addr, size uint64) (dataSegment, error)) error {
	if size == 0 {
		return nil
	}
	if sanityChecks {
		defer func() {
			if !sort.IsSorted(*ss) || ss.overlapping() {
				for k, s := range *ss {
					printf("dataSegments[%v] = %s", k, s)
				}
				panic(fmt.Sprintf("dataSegments broken after insert(0x%x, 0x%x)", addr, size))
			}
		}()
	}

	end := addr + size
	// First segment that ends after addr.
	k := sort.Search(len(*ss), func(k int) bool {
		return (*ss)[k].end() > addr
	})
	for addr < end {
		var gapEnd uint64
		if k == len(*ss) {
			gapEnd = end
		} else {
			next := (*ss)[k]
			if next.addr <= addr {
				// Covered; skip to the end of next.
				addr = next.end()
				k++
				continue
			}
			gapEnd = min(next.addr, end)
		}
		s, err := makeSegment(addr, gapEnd-addr)
		if err != nil {
			return err
		}
		verbosef("loading %s", s)
		*ss = append(*ss, dataSegment{})
		copy((*ss)[k+1:], (*ss)[k:])
		(*ss)[k] = s
		k++
		addr = gapEnd
	}
	return nil
}

func (ss dataSegments) overlapping() bool {
	for k := 1; k < len(ss); k++ {
		if ss[k-1].end() > ss[k].addr {
			return true
		}
	}
	return false
}
