package corefile

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var errMmapClosed = errors.New("mmap: closed")

// mmapFile is a read-only memory-mapped file. Unlike x/exp/mmap.ReaderAt,
// it hands out []byte slices that refer directly to the mapping, which is
// how core memory segments avoid being copied.
type mmapFile struct {
	filename string
	data     []byte
	mapped   bool // data came from unix.Mmap and must be unmapped
}

// mmapOpen maps the named file for reading.
func mmapOpen(filename string) (*mmapFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := st.Size()
	if size == 0 {
		return &mmapFile{filename: filename, data: []byte{}}, nil
	}
	if size < 0 {
		return nil, errors.Errorf("mmap: file %q has negative size: %d", filename, size)
	}
	if size != int64(int(size)) {
		return nil, errors.Errorf("mmap: file %q is too large", filename)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", filename)
	}
	return &mmapFile{filename: filename, data: data, mapped: true}, nil
}

// mmapAnonymous returns a zero-filled read-only mapping of the given size.
// It backs the bss part of executable segments.
func mmapAnonymous(size int) (*mmapFile, error) {
	if size <= 0 {
		return nil, errors.Errorf("mmap: bad anonymous size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap anonymous size=%d", size)
	}
	return &mmapFile{data: data, mapped: true}, nil
}

// bytesFile wraps an in-memory image. Tests use it to build synthetic cores.
func bytesFile(name string, data []byte) *mmapFile {
	return &mmapFile{filename: name, data: data}
}

// Name returns the name of the file.
func (f *mmapFile) Name() string {
	return f.filename
}

// Size returns the size of the mapped file.
func (f *mmapFile) Size() uint64 {
	return uint64(len(f.data))
}

// ReadAt implements io.ReaderAt.
func (f *mmapFile) ReadAt(p []byte, offset int64) (int, error) {
	if f.data == nil {
		return 0, errMmapClosed
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative offset: %v", offset)
	}
	if uint64(offset) >= f.Size() {
		return 0, io.EOF
	}
	n := copy(p, f.data[offset:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadSliceAt returns n bytes at offset without copying.
func (f *mmapFile) ReadSliceAt(offset, n uint64) ([]byte, error) {
	if f.data == nil {
		return nil, errMmapClosed
	}
	end := offset + n
	if end < offset || end > f.Size() {
		return nil, errors.Errorf("mmap: out-of-bounds ReadSliceAt(%d, %d) in %s, file size is %d", offset, n, f.filename, f.Size())
	}
	return f.data[offset:end:end], nil
}

// Close unmaps the file.
func (f *mmapFile) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if f.mapped {
		err = unix.Munmap(f.data)
	}
	*f = mmapFile{}
	return err
}
