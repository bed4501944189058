// Package vfile is the file-handle abstraction mmap'd pages read from
// and write back to. It replaces the teacher's Fd_t/fdops.Fdops_i pair
// (which carried a whole VFS's worth of permission bits and path
// resolution via Cwd_t/bpath.Canonicalize) with the narrow slice a
// memory-mapping actually needs: reopen-on-fork, length, and
// positioned read/write. There is no notion of a path or working
// directory here — mmap operates on an already-open handle.
package vfile

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// File is what a memory mapping reads pages from and, for writable
// shared mappings, writes dirty pages back to.
type File interface {
	// ReadAt and WriteAt behave like io.ReaderAt/io.WriterAt: they do
	// not affect, and are not affected by, any other file offset.
	io.ReaderAt
	io.WriterAt
	// Length reports the file's current size in bytes.
	Length() (int64, error)
	// Reopen returns an independent handle to the same underlying
	// file, which a mapping keeps for its own lifetime. The kind of independence
	// mirrors the teacher's Copyfd: a fresh handle sharing the file's
	// identity, not a snapshot of its bytes.
	Reopen() (File, error)
	// Close releases the handle.
	Close() error
}

// OSFile adapts an *os.File to File.
type OSFile struct {
	path string
	f    *os.File
}

// OpenOSFile opens path for use as a memory-mapping backing file.
func OpenOSFile(path string, flag int, perm os.FileMode) (*OSFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "vfile: open %s", path)
	}
	return &OSFile{path: path, f: f}, nil
}

func (o *OSFile) ReadAt(p []byte, off int64) (int, error) {
	return o.f.ReadAt(p, off)
}

func (o *OSFile) WriteAt(p []byte, off int64) (int, error) {
	return o.f.WriteAt(p, off)
}

func (o *OSFile) Length() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "vfile: stat")
	}
	return fi.Size(), nil
}

func (o *OSFile) Reopen() (File, error) {
	return OpenOSFile(o.path, os.O_RDWR, 0)
}

func (o *OSFile) Close() error {
	return o.f.Close()
}

// MemFile is an in-memory File, used by tests that exercise mmap
// without a real filesystem underneath — the fake counterpart to the
// teacher's test harnesses that stub out fdops.Fdops_i.
type MemFile struct {
	mu   sync.Mutex
	data []byte
}

// NewMemFile returns a MemFile initialized with a copy of data.
func NewMemFile(data []byte) *MemFile {
	m := &MemFile{data: make([]byte, len(data))}
	copy(m.data, data)
	return m
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, errors.New("vfile: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	var err error
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, errors.New("vfile: negative offset")
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:end], p)
	return n, nil
}

func (m *MemFile) Length() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

// Reopen returns m itself: a MemFile has no per-handle state and Close
// is a no-op, so every handle shares the same bytes.
func (m *MemFile) Reopen() (File, error) {
	return m, nil
}

func (m *MemFile) Close() error {
	return nil
}

// Snapshot returns a copy of the file's current contents, for test
// assertions on write-back.
func (m *MemFile) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
