// Package mmapfile provides a read-only whole-file memory mapping with
// safe lifetime management, shared by every index/encoding/root struct
// that borrows byte slices from an underlying file.
//
// Grounded on the teacher's use of golang.org/x/exp/mmap in
// storage.go's openMMapFile and bucketteer/read.go, and on the
// page-cache warmup/fadvise pattern in compactindexsized/query.go.
package mmapfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/rpcpool/tactgo/tacterr"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// File is a read-only memory mapping of a whole file. Many readers may
// share one File (it holds no mutable cursor); ReadAt is safe for
// concurrent use. The mapping is released exactly once, on the first
// Close call.
type File struct {
	path string
	ra   *mmap.ReaderAt
	fd   *os.File // kept open only to issue fadvise(2) hints; mmap.ReaderAt does not expose one

	closeOnce sync.Once
	closeErr  error
}

// Open memory-maps path read-only. Returns a *tacterr.Error of KindIO on
// a non-existent path or mapping failure.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindIO, "mmapfile.Open", fmt.Errorf("open %q: %w", path, err))
	}
	ra, err := mmap.Open(path)
	if err != nil {
		fd.Close()
		return nil, tacterr.Wrap(tacterr.KindIO, "mmapfile.Open", fmt.Errorf("mmap %q: %w", path, err))
	}
	// Index/encoding/root files are paged through with binary searches,
	// never read sequentially, so hint the kernel up front.
	if err := unix.Fadvise(int(fd.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
		klog.V(4).Infof("mmapfile: fadvise(RANDOM) failed for %q: %v", path, err)
	}
	return &File{path: path, ra: ra, fd: fd}, nil
}

// Len returns the size of the mapped file in bytes.
func (f *File) Len() int64 { return int64(f.ra.Len()) }

// Path returns the path the mapping was opened from.
func (f *File) Path() string { return f.path }

// ReadAt reads len(p) bytes starting at off. Implements io.ReaderAt so a
// *File can back an io.SectionReader or be handed to anything expecting
// random access.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.ra.ReadAt(p, off)
}

// Slice reads the byte range [off, off+n) out of the mapping into a
// freshly allocated buffer. x/exp/mmap's ReaderAt exposes no zero-copy
// accessor into the mapped pages, so this is a copy, not a borrow; the
// returned slice is safe to retain past the File's lifetime.
func (f *File) Slice(off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+int64(n) > f.Len() {
		return nil, tacterr.New(tacterr.KindIO, "mmapfile.Slice", fmt.Sprintf("range [%d,%d) out of bounds for file of %d bytes", off, off+int64(n), f.Len()))
	}
	buf := make([]byte, n)
	if _, err := f.ra.ReadAt(buf, off); err != nil {
		return nil, tacterr.Wrap(tacterr.KindIO, "mmapfile.Slice", err)
	}
	return buf, nil
}

// Close releases the mapping. Idempotent: subsequent calls return the
// result of the first Close.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		f.closeErr = f.ra.Close()
		if err := f.fd.Close(); err != nil && f.closeErr == nil {
			f.closeErr = err
		}
	})
	return f.closeErr
}
