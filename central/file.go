package central

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is a transferable payload. Open is called twice per transfer,
// once for the checksum pass and once for emission, so it must return
// a fresh reader positioned at the start each time.
type File interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type pathFile struct {
	path string
	name string
	size int64
}

// FileFromPath wraps an on-disk file. The advertised name is the base
// name; the size is the size at wrap time and is advisory only, the
// checksum pass fixes the byte count actually announced.
func FileFromPath(path string) (File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("central: stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("central: %s is a directory", path)
	}
	return &pathFile{path: path, name: filepath.Base(path), size: fi.Size()}, nil
}

func (f *pathFile) Name() string { return f.name }
func (f *pathFile) Size() int64  { return f.size }

func (f *pathFile) Open() (io.ReadCloser, error) {
	r, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("central: open %s: %w", f.path, err)
	}
	return r, nil
}

type memoryFile struct {
	name string
	data []byte
}

// MemoryFile wraps an in-memory payload, mostly for demos and tests.
func MemoryFile(name string, data []byte) File {
	return &memoryFile{name: name, data: data}
}

func (f *memoryFile) Name() string { return f.name }
func (f *memoryFile) Size() int64  { return int64(len(f.data)) }

func (f *memoryFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}
