package receiver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Sink persists one incoming file.
type Sink interface {
	io.Writer
	// Commit finalizes the file under its public name and returns the
	// stored path.
	Commit() (string, error)
	// Discard drops everything written so far.
	Discard() error
}

// Store opens sinks for incoming files.
type Store interface {
	Create(fileName string, totalBytes uint64) (Sink, error)
}

// DiskStore lands files in a directory. Bytes stream into a hidden
// .part file and reach their public name only on Commit, so directory
// readers never see a half-written file.
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("receiver: create %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) Dir() string { return s.dir }

func (s *DiskStore) Create(fileName string, totalBytes uint64) (Sink, error) {
	// The sender names the file; only its base name is honored.
	name := filepath.Base(fileName)
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("receiver: unusable file name %q", fileName)
	}
	f, err := os.CreateTemp(s.dir, ".bluedrop-*.part")
	if err != nil {
		return nil, fmt.Errorf("receiver: temp file: %w", err)
	}
	return &diskSink{dir: s.dir, name: name, f: f}, nil
}

type diskSink struct {
	dir  string
	name string
	f    *os.File
}

func (d *diskSink) Write(p []byte) (int, error) {
	return d.f.Write(p)
}

func (d *diskSink) Commit() (string, error) {
	if err := d.f.Chmod(0644); err != nil {
		d.cleanup()
		return "", fmt.Errorf("receiver: chmod: %w", err)
	}
	if err := d.f.Close(); err != nil {
		os.Remove(d.f.Name())
		return "", fmt.Errorf("receiver: close: %w", err)
	}
	for n := 0; ; n++ {
		path := filepath.Join(d.dir, decorate(d.name, n))
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			os.Remove(d.f.Name())
			return "", fmt.Errorf("receiver: stat %s: %w", path, err)
		}
		if err := os.Rename(d.f.Name(), path); err != nil {
			os.Remove(d.f.Name())
			return "", fmt.Errorf("receiver: finalize %s: %w", path, err)
		}
		return path, nil
	}
}

func (d *diskSink) Discard() error {
	d.cleanup()
	return nil
}

func (d *diskSink) cleanup() {
	d.f.Close()
	os.Remove(d.f.Name())
}

// decorate appends a collision counter before the extension:
// photo.jpg, photo (1).jpg, photo (2).jpg.
func decorate(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s (%d)%s", stem, n, ext)
}
