package ata

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Image is the backing file of one drive. Its size is read once when the
// image is opened.
type Image struct {
	path     string
	file     afero.File
	size     int64
	writable bool
	locked   bool
}

// OpenImage opens path on fs. Files backed by a host descriptor also take an
// advisory lock: exclusive when writable, shared otherwise.
func OpenImage(fs afero.Fs, path string, writable bool) (*Image, error) {
	if path == "" {
		return nil, fmt.Errorf("ata: image path is empty")
	}
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := fs.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("ata: open image %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: stat image %q: %w", path, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("ata: image %q is a directory", path)
	}

	locked, err := lockImage(f, writable)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ata: image %q: %w", path, err)
	}

	return &Image{
		path:     path,
		file:     f,
		size:     info.Size(),
		writable: writable,
		locked:   locked,
	}, nil
}

// Path returns the path the image was opened from.
func (img *Image) Path() string { return img.path }

// Size returns the image size in bytes.
func (img *Image) Size() int64 { return img.size }

// Sectors returns the number of whole sectors of sectorSize bytes.
func (img *Image) Sectors(sectorSize int) uint64 {
	if img.size <= 0 || sectorSize <= 0 {
		return 0
	}
	return uint64(img.size) / uint64(sectorSize)
}

// ReadAt fills p from offset off. Short reads are errors.
func (img *Image) ReadAt(p []byte, off int64) error {
	n, err := img.file.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("ata: read %d bytes at %d from %q: %w", len(p), off, img.path, err)
}

// Close releases the lock and the file.
func (img *Image) Close() error {
	if img.locked {
		if err := unlockImage(img.file); err != nil {
			img.file.Close()
			return fmt.Errorf("ata: unlock %q: %w", img.path, err)
		}
		img.locked = false
	}
	return img.file.Close()
}
