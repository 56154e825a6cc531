package ring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedRegion is a backing file mapped into this process's address space,
// standing in for a named shared-memory section: two processes that open
// the same path with OpenRegion observe the identical bytes, which is all
// K-RING requires of its transport.
type MappedRegion struct {
	f    *os.File
	data []byte
}

// CreateRegion creates (or truncates) the file at path to exactly
// HeaderSize+dataSize bytes and maps it read/write. Mode 0666 matches the
// world-accessible security descriptor a named kernel section would use.
func CreateRegion(path string, dataSize uint32) (*MappedRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("ring.CreateRegion: open %q: %w", path, err)
	}
	total := int64(HeaderSize + dataSize)
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("ring.CreateRegion: truncate %q to %d: %w", path, total, err)
	}
	return mapFile(f, total)
}

// OpenRegion maps an existing region file at path, sized from its current
// on-disk length (which must already be HeaderSize+dataSize from a prior
// CreateRegion call, possibly in another process).
func OpenRegion(path string) (*MappedRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("ring.OpenRegion: open %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring.OpenRegion: stat %q: %w", path, err)
	}
	return mapFile(f, info.Size())
}

func mapFile(f *os.File, size int64) (*MappedRegion, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ring: mmap %q: %w", f.Name(), err)
	}
	return &MappedRegion{f: f, data: data}, nil
}

// Bytes returns the mapped region's backing slice.
func (m *MappedRegion) Bytes() []byte { return m.data }

// Close unmaps the region and closes the backing file.
func (m *MappedRegion) Close() error {
	var errs []error
	if err := unix.Munmap(m.data); err != nil {
		errs = append(errs, err)
	}
	if err := m.f.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("ring.MappedRegion.Close: %v", errs)
	}
	return nil
}
