//go:build linux

// Package memfd wraps anonymous sealable memory files. Pixel data and
// metadata blobs cross the sandbox boundary as sealed memfds so the
// host can map them read-only without trusting the sender.
package memfd

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RequiredSeals is the seal mask every buffer must carry before the
// host will map it. F_SEAL_SEAL may additionally be present.
const RequiredSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// sealAttempts bounds the EBUSY retry loop in Seal. Sealing can fail
// transiently while another mapping of the file is being torn down.
const sealAttempts = 3

var (
	// ErrSealBusy is returned when sealing still fails after the retry
	// budget is exhausted.
	ErrSealBusy = errors.New("memfd: sealing failed, file still mapped")

	// ErrSealsMissing is returned by Verify when a received fd does not
	// carry the required seal mask.
	ErrSealsMissing = errors.New("memfd: required seals missing")
)

// Create returns a new sealable memfd with the given debug name and
// size. The caller owns the returned file.
func Create(name string, size uint64) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING|unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %q: %w", name, err)
	}
	f := os.NewFile(uintptr(fd), name)
	if size > 0 {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate memfd to %d: %w", size, err)
		}
	}
	return f, nil
}

// Seal applies the full seal set (shrink, grow, write, seal) to f.
// EBUSY is retried a bounded number of times; any other error, or
// exhaustion of the retries, is fatal for the buffer.
func Seal(f *os.File) error {
	var err error
	for i := 0; i < sealAttempts; i++ {
		_, err = unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS,
			RequiredSeals|unix.F_SEAL_SEAL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("seal memfd %q: %w", f.Name(), err)
		}
	}
	return fmt.Errorf("seal memfd %q after %d attempts: %w (%v)",
		f.Name(), sealAttempts, ErrSealBusy, err)
}

// Seals returns the current seal mask of f.
func Seals(f *os.File) (int, error) {
	mask, err := unix.FcntlInt(f.Fd(), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("get seals of %q: %w", f.Name(), err)
	}
	return mask, nil
}

// Verify checks that f carries at least the required seal mask. A
// buffer without these seals could be resized or rewritten by the
// sender while the host reads it.
func Verify(f *os.File) error {
	mask, err := Seals(f)
	if err != nil {
		return err
	}
	if mask&RequiredSeals != RequiredSeals {
		return fmt.Errorf("%w: have %#x, need %#x", ErrSealsMissing, mask, RequiredSeals)
	}
	return nil
}

// Mapping is a read-only view of a sealed memfd.
type Mapping struct {
	Data []byte
}

// MapReadOnly verifies the seals on f and maps its full contents
// read-only. The file stays open independently of the mapping.
func MapReadOnly(f *os.File) (*Mapping, error) {
	if err := Verify(f); err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat memfd %q: %w", f.Name(), err)
	}
	if st.Size() == 0 {
		return &Mapping{}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap memfd %q: %w", f.Name(), err)
	}
	return &Mapping{Data: data}, nil
}

// Close releases the mapping. Safe on an empty mapping.
func (m *Mapping) Close() error {
	if m == nil || m.Data == nil {
		return nil
	}
	err := unix.Munmap(m.Data)
	m.Data = nil
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
