// Package secret holds credential answers in memory that is kept out of
// swap and core dumps where the kernel allows it, and zeroed on Close.
package secret

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when creating a Value from no data.
var ErrEmpty = errors.New("secret: empty value")

// Value is one secret. The zero value is not usable; create one with
// FromString or FromBytes. A Value must not be copied after creation.
type Value struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	closed bool
}

// FromBytes copies source into a protected region and zeroes source.
// When the region cannot be mapped or locked (RLIMIT_MEMLOCK in
// containers), the value lives on the heap and is still zeroed on Close.
func FromBytes(source []byte) (*Value, error) {
	if len(source) == 0 {
		return nil, ErrEmpty
	}

	v := &Value{}
	if data, err := lockedAlloc(len(source)); err == nil {
		v.data = data
		v.mapped = true
	} else {
		v.data = make([]byte, len(source))
	}
	copy(v.data, source)

	for i := range source {
		source[i] = 0
	}
	return v, nil
}

// FromString copies s into a new Value. The string itself cannot be wiped.
func FromString(s string) (*Value, error) {
	return FromBytes([]byte(s))
}

func lockedAlloc(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	// Not fatal if unsupported by the kernel.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return data, nil
}

// String returns a heap copy of the secret. Use only at API boundaries
// that need a string. Returns "" after Close.
func (v *Value) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ""
	}
	return string(v.data)
}

// WithBytes lends the secret to fn without copying it. fn must not
// retain the slice. Returns ErrEmpty after Close.
func (v *Value) WithBytes(fn func(b []byte) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrEmpty
	}
	return fn(v.data)
}

// Len returns the size of the secret, 0 after Close.
func (v *Value) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// Locked reports whether the secret lives in locked memory.
func (v *Value) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapped && !v.closed
}

// Close zeroes the secret and releases its memory. Close is idempotent.
func (v *Value) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	for i := range v.data {
		v.data[i] = 0
	}

	var err error
	if v.mapped {
		if uerr := unix.Munlock(v.data); uerr != nil {
			err = uerr
		}
		if uerr := unix.Munmap(v.data); uerr != nil && err == nil {
			err = uerr
		}
	}
	v.data = nil
	return err
}
