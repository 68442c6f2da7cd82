package opensnoop

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/internal/sys"
)

// ErrKeyNotExist is returned when a key can't be found in a map.
var ErrKeyNotExist = errors.New("key does not exist")

// MapCreateError is returned when the kernel refuses to create a map.
//
// It matches the errno it carries with errors.Is, so callers can check for
// unix.EPERM or unix.ENOMEM directly.
type MapCreateError struct {
	Type  MapType
	Errno syscall.Errno
}

func (mce *MapCreateError) Error() string {
	msg := fmt.Sprintf("create %s map: %s", mce.Type, mce.Errno)
	if mce.Errno == unix.EPERM {
		msg += " (MEMLOCK may be too low)"
	}
	return msg
}

func (mce *MapCreateError) Unwrap() error {
	return mce.Errno
}

// Map is a kernel map, owned by the process.
//
// The file descriptor is assigned by the kernel and must be embedded into
// programs referring to the map, see asm.Program.PatchMapReference.
type Map struct {
	name       string
	typ        MapType
	keySize    uint32
	valueSize  uint32
	maxEntries uint32
	fd         *sys.FD
}

// CreateHashMap creates a hash map.
func CreateHashMap(keySize, valueSize, maxEntries uint32) (*Map, error) {
	return createMap("hash", Hash, keySize, valueSize, maxEntries)
}

// CreateEventArrayMap creates a perf event array, which routes the output
// of a program to the ring buffer registered for the current CPU.
//
// maxEntries must cover every online CPU id.
func CreateEventArrayMap(maxEntries uint32) (*Map, error) {
	return createMap("events", PerfEventArray, 4, 4, maxEntries)
}

func createMap(name string, typ MapType, keySize, valueSize, maxEntries uint32) (*Map, error) {
	attr := sys.MapCreateAttr{
		MapType:    sys.MapType(typ),
		KeySize:    keySize,
		ValueSize:  valueSize,
		MaxEntries: maxEntries,
	}

	fd, err := sys.MapCreate(&attr)
	if err != nil {
		errno := sys.Errno(err)
		if errno == 0 {
			return nil, fmt.Errorf("create %s map: %w", typ, err)
		}
		return nil, &MapCreateError{Type: typ, Errno: errno}
	}

	return &Map{
		name:       name,
		typ:        typ,
		keySize:    keySize,
		valueSize:  valueSize,
		maxEntries: maxEntries,
		fd:         fd,
	}, nil
}

func (m *Map) String() string {
	return fmt.Sprintf("%s(%s)#%v", m.typ, m.name, m.fd)
}

// Name returns the name the map is referred to by in programs.
func (m *Map) Name() string {
	return m.name
}

// Type returns the underlying type of the map.
func (m *Map) Type() MapType {
	return m.typ
}

// KeySize returns the size of the map key in bytes.
func (m *Map) KeySize() uint32 {
	return m.keySize
}

// ValueSize returns the size of the map value in bytes.
func (m *Map) ValueSize() uint32 {
	return m.valueSize
}

// MaxEntries returns the maximum number of elements the map can hold.
func (m *Map) MaxEntries() uint32 {
	return m.maxEntries
}

// FD gets the file descriptor of the Map.
//
// Calling this function is invalid after Close has been called.
func (m *Map) FD() int {
	return m.fd.Int()
}

// Put replaces or creates a value in map.
//
// key and value are encoded in native endianness, see marshalBytes.
func (m *Map) Put(key, value any) error {
	return m.update(key, value, sys.BPF_ANY)
}

func (m *Map) update(key, value any, flags uint64) error {
	keyBytes, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return fmt.Errorf("can't marshal key: %w", err)
	}

	valueBytes, err := marshalBytes(value, int(m.valueSize))
	if err != nil {
		return fmt.Errorf("can't marshal value: %w", err)
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
		Value: sys.NewSlicePointer(valueBytes),
		Flags: flags,
	}

	if err := sys.MapUpdateElem(&attr); err != nil {
		return fmt.Errorf("update %s: %w", m, err)
	}
	return nil
}

// Lookup retrieves a value from the map into valueOut, which must be a
// pointer.
//
// Returns ErrKeyNotExist if the key is missing.
func (m *Map) Lookup(key, valueOut any) error {
	keyBytes, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return fmt.Errorf("can't marshal key: %w", err)
	}

	valueBytes := make([]byte, m.valueSize)
	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
		Value: sys.NewSlicePointer(valueBytes),
	}

	if err := sys.MapLookupElem(&attr); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("lookup in %s: %w", m, ErrKeyNotExist)
		}
		return fmt.Errorf("lookup in %s: %w", m, err)
	}

	return unmarshalBytes(valueOut, valueBytes)
}

// Delete removes a value.
//
// Returns ErrKeyNotExist if the key does not exist.
func (m *Map) Delete(key any) error {
	keyBytes, err := marshalBytes(key, int(m.keySize))
	if err != nil {
		return fmt.Errorf("can't marshal key: %w", err)
	}

	attr := sys.MapElemAttr{
		MapFd: m.fd.Uint(),
		Key:   sys.NewSlicePointer(keyBytes),
	}

	if err := sys.MapDeleteElem(&attr); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("delete from %s: %w", m, ErrKeyNotExist)
		}
		return fmt.Errorf("delete from %s: %w", m, err)
	}
	return nil
}

// Close the Map's underlying file descriptor, which could unload the
// Map from the kernel if it is not pinned or in use by a loaded Program.
//
// It is safe to call Close on a nil Map and to call it multiple times.
func (m *Map) Close() error {
	if m == nil || m.fd == nil {
		return nil
	}

	return m.fd.Close()
}

