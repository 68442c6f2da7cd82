package opensnoop

import (
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/cilium/opensnoop/internal/testutils"
)

func TestHashMap(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)

	m, err := CreateHashMap(8, 32, 16)
	qt.Assert(t, qt.IsNil(err))
	defer m.Close()

	qt.Assert(t, qt.Equals(m.Type(), Hash))
	qt.Assert(t, qt.Equals(m.KeySize(), 8))
	qt.Assert(t, qt.Equals(m.ValueSize(), 32))
	qt.Assert(t, qt.Equals(m.MaxEntries(), 16))
	qt.Assert(t, qt.IsTrue(m.FD() > 0))

	var value [32]byte
	value[0] = 42
	qt.Assert(t, qt.IsNil(m.Put(uint64(1), value)))

	var out [32]byte
	qt.Assert(t, qt.IsNil(m.Lookup(uint64(1), &out)))
	qt.Assert(t, qt.Equals(out, value))

	qt.Assert(t, qt.IsNil(m.Delete(uint64(1))))
	qt.Assert(t, qt.ErrorIs(m.Delete(uint64(1)), ErrKeyNotExist))
	qt.Assert(t, qt.ErrorIs(m.Lookup(uint64(1), &out), ErrKeyNotExist))

	qt.Assert(t, qt.IsNotNil(m.Put(uint32(1), value)), qt.Commentf("key of the wrong size"))
}

func TestEventArrayMap(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)

	m, err := CreateEventArrayMap(4)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(m.Type(), PerfEventArray))
	qt.Assert(t, qt.Equals(m.KeySize(), 4))
	qt.Assert(t, qt.Equals(m.ValueSize(), 4))

	qt.Assert(t, qt.IsNil(m.Close()))
	qt.Assert(t, qt.IsNil(m.Close()), qt.Commentf("second close should be a no-op"))
}

func TestMapCreateError(t *testing.T) {
	testutils.SkipIfNotPrivileged(t)

	_, err := CreateHashMap(0, 0, 0)
	qt.Assert(t, qt.IsNotNil(err))

	var mce *MapCreateError
	qt.Assert(t, qt.IsTrue(errors.As(err, &mce)))
	qt.Assert(t, qt.Equals(mce.Type, Hash))
	qt.Assert(t, qt.ErrorIs(err, unix.EINVAL))
}

func TestMapCreateErrorMessage(t *testing.T) {
	err := error(&MapCreateError{Type: PerfEventArray, Errno: unix.EPERM})
	qt.Assert(t, qt.ErrorIs(err, unix.EPERM))
	qt.Assert(t, qt.StringContains(err.Error(), "PerfEventArray"))
	qt.Assert(t, qt.StringContains(err.Error(), "MEMLOCK"))
}

func TestNilMapClose(t *testing.T) {
	var m *Map
	qt.Assert(t, qt.IsNil(m.Close()))
}
