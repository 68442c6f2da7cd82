package opensnoop

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/opensnoop/internal"
)

// marshalBytes converts data into its binary representation, which must be
// exactly length bytes long.
//
// Fixed size values are encoded in native endianness, since that's what
// the kernel expects.
func marshalBytes(data any, length int) (buf []byte, err error) {
	if data == nil {
		return nil, errors.New("can't marshal a nil value")
	}

	switch value := data.(type) {
	case encoding.BinaryMarshaler:
		buf, err = value.MarshalBinary()
	case string:
		buf = []byte(value)
	case []byte:
		buf = value
	default:
		var wr bytes.Buffer
		if err := binary.Write(&wr, internal.NativeEndian, value); err != nil {
			return nil, fmt.Errorf("encoding %T: %w", value, err)
		}
		buf = wr.Bytes()
	}
	if err != nil {
		return nil, err
	}

	if len(buf) != length {
		return nil, fmt.Errorf("%T doesn't marshal to %d bytes", data, length)
	}
	return buf, nil
}

// unmarshalBytes is the inverse of marshalBytes. data must be a pointer.
func unmarshalBytes(data any, buf []byte) error {
	switch value := data.(type) {
	case encoding.BinaryUnmarshaler:
		return value.UnmarshalBinary(buf)
	case *[]byte:
		*value = buf
		return nil
	case []byte:
		return errors.New("require pointer to []byte")
	default:
		if err := binary.Read(bytes.NewReader(buf), internal.NativeEndian, value); err != nil {
			return fmt.Errorf("decoding %T: %w", value, err)
		}
		return nil
	}
}
