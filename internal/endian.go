package internal

import "encoding/binary"

// NativeEndian is the byte order of the host, which is also the byte order
// the kernel uses for map keys, instructions and perf records.
var NativeEndian = binary.NativeEndian
