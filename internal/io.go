package internal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// ReadUint64FromFile reads a uint64 from a file.
//
// format specifies the contents of the file in fmt.Scanf syntax.
func ReadUint64FromFile(format string, path ...string) (uint64, error) {
	filename := filepath.Join(path...)
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, fmt.Errorf("reading file %q: %w", filename, err)
	}

	var value uint64
	n, err := fmt.Fscanf(bytes.NewReader(data), format, &value)
	if err != nil {
		return 0, fmt.Errorf("parsing file %q: %w", filename, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("parsing file %q: expected 1 item, got %d", filename, n)
	}

	return value, nil
}
