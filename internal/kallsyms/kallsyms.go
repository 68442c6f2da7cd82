// Package kallsyms finds kernel functions which can be probed.
package kallsyms

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// ErrNotFound is returned if none of the requested symbols is a function
// of the running kernel.
var ErrNotFound = errors.New("kernel symbol not found")

// FirstFunction returns the first of candidates which names a function of
// the running kernel or one of its modules.
//
// Symbol names are visible in /proc/kallsyms without privileges, only the
// addresses are hidden.
func FirstFunction(candidates ...string) (string, error) {
	f, err := os.Open("/proc/kallsyms")
	if err != nil {
		return "", err
	}
	defer f.Close()

	return firstFunction(f, candidates)
}

func firstFunction(f io.Reader, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates: %w", ErrNotFound)
	}

	found := make(map[string]bool, len(candidates))
	r := newReader(f)
	for r.Line() {
		s, err, skip := parseSymbol(r, []rune{'t', 'T'})
		if err != nil {
			return "", fmt.Errorf("parsing kallsyms line: %w", err)
		}
		if skip {
			continue
		}

		if slices.Contains(candidates, s.name) {
			found[s.name] = true
		}
	}
	if err := r.Err(); err != nil {
		return "", fmt.Errorf("reading kallsyms: %w", err)
	}

	for _, name := range candidates {
		if found[name] {
			return name, nil
		}
	}

	return "", fmt.Errorf("%s: %w", strings.Join(candidates, ", "), ErrNotFound)
}

type ksym struct {
	addr uint64
	name string
	mod  string
}

// parseSymbol parses a line from /proc/kallsyms into an address, type, name and
// module. Skip will be true if the symbol doesn't match any of the given symbol
// types. See `man 1 nm` for all available types.
//
// Example line: `ffffffffc1682010 T nf_nat_init  [nf_nat]`
func parseSymbol(r *reader, types []rune) (s ksym, err error, skip bool) {
	for i := 0; r.Word(); i++ {
		switch i {
		case 0:
			s.addr, err = strconv.ParseUint(r.Text(), 16, 64)
			if err != nil {
				return s, fmt.Errorf("parsing address: %w", err), false
			}
		// The type is a single ASCII character controlled by the kernel.
		case 1:
			if len(types) > 0 && !slices.Contains(types, rune(r.Bytes()[0])) {
				return s, nil, true
			}
		case 2:
			s.name = r.Text()
		case 3:
			s.mod = strings.Trim(r.Text(), "[]")
		}
	}

	return
}
