package tracefs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrSymbolNotFound is returned when the kernel doesn't know the
	// symbol a probe should be attached to.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrRegisterFailed is returned for all other registration failures,
	// e.g. missing privileges or a duplicate alias.
	ErrRegisterFailed = errors.New("register probe failed")
)

// DefaultGroup is the trace event group probes are registered under.
const DefaultGroup = "opensnoop"

// maxTraceIDLen is the longest group or event name the kernel accepts.
const maxTraceIDLen = 63

// NewProbeSpec returns the spec of a probe on symbol. The alias of the
// probe contains pid, so that concurrent processes don't collide.
func NewProbeSpec(typ ProbeType, symbol string, pid int) (ProbeSpec, error) {
	if symbol == "" {
		return ProbeSpec{}, fmt.Errorf("empty symbol: %w", ErrInvalidInput)
	}

	alias := fmt.Sprintf("%s_%s_%s_%d", DefaultGroup, typ.Prefix(), SanitizeSymbol(symbol), pid)
	if !IsValidTraceID(alias) || len(alias) > maxTraceIDLen {
		return ProbeSpec{}, fmt.Errorf("alias %q for symbol %q: %w", alias, symbol, ErrInvalidInput)
	}

	return ProbeSpec{
		Type:   typ,
		Symbol: symbol,
		Group:  DefaultGroup,
		Alias:  alias,
	}, nil
}

// eventsFile is the part of kprobe_events used to define probes.
type eventsFile interface {
	io.StringWriter
	io.Closer
}

// openKprobeEvents opens kprobe_events for appending.
var openKprobeEvents = func() (eventsFile, error) {
	path, err := sanitizeTracefsPath("kprobe_events")
	if err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
}

// Register creates the probe described by spec and returns the id of the
// trace event the kernel created for it.
func Register(spec ProbeSpec) (uint64, error) {
	f, err := openKprobeEvents()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrRegisterFailed, spec, err)
	}
	defer f.Close()

	if _, err := f.WriteString(spec.definition()); err != nil {
		// The kernel reports an unknown symbol with ENOENT. EILSEQ and ERANGE
		// are returned by some kernels for symbols it can't probe.
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.EILSEQ) || errors.Is(err, unix.ERANGE) {
			return 0, fmt.Errorf("%s: %w: %s: %w", spec, ErrSymbolNotFound, spec.Symbol, err)
		}
		return 0, fmt.Errorf("%w: %s: %w", ErrRegisterFailed, spec, err)
	}

	id, err := ResolveEventID(spec.Group, spec.Alias)
	if err != nil {
		// The event exists but is unusable, don't leak it.
		_ = Unregister(spec)
		return 0, fmt.Errorf("%w: %s: %w", ErrRegisterFailed, spec, err)
	}

	return id, nil
}

// Unregister removes the probe described by spec.
//
// It fails if the probe is still in use by a perf event.
func Unregister(spec ProbeSpec) error {
	f, err := openKprobeEvents()
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(fmt.Sprintf("-:%s/%s", spec.Group, spec.Alias)); err != nil {
		return fmt.Errorf("remove event %s: %w", spec, err)
	}

	return nil
}
