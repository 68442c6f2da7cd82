package tracefs

import "fmt"

// ProbeType is the attachment point of a kprobe.
type ProbeType uint8

const (
	// Kprobe fires when the kernel function is entered.
	Kprobe ProbeType = iota
	// Kretprobe fires when the kernel function returns.
	Kretprobe
)

func (pt ProbeType) String() string {
	switch pt {
	case Kprobe:
		return "kprobe"
	case Kretprobe:
		return "kretprobe"
	default:
		return fmt.Sprintf("ProbeType(%d)", uint8(pt))
	}
}

// Prefix returns the token which selects the type in kprobe_events.
func (pt ProbeType) Prefix() string {
	if pt == Kretprobe {
		return "r"
	}
	return "p"
}

// ProbeSpec describes a kprobe registered through kprobe_events.
type ProbeSpec struct {
	Type   ProbeType
	Symbol string
	Group  string
	Alias  string
}

func (ps ProbeSpec) String() string {
	return fmt.Sprintf("%s:%s/%s", ps.Type.Prefix(), ps.Group, ps.Alias)
}

// definition is the line which creates the probe.
func (ps ProbeSpec) definition() string {
	return fmt.Sprintf("%s:%s/%s %s", ps.Type.Prefix(), ps.Group, ps.Alias, ps.Symbol)
}
