package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlineCPUsPath = "/sys/devices/system/cpu/online"

// OnlineCPUs returns the ids of the CPUs which are currently online.
//
// The ids aren't necessarily contiguous, since individual CPUs may be
// offlined at runtime.
func OnlineCPUs() ([]int, error) {
	buf, err := os.ReadFile(onlineCPUsPath)
	if err != nil {
		return nil, err
	}

	cpus, err := parseCPUList(string(buf))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", onlineCPUsPath, err)
	}
	return cpus, nil
}

// parseCPUList parses a cpu list in the format of
// /sys/devices/system/cpu/{possible,online,..}, e.g. "0-3,5,7".
func parseCPUList(list string) ([]int, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, fmt.Errorf("empty cpu list")
	}

	var cpus []int
	for _, cpuRange := range strings.Split(list, ",") {
		first, last, isRange := strings.Cut(cpuRange, "-")

		lo, err := strconv.ParseUint(first, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("unknown format %q: %w", list, err)
		}

		hi := lo
		if isRange {
			hi, err = strconv.ParseUint(last, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("unknown format %q: %w", list, err)
			}
			if hi < lo {
				return nil, fmt.Errorf("unknown format %q: descending range %s", list, cpuRange)
			}
		}

		for id := lo; id <= hi; id++ {
			cpus = append(cpus, int(id))
		}
	}

	return cpus, nil
}
