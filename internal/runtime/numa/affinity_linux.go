//go:build linux

package numa

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// usableCPUs counts the CPUs in this process's affinity mask.
func usableCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return runtime.NumCPU()
}
