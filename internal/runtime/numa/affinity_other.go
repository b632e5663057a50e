//go:build !linux

package numa

import "runtime"

func usableCPUs() int { return runtime.NumCPU() }
