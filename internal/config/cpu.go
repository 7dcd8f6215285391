package config

import "runtime"

// defaultChildProcessCount mirrors the spec's default of one worker per
// logical CPU.
func defaultChildProcessCount() int {
	return runtime.NumCPU()
}
