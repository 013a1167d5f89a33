//go:build linux

package net

import "golang.org/x/sys/unix"

// pinToCPU pins the calling thread to one CPU core. The caller must have
// locked the goroutine to its OS thread first.
func pinToCPU(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
