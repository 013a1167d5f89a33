//go:build !linux

package net

import "errors"

// pinToCPU is unsupported off Linux; callers log the failure and continue.
func pinToCPU(core int) error {
	return errors.New("cpu affinity not supported on this platform")
}
