package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModulePaused is returned by mutating operations while the owning module
// has its pause flag set.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the pause flag of one or more modules.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when module is paused according to p. The returned
// error wraps ErrModulePaused and names the module.
func Guard(p PauseView, module string) error {
	module = strings.TrimSpace(module)
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%s: %w", module, ErrModulePaused)
	}
	return nil
}
