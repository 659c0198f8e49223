//go:build !windows

package supervisor

import "os/exec"

// configurePlatform is a no-op on platforms with no console-window
// concept to suppress.
func configurePlatform(cmd *exec.Cmd) {}
