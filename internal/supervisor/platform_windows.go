//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configurePlatform suppresses console-window creation for the spawned
// renderer, matching the external tool's usual invocation from a GUI.
func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x08000000} // CREATE_NO_WINDOW
}
