//go:build windows

package piper

import "os/exec"

// prepareProcessGroup keeps exec's default cancellation, which kills the
// process itself. Helpers it spawned may outlive a timeout.
func prepareProcessGroup(*exec.Cmd) {}
