//go:build !unix

package supervisor

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// Without process groups there is no graceful signal; both steps kill.
func terminate(cmd *exec.Cmd) error { return kill(cmd) }

func kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
