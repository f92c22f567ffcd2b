//go:build windows

package main

import (
	"io/fs"
	"os"
	"os/exec"
)

// execReplace approximates Unix exec on Windows: run the wrapped
// application as a child, mirror its exit code, and let standard streams
// pass through.
func execReplace(binary string, args []string) error {
	cmd := exec.Command(binary, args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return err
	}
	os.Exit(0)
	return nil
}

// Windows ACLs don't map to POSIX-style permission bits, so we skip the
// proactive permission check on this platform.
func ensureReadable(_ string, _ fs.FileInfo) error {
	return nil
}
