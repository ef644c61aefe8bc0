// Package command runs external commands on behalf of SPA command messages
// and command cycles.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

const (
	// RootTimeout bounds commands run directly as the server user.
	RootTimeout = 5 * time.Second

	// SetuidCeiling is the hard ceiling applied to setuid/setgid commands,
	// which historically ran without one.
	SetuidCeiling = 30 * time.Second
)

// Runner executes shell commands. The pipeline depends on this interface so
// tests can substitute a recorder.
type Runner interface {
	// Run executes cmd via the shell and returns its exit status.
	Run(cmd string, timeout time.Duration) (int, error)

	// RunAs executes cmd with the given credentials.
	RunAs(uid, gid uint32, cmd string, timeout time.Duration) (int, error)
}

// ShellRunner is the real Runner.
type ShellRunner struct{}

func (ShellRunner) Run(cmd string, timeout time.Duration) (int, error) {
	return run(cmd, timeout, nil)
}

func (ShellRunner) RunAs(uid, gid uint32, cmd string, timeout time.Duration) (int, error) {
	if timeout <= 0 || timeout > SetuidCeiling {
		timeout = SetuidCeiling
	}
	cred := &syscall.Credential{Uid: uid, Gid: gid}
	return run(cmd, timeout, cred)
}

func run(cmd string, timeout time.Duration, cred *syscall.Credential) (int, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	if cred != nil {
		c.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	return -1, fmt.Errorf("running command: %w", err)
}
