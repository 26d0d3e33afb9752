package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// CommandChecker probes liveness with an external command. The template may
// use {bundle} and {uid}. Exit status 0 means running, 1 means not running
// and anything else is an error.
type CommandChecker struct {
	argv []string
}

func NewCommandChecker(template string) (*CommandChecker, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("process check command is empty")
	}
	argv, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parse process check command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("process check command has no program")
	}
	return &CommandChecker{argv: argv}, nil
}

func (c *CommandChecker) expand(bundleName string, uid int) []string {
	r := strings.NewReplacer("{bundle}", bundleName, "{uid}", strconv.Itoa(uid))
	out := make([]string, len(c.argv))
	for i, arg := range c.argv {
		out[i] = r.Replace(arg)
	}
	return out
}

func (c *CommandChecker) IsRunning(ctx context.Context, bundleName string, uid int) (RunningState, error) {
	argv := c.expand(bundleName, uid)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Running, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return NotRunning, nil
	}
	return Error, fmt.Errorf("process check for %s failed: %w, stderr: %s", bundleName, err, strings.TrimSpace(stderr.String()))
}
