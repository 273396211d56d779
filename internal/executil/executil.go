// Package executil runs external processes and captures their output.
//
// Every other package that needs to shell out (vpnctl, netconf, probe) goes
// through Run instead of calling os/exec directly, so invocations are logged
// uniformly and tests can fake a runner without touching the real host.
package executil

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is the outcome of one process invocation. A non-zero ExitCode is
// data, not failure: callers classify success/failure themselves.
type Result struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes argv and returns its captured result. It only returns a
// non-nil error when the process could not be started; a non-zero exit
// status is reported via Result.ExitCode, and a process killed by its
// context is reported the same way (ExitCode -1, nil error).
type Runner interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	Log *zap.Logger
}

// New returns an Exec runner that logs invocations at debug level.
func New(log *zap.Logger) *Exec {
	if log == nil {
		log = zap.NewNop()
	}
	return &Exec{Log: log}
}

func (e *Exec) Run(ctx context.Context, argv ...string) (Result, error) {
	start := time.Now()
	res := Result{Argv: argv}

	if len(argv) == 0 {
		return res, &exec.Error{Name: "", Err: exec.ErrNotFound}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			e.log(res)
			return res, nil
		}
		e.Log.Debug("exec failed to start",
			zap.Strings("argv", argv), zap.Error(runErr))
		return res, runErr
	}

	res.ExitCode = 0
	e.log(res)
	return res, nil
}

func (e *Exec) log(r Result) {
	e.Log.Debug("exec",
		zap.Strings("argv", r.Argv),
		zap.Int("exit_code", r.ExitCode),
		zap.Duration("duration", r.Duration),
		zap.String("stdout", strings.TrimSpace(r.Stdout)),
		zap.String("stderr", strings.TrimSpace(r.Stderr)),
	)
}

// Ok reports whether the invocation exited zero.
func (r Result) Ok() bool { return r.ExitCode == 0 }
