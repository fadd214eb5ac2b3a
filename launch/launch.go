// Package launch starts child processes with separately-piped stdout and
// stderr and drains both streams concurrently until they close.
package launch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StartProcRequest describes a child process to launch. Stdout and stderr
// are always distinct pipes owned by the returned Proc; they are never
// inherited from the parent or merged together.
type StartProcRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string
}

// ProcResult is the collected exit state of a child process.
type ProcResult struct {
	ExitCode int
	TimeMS   int64
}

type result struct {
	code   int
	timeMS int64
	err    error
}

// Proc is a started child process. Drain must return before Wait is
// called: Wait closes the pipes when it reaps the process, and the child
// can block forever on a full pipe if nothing reads it.
type Proc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	start    time.Time
	waitOnce sync.Once
	res      result
	exited   chan struct{}
}

// StartProc launches the command with stdout and stderr redirected to
// pipes. If ctx is canceled before the process exits, the process is
// killed.
func StartProc(ctx context.Context, req StartProcRequest) (*Proc, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.WD

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	p := &Proc{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}

	p.start = time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.exited:
		}
	}()

	return p, nil
}

// Signal sends a signal to the process.
func (p *Proc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Wait reaps the process and returns its collected exit state. A child
// that exits non-zero is a result, not an error; an error is returned
// only when the process could not be waited on.
func (p *Proc) Wait(ctx context.Context) (*ProcResult, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.waitOnce.Do(func() {
			err := p.cmd.Wait()
			p.res.timeMS = time.Since(p.start).Milliseconds()
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					p.res.code = exitErr.ExitCode()
				} else {
					p.res.err = err
					p.res.code = -1
				}
			}
			close(p.exited)
		})
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}
	if p.res.err != nil {
		return nil, p.res.err
	}
	return &ProcResult{ExitCode: p.res.code, TimeMS: p.res.timeMS}, nil
}
