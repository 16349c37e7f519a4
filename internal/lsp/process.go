package lsp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// process is the handle to one spawned language server. Exactly one process
// handle exists per live session and it is owned exclusively by that session.
type process interface {
	// Stdin is the pipe the session writes frames to.
	Stdin() io.WriteCloser
	// Stdout is the pipe the session decodes frames from.
	Stdout() io.Reader
	// Exit delivers exactly one value when the process terminates for any
	// reason. The channel is never closed.
	Exit() <-chan error
	// Terminate requests cooperative shutdown by closing stdin, waits up to
	// grace, then kills. The process is always reaped.
	Terminate(grace time.Duration) error
	// PID reports the OS process id for resource sampling.
	PID() int
}

// spawner starts language server processes. The manager owns one; tests
// substitute fakes so lifecycle behavior can be exercised without real
// binaries.
type spawner interface {
	Spawn(ctx context.Context, command string, args []string, dir string) (process, error)
}

// execSpawner launches real processes with os/exec.
type execSpawner struct{}

func (execSpawner) Spawn(ctx context.Context, command string, args []string, dir string) (process, error) {
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotFound, command)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	// Stderr is drained so the child never blocks on a full pipe.
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &osProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		exitCh: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		close(p.done)
		p.exitCh <- err
	}()
	return p, nil
}

// osProcess wraps a running exec.Cmd.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exitCh chan error    // consumed once, by the owning session
	done   chan struct{} // closed after Wait returns
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Exit() <-chan error    { return p.exitCh }

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate closes stdin to signal cooperative exit, waits up to grace for
// the process to go away, then kills it. Wait runs in the spawn goroutine,
// so reaping is guaranteed either way.
func (p *osProcess) Terminate(grace time.Duration) error {
	p.stdin.Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			return fmt.Errorf("kill process: %w", err)
		}
	}
	<-p.done
	return nil
}
