package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/motivemetrics/zerog/pkg/worker"
)

// ChildStatus is the supervisor's view of the child process.
type ChildStatus int

const (
	ChildRunning ChildStatus = iota
	// ChildZombie: exited but not yet reaped. With a job in flight this
	// usually means the kernel OOM killer got it.
	ChildZombie
	// ChildGone: no such process.
	ChildGone
)

// Child is one spawned worker process as seen by the supervisor.
type Child interface {
	PID() int
	// Frames yields the child's stdout frames; closes when the pipe does.
	Frames() <-chan worker.Frame
	// Send writes a frame to the child's stdin.
	Send(frame worker.Frame) error
	Status() ChildStatus
	Kill() error
	// Wait reaps the process. Safe to call more than once.
	Wait()
}

// Spawner creates a fresh child worker process.
type Spawner func(ctx context.Context) (Child, error)

type execChild struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	writer   *worker.FrameWriter
	frames   *worker.FrameReader
	waitOnce sync.Once
	reaped   chan struct{}
}

// NewExecSpawner spawns children by re-executing the current binary with the
// given arguments (the hidden worker subcommand). Child stderr is passed
// through so its logs interleave with the server's.
func NewExecSpawner(args ...string) Spawner {
	return func(ctx context.Context) (Child, error) {
		binary, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating binary: %w", err)
		}

		cmd := exec.Command(binary, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting worker process: %w", err)
		}
		log.Infow("spawned worker", "pid", cmd.Process.Pid)

		return &execChild{
			cmd:    cmd,
			stdin:  stdin,
			writer: worker.NewFrameWriter(stdin),
			frames: worker.NewFrameReader(stdout),
			reaped: make(chan struct{}),
		}, nil
	}
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Frames() <-chan worker.Frame { return c.frames.Frames() }

func (c *execChild) Send(frame worker.Frame) error { return c.writer.Write(frame) }

func (c *execChild) Status() ChildStatus {
	select {
	case <-c.reaped:
		return ChildGone
	default:
	}

	proc, err := process.NewProcess(int32(c.PID()))
	if err != nil {
		return ChildGone
	}
	statuses, err := proc.Status()
	if err != nil {
		return ChildGone
	}
	for _, s := range statuses {
		if s == process.Zombie {
			return ChildZombie
		}
	}
	return ChildRunning
}

func (c *execChild) Kill() error {
	return c.cmd.Process.Kill()
}

func (c *execChild) Wait() {
	c.waitOnce.Do(func() {
		_ = c.stdin.Close()
		if err := c.cmd.Wait(); err != nil {
			log.Debugw("worker exited", "pid", c.PID(), "error", err)
		}
		close(c.reaped)
	})
}
