// Package terminal spawns shells under a pseudo-terminal of fixed geometry.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Default geometry for every session. There is no live resize.
const (
	DefaultRows = 24
	DefaultCols = 80
)

// ReadBufferSize bounds a single read from the PTY master.
const ReadBufferSize = 8192

// TerminateGrace is how long a hung-up shell gets before SIGKILL.
const TerminateGrace = 2 * time.Second

// SetupError reports a failure to open the PTY or start the shell.
// No session exists when it is returned.
type SetupError struct {
	Op  string // "open" or "spawn"
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("pty %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Command describes the shell to run on the slave side.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// PTY is an opened master/slave pair that has not yet run a command.
type PTY struct {
	master *os.File
	slave  *os.File
	rows   uint16
	cols   uint16
}

// Process is a shell running under a PTY. Read and Write operate on the
// master side; Terminate stops and reaps the shell.
type Process struct {
	cmd    *exec.Cmd
	master *os.File

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Open allocates a pseudo-terminal with the given geometry.
func Open(rows, cols uint16) (*PTY, error) {
	if rows == 0 {
		rows = DefaultRows
	}
	if cols == 0 {
		cols = DefaultCols
	}
	master, slave, err := openPair(rows, cols)
	if err != nil {
		return nil, &SetupError{Op: "open", Err: err}
	}
	return &PTY{master: master, slave: slave, rows: rows, cols: cols}, nil
}

// Size returns the fixed geometry of the terminal.
func (p *PTY) Size() (rows, cols uint16) {
	return p.rows, p.cols
}

// Spawn starts c on the slave side of p. The PTY must not be reused
// afterwards; on failure both ends are closed.
func (p *PTY) Spawn(c Command) (*Process, error) {
	if c.Path == "" {
		p.close()
		return nil, &SetupError{Op: "spawn", Err: errors.New("no command")}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = p.slave
	cmd.Stdout = p.slave
	cmd.Stderr = p.slave
	setControllingTTY(cmd)

	if err := cmd.Start(); err != nil {
		p.close()
		return nil, &SetupError{Op: "spawn", Err: err}
	}
	// The child holds its own copy of the slave fd.
	_ = p.slave.Close()

	proc := &Process{
		cmd:    cmd,
		master: p.master,
		done:   make(chan struct{}),
	}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

func (p *PTY) close() {
	_ = p.slave.Close()
	_ = p.master.Close()
}

// Read reads shell output. A shell that has exited reads as io.EOF.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.master.Read(b)
	if err != nil && isHangup(err) {
		err = io.EOF
	}
	return n, err
}

// Write writes all of b to the shell's input.
func (p *Process) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Pid returns the shell's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the shell has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting on the shell. Only valid after Done.
func (p *Process) ExitErr() error {
	return p.waitErr
}

// Terminate closes the master, hangs up the shell's process group and
// waits for the shell to be reaped. If the shell is still running after
// TerminateGrace, or ctx ends first, the group is killed. Terminate
// returns once the shell is reaped or ctx is done, whichever comes first.
func (p *Process) Terminate(ctx context.Context) error {
	p.closeOnce.Do(func() {
		_ = p.master.Close()
	})

	select {
	case <-p.done:
		return nil
	default:
	}

	_ = hangup(p.cmd.Process)

	grace := time.NewTimer(TerminateGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if err := kill(p.cmd.Process); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reap pid %d: %w", p.cmd.Process.Pid, ctx.Err())
	}
}
