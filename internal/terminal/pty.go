package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	ptylib "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTY is a shell attached to a pseudo-terminal.
//
// The reader and writer may each be claimed once: the reader belongs to the
// output pump, the writer to the session event loop. Resize and Size are safe
// to call concurrently with I/O.
type PTY interface {
	Reader() (io.Reader, error)
	Writer() (io.Writer, error)
	Resize(size Size) error
	Size() (Size, error)
	// Done is closed once the child process has exited.
	Done() <-chan struct{}
	// Close kills the child if still alive and releases the device.
	Close() error
}

// Spawner starts PTY-backed shells. Implementations must be safe for
// concurrent use.
type Spawner interface {
	Spawn(ctx context.Context, size Size) (PTY, error)
}

// defaultShells are tried in order when no shell is configured.
var defaultShells = []string{"bash", "/bin/bash", "/bin/sh"}

// ShellSpawner starts local shells with creack/pty.
type ShellSpawner struct {
	// Shell overrides shell discovery.
	Shell string
	// Args are passed to the shell.
	Args []string
}

// ResolveShell returns the shell to run: the configured one, else the first
// default found on the host.
func (sp *ShellSpawner) ResolveShell() (string, error) {
	if sp.Shell != "" {
		return exec.LookPath(sp.Shell)
	}
	for _, sh := range defaultShells {
		if path, err := exec.LookPath(sh); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no shell found")
}

// Spawn allocates a PTY of the given size and starts the shell on it.
func (sp *ShellSpawner) Spawn(ctx context.Context, size Size) (PTY, error) {
	if err := size.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	shell, err := sp.ResolveShell()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	cmd := exec.Command(shell, sp.Args...)
	cmd.Env = shellEnv(os.Environ())

	// pty.StartWithSize makes the child a session leader with the PTY as its
	// controlling terminal and closes our copy of the subordinate side.
	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{
		Cols: size.Cols,
		Rows: size.Rows,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	p := &Process{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func shellEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	return append(env, "TERM=xterm-256color")
}

// Process is a shell running on a local pseudo-terminal.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File // controller side of the pseudo-terminal

	readerClaimed atomic.Bool
	writerClaimed atomic.Bool

	done     chan struct{}
	waitErr  error
	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// Pid returns the shell's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Reader claims the read side of the controller.
func (p *Process) Reader() (io.Reader, error) {
	if !p.readerClaimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	return p.ptmx, nil
}

// Writer claims the write side of the controller.
func (p *Process) Writer() (io.Writer, error) {
	if !p.writerClaimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	return p.ptmx, nil
}

// Resize updates the device geometry.
func (p *Process) Resize(size Size) error {
	if err := size.Validate(); err != nil {
		return err
	}
	if err := ptylib.Setsize(p.ptmx, &ptylib.Winsize{Cols: size.Cols, Rows: size.Rows}); err != nil {
		return fmt.Errorf("%w: %v", ErrResizeFailed, err)
	}
	return nil
}

// Size reads the device geometry.
func (p *Process) Size() (Size, error) {
	ws, err := ptylib.GetsizeFull(p.ptmx)
	if err != nil {
		return Size{}, err
	}
	return Size{Cols: ws.Cols, Rows: ws.Rows}, nil
}

// Done is closed once the shell has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of waiting on the shell. Only meaningful after Done.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Close kills the shell's process group, closes the controller and reaps the
// child. Safe to call more than once.
func (p *Process) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return p.closeErr
	}
	p.closed = true

	select {
	case <-p.done:
	default:
		// The shell leads its own session, so its pid is also its process group.
		if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			_ = p.cmd.Process.Kill()
		}
	}
	p.closeErr = p.ptmx.Close()
	<-p.done
	return p.closeErr
}
