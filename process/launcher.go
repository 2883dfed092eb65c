package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Process is a running plugin.
type Process interface {
	Pid() int
	// Kill terminates the process and reaps it. Killing an exited process
	// is not an error.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher starts plugin processes.
type Launcher interface {
	Launch(ctx context.Context, d Descriptor, port int) (Process, error)
}

// ExecLauncher launches plugins as child processes. The child's stdout and
// stderr are forwarded to Stdout and Stderr, which default to the hub's own.
type ExecLauncher struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Launch runs d.Entrypoint with d.Args followed by "--port <port>".
func (l ExecLauncher) Launch(_ context.Context, d Descriptor, port int) (Process, error) {
	args := append(append([]string(nil), d.Args...), "--port", strconv.Itoa(port))
	// Not bound to ctx: the process outlives the start call.
	cmd := exec.Command(d.Entrypoint, args...)
	cmd.Stdout = l.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", d.Entrypoint, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
	killErr  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Kill() error {
	p.killOnce.Do(func() {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = err
			return
		}
		<-p.done
	})
	return p.killErr
}

// AllocatePort returns a currently unused loopback TCP port. The port is
// released before returning, so the plugin can bind it.
func AllocatePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}
