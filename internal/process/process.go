package process

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// ErrAlreadyWaited is returned when Wait is called a second time.
var ErrAlreadyWaited = errors.New("process already waited")

// Process owns one started *exec.Cmd. Exactly one goroutine calls Wait;
// everyone else observes the exit through Done or Exited.
type Process struct {
	name string
	cmd  *exec.Cmd

	mu        sync.Mutex
	waited    bool
	exited    bool
	exit      Exit
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	done      chan struct{}
}

// Start launches spec.Path. The returned error is the raw OS error from
// process creation; no state survives a failed start.
func Start(spec Spec) (*Process, error) {
	p := &Process{name: spec.Name, done: make(chan struct{})}
	cmd := p.configureCmd(spec)
	if err := cmd.Start(); err != nil {
		p.closeWriters()
		return nil, err
	}
	p.cmd = cmd
	return p, nil
}

func (p *Process) configureCmd(spec Spec) *exec.Cmd {
	// #nosec G204 -- the executable path is the whole point of a node
	cmd := exec.Command(spec.Path)
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	configureSysProcAttr(cmd)
	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	outW, errW := spec.Output.Writers(spec.Name)
	p.outCloser, p.errCloser = outW, errW
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	// nil Stdout/Stderr make os/exec attach /dev/null
	return cmd
}

func (p *Process) Name() string { return p.name }

func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits, reaps it and releases its log writers.
// It must be called by a single owner.
func (p *Process) Wait() (Exit, error) {
	p.mu.Lock()
	if p.waited {
		p.mu.Unlock()
		return Exit{}, ErrAlreadyWaited
	}
	p.waited = true
	p.mu.Unlock()

	err := p.cmd.Wait()
	ex := Exit{StoppedAt: time.Now()}
	var ee *exec.ExitError
	switch {
	case err == nil:
		ex.Code = 0
	case errors.Is(err, exec.ErrWaitDelay):
		// exited cleanly; a descendant kept the output pipes open
		ex.Code = 0
	case errors.As(err, &ee):
		ex.Code = ee.ExitCode()
		ex.Err = err
	default:
		ex.Code = -1
		ex.Err = err
	}

	p.mu.Lock()
	p.exited = true
	p.exit = ex
	close(p.done)
	p.mu.Unlock()
	p.closeWriters()
	return ex, nil
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited returns the exit description once the process has been reaped.
func (p *Process) Exited() (Exit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit, p.exited
}

// Terminate asks the process group to stop with SIGTERM and escalates to
// SIGKILL after grace. It never reaps; it waits for the owner's Wait to
// finish, bounded by grace plus a short kill window.
func (p *Process) Terminate(grace time.Duration) {
	if _, done := p.Exited(); done {
		return
	}
	_ = signalGroup(p.cmd, sigTerm)
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.done:
		return
	case <-t.C:
	}
	_ = signalGroup(p.cmd, sigKill)
	select {
	case <-p.done:
	case <-time.After(200 * time.Millisecond):
		// best-effort
	}
}

func (p *Process) closeWriters() {
	p.mu.Lock()
	outC, errC := p.outCloser, p.errCloser
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	if outC != nil {
		_ = outC.Close()
	}
	if errC != nil {
		_ = errC.Close()
	}
}
