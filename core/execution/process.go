package execution

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// process is a started agent. done is closed once Wait has returned.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startProcess(cmd *exec.Cmd) (*process, error) {
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) wait() error {
	<-p.done
	return p.err
}

// terminate asks the whole process group to stop and kills it when it has not exited
// within grace. It reports whether SIGKILL was needed.
func (p *process) terminate(grace time.Duration) bool {
	_ = signalGroup(p.cmd, syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false
	case <-timer.C:
	}
	_ = signalGroup(p.cmd, syscall.SIGKILL)
	return true
}

func exitCodeForError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return exitCodeFromStatus(status)
		}
		return exitErr.ExitCode()
	}
	return 1
}

func exitCodeFromStatus(status syscall.WaitStatus) int {
	if status.Exited() {
		return status.ExitStatus()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return 1
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		if status, ok := state.Sys().(syscall.WaitStatus); ok {
			return exitCodeFromStatus(status)
		}
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	return exitCodeForError(err)
}
