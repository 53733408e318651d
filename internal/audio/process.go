package audio

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// process is a started child process with its exit watched in the background
type process struct {
	name   string
	cmd    *exec.Cmd
	stderr *outputTail

	done chan struct{}
	err  error // exit status, valid once done is closed
}

// startProcess starts cmd, capturing stderr for diagnostics
func startProcess(name string, cmd *exec.Cmd) (*process, error) {
	p := &process{
		name:   name,
		cmd:    cmd,
		stderr: &outputTail{label: name},
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	slog.Debug("Starting process", "name", name, "args", cmd.Args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// awaitPrepared waits out the prepare window. A process that exits inside it
// never got its device going, unless allowExit is set and it exited cleanly.
func (p *process) awaitPrepared(window time.Duration, allowExit bool) error {
	select {
	case <-p.done:
		if allowExit && p.err == nil {
			return nil
		}
		return fmt.Errorf("%s exited during prepare: %v: %s", p.name, p.err, p.stderr.String())
	case <-time.After(window):
		return nil
	}
}

// exited reports whether the process has already terminated
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// interrupt asks the process to finish and waits up to timeout before killing it.
// It returns the exit status of the process.
func (p *process) interrupt(timeout time.Duration) error {
	if !p.exited() && p.cmd.Process != nil {
		slog.Debug("Sending interrupt to process", "name", p.name)
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt, falling back to kill", "name", p.name, "error", err)
			p.cmd.Process.Kill()
		}
	}
	return p.wait(timeout)
}

// wait waits up to timeout for the process to exit on its own, then kills it
func (p *process) wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		slog.Warn("Process did not exit within timeout, force killing", "name", p.name, "timeout", timeout)
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		<-p.done
		return nil
	}
}

// kill terminates the process immediately and waits for it
func (p *process) kill() {
	if !p.exited() && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}

// exitedNormally reports whether err is a clean exit or the result of our own stop signal
func exitedNormally(err error) bool {
	if err == nil {
		return true
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// Exit code 255 is how ffmpeg reports a graceful stop after SIGINT
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		if state == "signal: interrupt" || state == "signal: killed" {
			return true
		}
	}
	return false
}

const maxTailBytes = 4096

// outputTail keeps the last bytes written by a child process and logs each line
type outputTail struct {
	label string

	mu      sync.Mutex
	buf     []byte
	partial []byte
}

func (t *outputTail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, b...)
	if len(t.buf) > maxTailBytes {
		t.buf = t.buf[len(t.buf)-maxTailBytes:]
	}

	t.partial = append(t.partial, b...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		slog.Debug("Process output", "stream", t.label, "line", string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	if len(t.partial) > maxTailBytes {
		t.partial = t.partial[len(t.partial)-maxTailBytes:]
	}

	return len(b), nil
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
