// Package postproc runs an external line-oriented text filter as a child
// process and exchanges one line of output for every line of input. A single
// filter process is reused for every transcript of a worker session.
package postproc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds how long Process waits for the filter's reply.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when the filter does not produce a reply line in
// time. The pipe is unusable afterwards.
var ErrTimeout = errors.New("postproc: timed out waiting for filter output")

// Pipe is a full-duplex line filter around an external command.
type Pipe struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	timeout time.Duration

	mu    sync.Mutex // serializes Process calls
	lines chan string
	errc  chan error
	done  chan struct{}
	once  sync.Once
}

// Start launches command through the shell and returns a ready pipe.
// A timeout of zero selects DefaultTimeout.
func Start(command string, timeout time.Duration) (*Pipe, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("postproc: open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("postproc: open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("postproc: start %q: %w", command, err)
	}
	p := &Pipe{
		cmd:     cmd,
		stdin:   stdin,
		timeout: timeout,
		lines:   make(chan string),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go p.readLoop(stdout)
	return p, nil
}

func (p *Pipe) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	p.errc <- err
}

// Process writes one line to the filter and blocks for its reply. Trailing
// whitespace is stripped and the literal two-character sequence `\n` becomes a
// newline. Any write failure, filter exit, or timeout is fatal to the pipe.
func (p *Pipe) Process(text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		return "", fmt.Errorf("postproc: write to filter: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case line := <-p.lines:
		line = strings.TrimRight(line, " \t\r\n")
		return strings.ReplaceAll(line, `\n`, "\n"), nil
	case err := <-p.errc:
		return "", fmt.Errorf("postproc: filter terminated: %w", err)
	case <-timer.C:
		return "", ErrTimeout
	}
}

// Close terminates the filter process. It is safe to call more than once.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.stdin.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
		p.cmd.Wait()
	})
	return nil
}
