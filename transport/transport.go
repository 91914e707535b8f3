// Package transport supervises the signal-cli daemon whose standard streams
// carry the line-delimited JSON-RPC conversation.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Config describes the subprocess to launch.
type Config struct {
	Path   string
	Args   []string
	Logger *slog.Logger
	// WaitDelay bounds how long Wait blocks on pipes after the process is killed.
	WaitDelay time.Duration
}

// Process is a running transport. Stdout feeds the relay loop; Stdin is
// written only by the reply outbox.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	stderrDone chan struct{}
	closeOnce  sync.Once
	waitOnce   sync.Once
	waitErr    error
}

// Start launches the transport. Cancelling ctx kills the process.
func Start(ctx context.Context, cfg Config) (*Process, error) {
	if cfg.Path == "" {
		return nil, errors.New("transport path is empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "transport"))

	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	cmd.WaitDelay = cfg.WaitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	logger.Info("transport started", slog.String("path", cfg.Path), slog.Int("pid", cmd.Process.Pid))

	p := &Process{cmd: cmd, stdin: stdin, stdout: stdout, logger: logger, stderrDone: make(chan struct{})}
	go p.drainStderr(stderr)
	return p, nil
}

// drainStderr forwards diagnostic output to the debug log.
func (p *Process) drainStderr(r io.Reader) {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.logger.Debug("transport stderr", slog.String("line", sc.Text()))
	}
}

// Stdout returns the event stream.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stdin returns the request stream.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Close closes stdin, which signals signal-cli to exit.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.stdin.Close() })
	return err
}

// Wait blocks until the process exits. Call it only after Stdout has been
// read to EOF.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			p.logger.Info("transport exited", slog.Any("err", p.waitErr))
		} else {
			p.logger.Info("transport exited")
		}
	})
	return p.waitErr
}
