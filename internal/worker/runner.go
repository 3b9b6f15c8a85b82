package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/datallboy/fetchq/internal/infra/logger"
)

// ExecRunner starts a child process per task. The task is written to its
// stdin and the reply read from its stdout.
type ExecRunner struct {
	Path string
	Args []string
	Env  []string
}

// SelfRunner re-executes the running binary as "<exe> worker".
func SelfRunner() (ExecRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return ExecRunner{}, fmt.Errorf("locate executable: %w", err)
	}
	return ExecRunner{Path: exe, Args: []string{"worker"}}, nil
}

func (r ExecRunner) Exchange(ctx context.Context, task []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	cmd.Stdin = bytes.NewReader(task)
	if r.Env != nil {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stdout.Len() > 0 {
			// The worker managed to report; its result says what went wrong
			return stdout.Bytes(), nil
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// PipeRunner serves tasks in-process over a pipe. The worker still gets its own
// registry and event bus; only the process boundary is missing.
type PipeRunner struct {
	Log *logger.Logger
}

func (r PipeRunner) Exchange(ctx context.Context, task []byte) ([]byte, error) {
	pr, pw := io.Pipe()

	go func() {
		err := Serve(ctx, bytes.NewReader(task), pw, r.Log)
		pw.CloseWithError(err)
	}()

	return io.ReadAll(pr)
}
