package hayate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Executor provides a consistent interface for executing external commands
// with context-based cancellation and process group isolation.
type Executor struct {
	Context           context.Context // The context to use for cancellation
	ApplyIdlePriority bool            // Apply nice -n 19 to this specific command
	Interactive       bool            // Interactive indicates whether the command may prompt the user
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// OutputTail is an io.Writer keeping the last N lines written through it.
// The pipeline attaches one to every external process so a failed stage can
// be reconstructed without re-running it.
type OutputTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
}

func NewOutputTail(maxLines int) *OutputTail {
	if maxLines <= 0 {
		maxLines = 40
	}
	return &OutputTail{max: maxLines}
}

func (t *OutputTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial.Write(p)
	for {
		data := t.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		t.push(string(data[:idx]))
		t.partial.Next(idx + 1)
	}
	return len(p), nil
}

func (t *OutputTail) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns the captured tail, including any unterminated final line.
func (t *OutputTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}

func (t *OutputTail) String() string {
	return strings.Join(t.Lines(), "\n")
}

// Run executes the given command. It wires up stdio and isolates the child in
// its own process group so cancellation kills the whole tree.
func (e *Executor) Run(cmd *exec.Cmd) error {
	// --- Phase 0: wire up stdio ---
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// --- Phase 1: build the final command ---
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(e.Context, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir

	// preserve or inherit the environment
	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	// carry over stdio
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr

	// --- Phase 2: isolate process group for context-based cleanup ---
	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	// --- Phase 3: start and watch for cancel ---
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	// --- Phase 4: wait and return ---
	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}

// RunCaptured runs the command with stdout/stderr teed into a tail buffer and,
// when logger is non-nil, also streamed to it. The tail is returned whether or
// not the command failed.
func (e *Executor) RunCaptured(cmd *exec.Cmd, logger io.Writer, tailLines int) (*OutputTail, error) {
	tail := NewOutputTail(tailLines)
	var sink io.Writer = tail
	if logger != nil {
		sink = io.MultiWriter(tail, logger)
	}
	cmd.Stdin = strings.NewReader("") // never block on stdin in pipeline mode
	cmd.Stdout = sink
	cmd.Stderr = sink
	err := e.Run(cmd)
	return tail, err
}
