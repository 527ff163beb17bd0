// Package runner launches a single external program and captures its
// combined output, exit code and wall-clock duration.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

var (
	// ErrLaunch wraps failures to start the process
	ErrLaunch = errors.New("launching process")
	// ErrMonitor wraps failures while reading output or collecting the exit status
	ErrMonitor = errors.New("monitoring process")
)

// killGrace bounds how long Wait keeps reading output once the process has
// exited or was killed. A background child still holding the output pipe
// does not block the run past this.
const killGrace = 5 * time.Second

// Command describes one process launch
type Command struct {
	Executable string
	Args       []string
	Dir        string
	Env        map[string]string // Merged on top of the ambient environment
}

// String renders the command line for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Executable + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a process that ran to exit
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// OutputFunc is called for each chunk of combined output ending in a line
// terminator. The last chunk may lack one. Concatenating all chunks yields
// Result.Output byte for byte.
type OutputFunc func(line string)

// Runner executes commands
type Runner interface {
	Run(ctx context.Context, cmd Command, onOutput OutputFunc) (*Result, error)
}

// ProcessRunner runs commands as local child processes
type ProcessRunner struct {
	Debug bool
	// WaitDelay overrides killGrace when positive
	WaitDelay time.Duration
}

// New creates a ProcessRunner
func New(debug bool) *ProcessRunner {
	return &ProcessRunner{Debug: debug}
}

func (r *ProcessRunner) waitDelay() time.Duration {
	if r.WaitDelay > 0 {
		return r.WaitDelay
	}
	return killGrace
}

// Run starts the command and blocks until it exits. A non-zero exit is not an
// error: it is reported through Result.ExitCode. Errors wrap ErrLaunch or
// ErrMonitor; with ErrMonitor the partial Result is returned as well.
func (r *ProcessRunner) Run(ctx context.Context, c Command, onOutput OutputFunc) (*Result, error) {
	start := time.Now()

	if r.Debug {
		log.Printf("[runner] starting %q in %s", c.String(), c.Dir)
	}

	cmd := exec.CommandContext(ctx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.WaitDelay = r.waitDelay()

	// stdout and stderr share one writer so exec hands the child a single pipe
	// and both streams interleave in the order the child wrote them.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var output strings.Builder
	readDone := make(chan error, 1)
	go func() {
		readDone <- readLines(pr, &output, onOutput)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-readDone
		if r.Debug {
			log.Printf("[runner] launch of %q failed: %v", c.Executable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	if r.Debug {
		log.Printf("[runner] started PID %d", cmd.Process.Pid)
	}

	waitErr := cmd.Wait()
	pw.Close()
	readErr := <-readDone

	result := &Result{
		Output:   output.String(),
		Duration: time.Since(start),
	}

	if readErr != nil {
		return result, fmt.Errorf("%w: reading output: %w", ErrMonitor, readErr)
	}

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%w: process killed: %w", ErrMonitor, ctxErr)
		}
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
			// The process exited but a child kept the output pipe open
			log.Printf("[runner] %q exited, output cut off after %s: a child process still holds it", c.Executable, r.waitDelay())
			result.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return result, fmt.Errorf("%w: %w", ErrMonitor, waitErr)
		}
	}

	if r.Debug {
		log.Printf("[runner] %q finished in %.2fs with exit code %d", c.Executable, result.Duration.Seconds(), result.ExitCode)
	}

	return result, nil
}

// readLines copies r into out line by line. On a read error the pipe is
// closed so the writing side fails instead of blocking forever.
func readLines(r *io.PipeReader, out *strings.Builder, onOutput OutputFunc) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			out.WriteString(line)
			if onOutput != nil {
				onOutput(line)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			r.CloseWithError(err)
			return err
		}
	}
}

// MergeEnv overlays overrides on base (KEY=VALUE pairs). Overridden keys are
// removed from base so the child sees exactly one value per key.
func MergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
