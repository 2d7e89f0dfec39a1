package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/pkg/logger"
)

// Invocation identifies the document a worker should process.
type Invocation struct {
	DocumentID   string
	DocumentPath string
}

// Worker runs the extraction for one document and feeds every decoded event
// to handle in output order. A non-nil error from handle stops the worker
// and is returned unchanged.
type Worker interface {
	Run(ctx context.Context, inv Invocation, handle func(Event) error) error
}

// WorkerExitError reports a worker that terminated with a non-zero status.
type WorkerExitError struct {
	Code   int
	Stderr string
}

func (e *WorkerExitError) Error() string {
	msg := fmt.Sprintf("worker exited with code %d", e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

const stderrTailLines = 20

// ProcessWorker runs the worker as an external command speaking NDJSON on
// stdout.
type ProcessWorker struct {
	Command string
	Args    []string
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

func NewProcessWorker(command string, args ...string) *ProcessWorker {
	return &ProcessWorker{Command: command, Args: args, WaitDelay: 5 * time.Second}
}

func (w *ProcessWorker) Run(ctx context.Context, inv Invocation, handle func(Event) error) error {
	if inv.DocumentPath == "" {
		return errors.New("document path is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := append(append([]string{}, w.Args...), "--document-path", inv.DocumentPath)
	if inv.DocumentID != "" {
		args = append(args, "--document-id", inv.DocumentID)
	}

	// Output goes through in-process pipes so Wait, bounded by WaitDelay,
	// can close them even when a killed worker leaves children holding the
	// descriptors.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	cmd := exec.CommandContext(runCtx, w.Command, args...)
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.WaitDelay = w.WaitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", w.Command, err)
	}

	log := logger.With(zap.String("document_id", inv.DocumentID), zap.Int("pid", cmd.Process.Pid))
	log.Debug("Worker started", zap.String("command", w.Command))

	tail := newTail(stderrTailLines)
	var handlerErr, waitErr error

	var g errgroup.Group
	g.Go(func() error {
		waitErr = cmd.Wait()
		outW.Close()
		errW.Close()
		return nil
	})
	g.Go(func() error {
		stream := NewEventStream(outR, func(line string, err error) {
			metrics.WorkerLinesSkipped.WithLabelValues("malformed").Inc()
			log.Warn("Skipping malformed worker output", zap.Error(err), zap.String("line", truncate(line, 200)))
		})
		for stream.Next() {
			if err := handle(stream.Event()); err != nil {
				handlerErr = err
				cancel()
				break
			}
		}
		_, _ = io.Copy(io.Discard, outR)
		return stream.Err()
	})
	g.Go(func() error {
		sc := bufio.NewScanner(errR)
		for sc.Scan() {
			line := sc.Text()
			tail.add(line)
			log.Debug("Worker stderr", zap.String("line", line))
		}
		_, _ = io.Copy(io.Discard, errR)
		return nil
	})

	readErr := g.Wait()

	if handlerErr != nil {
		return handlerErr
	}
	if ctx.Err() != nil {
		return fmt.Errorf("worker aborted: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &WorkerExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
		}
		return fmt.Errorf("worker failed: %w", waitErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to read worker output: %w", readErr)
	}

	log.Debug("Worker finished")
	return nil
}

type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTail(n int) *tailBuffer { return &tailBuffer{max: n} }

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
