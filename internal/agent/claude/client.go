// Package claude runs queries against the Claude Code CLI in streaming JSON
// mode. Tool permission prompts are routed back to the server over the
// CLI's stdio control channel.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"clarvis/internal/agent"
)

const (
	maxLineSize   = 16 << 20
	stderrTailMax = 8 << 10
	eventBuffer   = 64
)

// Client starts one claude process per query.
type Client struct {
	command   string
	extraArgs []string
	log       *zap.Logger
}

// New creates a Client. extraArgs is split with shell quoting rules and
// appended to every invocation.
func New(command, extraArgs string, log *zap.Logger) (*Client, error) {
	if command == "" {
		command = "claude"
	}
	args, err := shlex.Split(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse claude args %q: %w", extraArgs, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{command: command, extraArgs: args, log: log}, nil
}

// buildArgs maps query options to CLI flags.
func (c *Client) buildArgs(opts agent.Options) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return append(args, c.extraArgs...)
}

// Query starts the CLI and streams its events. Cancelling ctx kills the
// process; the stream then finishes with ctx's error.
func (c *Client) Query(ctx context.Context, opts agent.Options) (*agent.Stream, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, errors.New("claude: empty prompt")
	}

	cmd := exec.CommandContext(ctx, c.command, c.buildArgs(opts)...)
	cmd.Dir = opts.WorkingDirectory
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailMax}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.command, err)
	}
	c.log.Debug("claude query started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("cwd", opts.WorkingDirectory),
		zap.String("model", opts.Model),
		zap.Bool("resume", opts.Resume != ""))

	w := &lineWriter{w: stdin}
	if err := w.write(newUserInput(opts.Prompt)); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	stream := agent.NewStream(eventBuffer)
	ctrlCtx, ctrlCancel := context.WithCancel(ctx)
	q := &query{
		ctx:        ctx,
		ctrlCtx:    ctrlCtx,
		ctrlCancel: ctrlCancel,
		cmd:        cmd,
		stdout:     stdout,
		stderr:     stderr,
		in:         w,
		stream:     stream,
		allow:      opts.CanUseTool,
		log:        c.log,
	}
	go q.run()
	return stream, nil
}

type query struct {
	ctx context.Context
	// ctrlCtx bounds pending permission callbacks; it ends when the
	// process exits even if ctx is still live.
	ctrlCtx    context.Context
	ctrlCancel context.CancelFunc

	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer
	in     *lineWriter
	stream *agent.Stream
	allow  agent.PermissionFunc
	log    *zap.Logger

	controls sync.WaitGroup
}

func (q *query) run() {
	dec := newDecoder()
	scanner := bufio.NewScanner(q.stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	sawResult := false
	for scanner.Scan() {
		events, line, err := dec.decode(scanner.Bytes())
		if err != nil {
			q.log.Warn("claude: bad stream line", zap.Error(err))
			continue
		}
		if line != nil {
			switch line.Type {
			case "control_request":
				q.controls.Add(1)
				go q.handleControl(line.RequestID, *line.Request)
			case "result":
				sawResult = true
			}
		}
		for _, ev := range events {
			if !q.stream.Emit(q.ctx, ev) {
				break
			}
		}
		if sawResult {
			// One prompt per process: closing stdin lets the CLI exit.
			q.in.close()
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the process is not blocked writing to a full pipe.
		_, _ = io.Copy(io.Discard, q.stdout)
	}

	waitErr := q.cmd.Wait()
	q.in.close()
	q.ctrlCancel()
	q.controls.Wait()

	switch {
	case q.ctx.Err() != nil:
		q.stream.Finish(q.ctx.Err())
	case scanErr != nil:
		q.stream.Finish(fmt.Errorf("read claude output: %w", scanErr))
	case waitErr != nil && !sawResult:
		q.stream.Finish(fmt.Errorf("claude exited: %w%s", waitErr, q.stderr.suffix()))
	case !sawResult:
		q.stream.Finish(fmt.Errorf("claude exited without a result%s", q.stderr.suffix()))
	default:
		q.stream.Finish(nil)
	}
}

func (q *query) handleControl(requestID string, req controlRequest) {
	defer q.controls.Done()

	if req.Subtype != subtypeCanUseTool {
		if err := q.in.write(newControlError(requestID, "unsupported control request: "+req.Subtype)); err != nil {
			q.log.Debug("claude: control reply failed", zap.Error(err))
		}
		return
	}

	decision := agent.Decision{Behavior: agent.Deny, Message: "No permission handler"}
	if q.allow != nil {
		decision = q.allow(q.ctrlCtx, agent.ToolRequest{
			ToolName:  req.ToolName,
			ToolUseID: req.ToolUseID,
			Input:     req.Input,
		})
	}
	if err := q.in.write(newPermissionResponse(requestID, req, decision)); err != nil {
		q.log.Debug("claude: permission reply failed",
			zap.String("tool", req.ToolName), zap.Error(err))
	}
}

// lineWriter serializes JSON lines onto the agent's stdin.
type lineWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (lw *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return errors.New("stdin closed")
	}
	_, err = lw.w.Write(append(data, '\n'))
	return err
}

func (lw *lineWriter) close() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if !lw.closed {
		lw.closed = true
		_ = lw.w.Close()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

func (b *tailBuffer) suffix() string {
	if s := b.String(); s != "" {
		return ": " + s
	}
	return ""
}
