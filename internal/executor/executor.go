// Package executor runs the external programs that do the heavy lifting of a
// cluster change: copying slot data between nodes, or provisioning a node.
// The control plane never moves data itself. It hands arguments to an
// Executor and interprets the one-line JSON verdict that comes back.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/dreamware/slotctl/internal/cluster"
)

// Verdicts an executor can report.
const (
	ActionSuccess = "success"
	ActionFailure = "failure"
)

// Result is the verdict printed by an executor as its last line of output:
//
//	{"action":"failure","message":"copy slot 12 failed"}
type Result struct {
	Action  string `mapstructure:"action"`
	Message string `mapstructure:"message"`
}

// OK reports whether the executor succeeded.
func (r *Result) OK() bool {
	return r == nil || r.Action == "" || r.Action == ActionSuccess
}

// Executor runs one external operation. Implementations must honour ctx and
// return an error wrapping cluster.ErrExecutor on any failure, with the
// executor's own message preserved.
type Executor interface {
	Run(ctx context.Context, args []string) (*Result, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, args []string) (*Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, args []string) (*Result, error) {
	return f(ctx, args)
}

// ProcessExecutor spawns a binary per call.
type ProcessExecutor struct {
	Bin     string
	Timeout time.Duration
}

// NewProcessExecutor returns an executor for bin with a per-call timeout.
func NewProcessExecutor(bin string, timeout time.Duration) *ProcessExecutor {
	return &ProcessExecutor{Bin: bin, Timeout: timeout}
}

// Run executes the binary and parses its verdict.
func (p *ProcessExecutor) Run(ctx context.Context, args []string) (*Result, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Bin, args...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	log.Printf("executor: %s %s finished in %v", p.Bin, strings.Join(args, " "), time.Since(start).Round(time.Millisecond))

	res, parseErr := ParseOutput(stdout.Bytes())

	if runErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %s timed out: %v", cluster.ErrExecutor, p.Bin, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if res != nil && res.Message != "" {
			msg = res.Message
		}
		if msg == "" {
			msg = runErr.Error()
		}
		return res, fmt.Errorf("%w: %s", cluster.ErrExecutor, msg)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if !res.OK() {
		msg := res.Message
		if msg == "" {
			msg = "executor reported failure"
		}
		return res, fmt.Errorf("%w: %s", cluster.ErrExecutor, msg)
	}
	return res, nil
}

// ParseOutput decodes the verdict from the last non-empty line of out.
// Empty output is a success.
func ParseOutput(out []byte) (*Result, error) {
	line := lastLine(out)
	if line == "" {
		return &Result{Action: ActionSuccess}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("%w: unreadable output %q", cluster.ErrExecutor, line)
	}

	var res Result
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &res,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: unreadable verdict %q: %v", cluster.ErrExecutor, line, err)
	}
	if res.Action != "" && res.Action != ActionSuccess && res.Action != ActionFailure {
		return &res, fmt.Errorf("%w: unknown action %q", cluster.ErrExecutor, res.Action)
	}
	return &res, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// Message extracts the human readable part of an executor error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	prefix := cluster.ErrExecutor.Error() + ": "
	if errors.Is(err, cluster.ErrExecutor) {
		if i := strings.Index(msg, prefix); i >= 0 {
			return msg[i+len(prefix):]
		}
	}
	return msg
}
