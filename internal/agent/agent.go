// Package agent runs the Claude CLI as a subprocess with per-stage
// capability profiles. Planning runs read-only; implementation and PR
// updates may edit files and run commands inside their worktree.
package agent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nightshift-sh/nightshift/internal/shell"
)

// DefaultTimeout bounds a single agent invocation. An overnight run must
// never hang on one issue.
const DefaultTimeout = 45 * time.Minute

// Capability selects the tool profile for an invocation.
type Capability string

const (
	// CapPlan is read-only: the agent may inspect the repository but not
	// modify it or run commands.
	CapPlan Capability = "plan"
	// CapImplement allows editing files and running commands.
	CapImplement Capability = "implement"
	// CapUpdate is CapImplement scoped to addressing review feedback.
	CapUpdate Capability = "update"
)

// planDisallowedTools blocks every mutating tool during planning.
var planDisallowedTools = []string{"Edit", "Write", "Bash", "NotebookEdit"}

// Result is the outcome of one invocation. Invoke never returns an error;
// failures are carried here so callers always see whatever output the agent
// produced before dying.
type Result struct {
	// Output is the agent's stdout and stderr, interleaved. Populated even
	// when OK is false.
	Output string
	// OK is true when the process exited zero within the timeout.
	OK bool
	// Err holds the process failure when OK is false.
	Err error
	// Duration is wall-clock time for the invocation.
	Duration time.Duration
}

// Invoker runs the agent CLI.
type Invoker struct {
	// Bin is the CLI binary name; "claude" when empty.
	Bin string
	// Timeout bounds each invocation; DefaultTimeout when zero.
	Timeout time.Duration
	// MaxTurns limits agentic turns when positive (--max-turns).
	MaxTurns int
	// Env is appended to the process environment (proxy settings etc).
	Env []string
}

// Invoke pipes the prompt to the agent's stdin and runs it in dir under the
// given capability profile.
func (v *Invoker) Invoke(ctx context.Context, cap Capability, prompt, dir string) Result {
	bin := v.Bin
	if bin == "" {
		bin = "claude"
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := &shell.Runner{Dir: dir, Env: v.Env}
	start := time.Now()
	out, err := r.RunCombined(ctx, prompt, bin, v.buildArgs(cap)...)
	return Result{
		Output:   out,
		OK:       err == nil,
		Err:      err,
		Duration: time.Since(start),
	}
}

func (v *Invoker) buildArgs(cap Capability) []string {
	args := []string{"--print", "--dangerously-skip-permissions"}

	if cap == CapPlan {
		args = append(args, "--disallowedTools", strings.Join(planDisallowedTools, ","))
	}

	if v.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(v.MaxTurns))
	}

	return args
}

// NormalizePlan strips conversational preamble from plan output: everything
// before the first markdown heading goes. Output with no heading at all is
// returned trimmed, so a plan is never silently discarded.
func NormalizePlan(output string) string {
	trimmed := strings.TrimSpace(output)
	idx := strings.Index(trimmed, "\n#")
	if strings.HasPrefix(trimmed, "#") {
		return trimmed
	}
	if idx < 0 {
		return trimmed
	}
	return strings.TrimSpace(trimmed[idx+1:])
}
