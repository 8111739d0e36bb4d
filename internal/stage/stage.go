// Package stage implements the three lifecycle stages the dispatcher can
// run for an issue: posting a plan, implementing an approved plan, and
// updating a pull request with review feedback. Each stage is a function
// taking a Config of narrow interfaces so tests can substitute fakes.
package stage

import (
	"context"

	"github.com/nightshift-sh/nightshift/internal/agent"
)

// Invoker runs the coding agent with a capability profile.
type Invoker interface {
	Invoke(ctx context.Context, cap agent.Capability, prompt, dir string) agent.Result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
