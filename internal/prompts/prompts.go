// Package prompts resolves the role-specific system prompt handed to a
// dispatched worker, the way cortex's internal/scheduler renders a
// per-bead prompt from a template — except a role here resolves to
// either an operator-supplied file under app_home or one of a small set
// of built-in constants.
package prompts

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var roleNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	RoleImplementation     = "implementation"
	RoleCodeReview         = "code_review"
	RoleArchitectureReview = "architecture_review"
	RoleDesignReview       = "design_review"
	RolePMReview           = "pm_review"
	RoleTesting            = "testing"
)

var builtins = map[string]string{
	RoleImplementation: `You are an implementation agent. Make the smallest correct change that
satisfies the assigned action's description. Run any available tests
before reporting completion. State clearly what you changed and why.`,

	RoleCodeReview: `You are a code review agent. Read the referenced change in full before
commenting. Flag correctness issues first, then clarity, then style.
Do not rewrite the change yourself; describe what must change.`,

	RoleArchitectureReview: `You are an architecture review agent. Evaluate the assigned action
against the surrounding module boundaries and data flow. Call out any
coupling or layering violation and propose an alternative shape.`,

	RoleDesignReview: `You are a design review agent. Judge the assigned action's approach
against simpler alternatives before judging its implementation. Prefer
removing complexity over approving it.`,

	RolePMReview: `You are a product review agent. Judge whether the assigned action's
result actually satisfies the goal it was dispatched to serve, not just
whether it compiles or passes tests.`,

	RoleTesting: `You are a testing agent. Write or extend tests that would catch a
regression of the assigned action's behavior. Prefer realistic cases
over exhaustive permutations.`,
}

const generic = `You are a worker agent executing one assigned action. Read the work
context carefully, complete the action, and report your result.`

// Resolve returns the system prompt text for role. Resolution order:
//  1. If role matches [A-Za-z0-9_-]+, try <appHome>/prompts/<role>.md; a
//     whitespace-only file counts as absent.
//  2. Otherwise, or on read failure, return the built-in constant.
//  3. Unknown roles return the generic fallback.
func Resolve(appHome, role string) string {
	if roleNameRe.MatchString(role) {
		path := filepath.Join(appHome, "prompts", role+".md")
		if data, err := os.ReadFile(path); err == nil {
			if strings.TrimSpace(string(data)) != "" {
				return string(data)
			}
		}
	}

	if text, ok := builtins[role]; ok {
		return text
	}
	return generic
}
