package process

import (
	"strings"
)

// Spec is everything the launcher needs to start a child.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	WorkDir string
	// Env is the complete environment in "K=V" form. Nil inherits the
	// daemon's environment.
	Env []string
}

// SplitCommand turns a command line into an executable and arguments. It
// avoids a shell unless the line needs one, and it honors an explicit
// "sh -c ..." prefix without wrapping it in a second shell.
func SplitCommand(cmdStr string) (string, []string) {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return "", nil
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		return "/bin/sh", []string{"-c", script}
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return "/bin/sh", []string{"-c", cmdStr}
	}
	parts := strings.Fields(cmdStr)
	return parts[0], parts[1:]
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start
// of cmdStr and returns ARG verbatim, minus one pair of enclosing quotes.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
