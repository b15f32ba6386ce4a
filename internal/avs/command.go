package avs

import (
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
)

// failedExecMsg is the fixed text reported when a command cannot spawn at
// all; operator consoles match on it.
const failedExecMsg = "Failed to execute command"

// execute runs one operator command, honoring && chaining. Each segment
// reports its stdout on success; the first non-zero exit reports its stderr
// and cuts the chain, as && does in a shell. A segment that cannot spawn
// cuts the chain with the fixed failure text. Segment outputs are joined
// with newlines, and the whole chain shares one timeout.
func (a *Agent) execute(ctx context.Context, command string) string {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	var b strings.Builder
	for i, segment := range strings.Split(command, "&&") {
		if i > 0 {
			b.WriteString("\n")
		}
		argv := splitArgs(segment)
		if len(argv) == 0 {
			b.WriteString(failedExecMsg)
			return b.String()
		}
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			b.Write(out)
		case stderrors.As(err, &exitErr):
			b.Write(exitErr.Stderr)
			return b.String()
		default:
			b.WriteString(failedExecMsg)
			return b.String()
		}
	}
	return b.String()
}

// splitArgs breaks one segment into argv, keeping single- or double-quoted
// runs together and stripping the quotes. No expansion or escapes; commands
// needing more shell go through the operator's own wrapper script.
func splitArgs(segment string) []string {
	var argv []string
	var cur strings.Builder
	var quote rune
	inArg := false
	flush := func() {
		if inArg {
			argv = append(argv, cur.String())
			cur.Reset()
			inArg = false
		}
	}
	for _, r := range segment {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	flush()
	return argv
}
