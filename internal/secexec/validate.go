package secexec

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/voxterm/switchboard/internal/fault"
)

// Metacharacter sequences that chain or substitute commands. Single pipes
// and redirections stay legal (they are everyday terminal usage) and are
// handled by risk scoring instead.
var forbiddenSequences = []string{";", "&&", "||", "`", "$(", "\n", "\r"}

// validate applies the pre-dispatch checks: operation allow-list, command
// length cap, metacharacter rejection, and path containment.
func (e *Executor) validate(op OpType, req Request) error {
	if !allowedOps[op] {
		return fault.Newf(fault.KindValidation, "secexec.validate", "operation %q is not allowed", op)
	}

	switch op {
	case OpExecute:
		if req.SessionID == "" {
			return fault.New(fault.KindValidation, "secexec.validate", "session id is required")
		}
		if strings.TrimSpace(req.Command) == "" {
			return fault.New(fault.KindValidation, "secexec.validate", "command is empty")
		}
	case OpCreateSession:
		if req.Name == "" {
			return fault.New(fault.KindValidation, "secexec.validate", "session name is required")
		}
		if !validSessionName(req.Name) {
			return fault.Newf(fault.KindValidation, "secexec.validate", "session name %q contains invalid characters", req.Name)
		}
	case OpDestroySession, OpCapture:
		if req.SessionID == "" {
			return fault.New(fault.KindValidation, "secexec.validate", "session id is required")
		}
	}

	if req.Command == "" {
		return nil
	}
	if len(req.Command) > e.cfg.MaxCommandLength {
		return fault.Newf(fault.KindValidation, "secexec.validate",
			"command length %d exceeds limit %d", len(req.Command), e.cfg.MaxCommandLength)
	}
	for _, seq := range forbiddenSequences {
		if strings.Contains(req.Command, seq) {
			return fault.Newf(fault.KindValidation, "secexec.validate",
				"command contains forbidden sequence %q", seq)
		}
	}
	if e.cfg.AllowedRoot != "" {
		if err := checkPathContainment(req.Command, e.cfg.AllowedRoot); err != nil {
			return err
		}
	}
	return nil
}

var sessionNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func validSessionName(name string) bool {
	return len(name) <= 128 && sessionNameRe.MatchString(name)
}

// checkPathContainment rejects commands referencing absolute paths outside
// root, and any parent traversal at all.
func checkPathContainment(command, root string) error {
	root = filepath.Clean(root)
	for _, tok := range strings.Fields(command) {
		if strings.Contains(tok, "..") {
			return fault.Newf(fault.KindValidation, "secexec.validate",
				"path traversal in %q", tok)
		}
		if !strings.HasPrefix(tok, "/") {
			continue
		}
		cleaned := filepath.Clean(tok)
		if cleaned != root && !strings.HasPrefix(cleaned, root+string(filepath.Separator)) {
			return fault.Newf(fault.KindValidation, "secexec.validate",
				"path %q escapes allowed root %q", tok, root)
		}
	}
	return nil
}

// riskPatterns score command text additively. Scoring informs the audit
// trail and metrics; it never blocks on its own.
var riskPatterns = []struct {
	re    *regexp.Regexp
	score int
}{
	{regexp.MustCompile(`(?i)\bsudo\b`), 3},
	{regexp.MustCompile(`(?i)\brm\s+-[a-z]*[rf]`), 4},
	{regexp.MustCompile(`(?i)\b(mkfs|fdisk|dd)\b`), 5},
	{regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`), 4},
	{regexp.MustCompile(`(?i)\bchmod\s+777\b`), 3},
	{regexp.MustCompile(`(?i)\b(chown|chmod)\b`), 1},
	{regexp.MustCompile(`(?i)\|\s*(ba|z|da)?sh\b`), 4},
	{regexp.MustCompile(`(?i)\b(curl|wget)\b`), 2},
	{regexp.MustCompile(`(?i)\bkill\s+-9\b`), 1},
	{regexp.MustCompile(`>{1,2}`), 1},
}

// riskScore sums the matched pattern scores for a command.
func riskScore(command string) int {
	if command == "" {
		return 0
	}
	score := 0
	for _, p := range riskPatterns {
		if p.re.MatchString(command) {
			score += p.score
		}
	}
	return score
}
