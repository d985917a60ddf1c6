// Package script lints WebGAL scene scripts.
//
// Validation is line-based and never fails: every problem becomes a
// diagnostic in the result. Resource references (backgrounds, figures,
// audio, scene jumps) are resolved through the path sandbox so the
// validator can only ever look inside the project.
package script

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Golenspade/webgal-agent/internal/sandbox"
)

// Diagnostic kinds.
const (
	KindSyntax   = "syntax"
	KindResource = "resource"
	KindStyle    = "style"
)

// Diagnostic is one validator finding, anchored to a 1-based line.
type Diagnostic struct {
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	FixHint string `json:"fix_hint,omitempty"`
}

// Result is the validate_script payload.
type Result struct {
	Valid       bool         `json:"valid"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// allowedCommands is the closed WebGAL command vocabulary.
var allowedCommands = map[string]struct{}{
	"intro": {}, "say": {}, "changeBg": {}, "changeFigure": {}, "miniAvatar": {},
	"bgm": {}, "playEffect": {}, "playVocal": {}, "changeScene": {}, "callScene": {},
	"choose": {}, "label": {}, "jumpLabel": {}, "setVar": {}, "setTextbox": {},
	"pixiInit": {}, "pixiPerform": {}, "setAnimation": {}, "setFilter": {},
	"setTransform": {}, "video": {}, "filmMode": {}, "comment": {}, "end": {},
	"getUserInput": {}, "setComplexAnimation": {}, "unlockCg": {}, "unlockBgm": {},
}

// resourceChecks maps resource-bearing commands to the directory their
// argument must exist in.
var resourceChecks = map[string]struct {
	dir   string
	label string
}{
	"changeBg":     {"game/background", "background"},
	"changeFigure": {"game/figure", "figure"},
	"bgm":          {"game/bgm", "BGM"},
	"playVocal":    {"game/vocal", "vocal"},
	"changeScene":  {"game/scene", "scene"},
	"callScene":    {"game/scene", "scene"},
}

// commandCandidate matches a lowercase-leading identifier; anything else
// on the left of ":" is a speaker name, not a command.
var commandCandidate = regexp.MustCompile(`^[a-z][A-Za-z0-9_]*$`)

// Validator lints script text against the project on disk.
type Validator struct {
	sb *sandbox.Sandbox
}

// New creates a validator bound to the project sandbox.
func New(sb *sandbox.Sandbox) *Validator {
	return &Validator{sb: sb}
}

// Validate lints content and returns all diagnostics. It never returns an
// error: unreadable resources simply produce resource diagnostics.
func (v *Validator) Validate(content string) Result {
	var diags []Diagnostic

	for i, raw := range strings.Split(content, "\n") {
		lineNo := i + 1

		line := strings.TrimSpace(raw)
		if line == "" || isComment(line) {
			continue
		}

		if !strings.HasSuffix(line, ";") {
			diags = append(diags, Diagnostic{
				Line:    lineNo,
				Kind:    KindSyntax,
				Message: "statement must end with ;",
				FixHint: "append ;",
			})
		}

		command, arg := splitStatement(line)

		if command != "" && commandCandidate.MatchString(command) {
			if _, known := allowedCommands[command]; !known {
				diags = append(diags, Diagnostic{
					Line:    lineNo,
					Kind:    KindSyntax,
					Message: fmt.Sprintf("unknown command: %s", command),
				})

				continue
			}

			diags = append(diags, v.checkResource(lineNo, command, arg)...)
		}
	}

	return Result{Valid: len(diags) == 0, Diagnostics: diags}
}

// checkResource verifies that a resource-bearing command points at a file
// that exists under its typed directory. The literal "none" clears a
// resource and is always accepted.
func (v *Validator) checkResource(lineNo int, command, arg string) []Diagnostic {
	check, ok := resourceChecks[command]
	if !ok || arg == "" || arg == "none" {
		return nil
	}

	missing := func() []Diagnostic {
		return []Diagnostic{{
			Line:    lineNo,
			Kind:    KindResource,
			Message: fmt.Sprintf("%s file missing: %s", check.label, arg),
			FixHint: fmt.Sprintf("add the file under %s/ or reference an existing one", check.dir),
		}}
	}

	abs, err := v.sb.Validate(check.dir + "/" + arg)
	if err != nil {
		return missing()
	}

	if _, err := os.Stat(abs); err != nil {
		return missing()
	}

	return nil
}

// splitStatement returns the command candidate left of the first ":" and
// its argument with the terminator and engine flags stripped. A line with
// no ":" is a bare command like "end;".
func splitStatement(line string) (string, string) {
	stmt := strings.TrimSuffix(line, ";")

	left, right, found := strings.Cut(stmt, ":")
	left = strings.TrimSpace(left)

	if !found {
		return left, ""
	}

	arg := strings.TrimSpace(right)

	// Engine flags like "-next" trail the argument.
	if idx := strings.Index(arg, " -"); idx >= 0 {
		arg = strings.TrimSpace(arg[:idx])
	}

	return left, arg
}

// isComment reports whether the line is a comment in either accepted
// form: a leading ";" (classic) or "//".
func isComment(line string) bool {
	return strings.HasPrefix(line, ";") || strings.HasPrefix(line, "//")
}
