// Package preview starts the project's dev server and resolves the local
// URL to open, optionally deep-linked to one scene.
package preview

import (
	"context"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/Golenspade/webgal-agent/internal/execrun"
	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// LaunchTimeout bounds how long the dev server may take to announce its
// port.
const LaunchTimeout = 20 * time.Second

// devCommand is the whitelisted script that serves the project.
const devCommand = "dev"

// portPattern extracts the port from dev-server startup output, e.g.
// "Local:  http://localhost:3000/".
var portPattern = regexp.MustCompile(`(?i)(?:localhost|127\.0\.0\.1):(\d{2,5})`)

// Result is the preview_scene payload.
type Result struct {
	URL  string   `json:"url"`
	Logs []string `json:"logs,omitempty"`
}

// Launcher wires the sandbox and the command executor.
type Launcher struct {
	sb   *sandbox.Sandbox
	exec *execrun.Executor
}

// New creates a launcher.
func New(sb *sandbox.Sandbox, exec *execrun.Executor) *Launcher {
	return &Launcher{sb: sb, exec: exec}
}

// Launch starts the dev server in stream mode and returns as soon as its
// port shows up in the logs. scenePath, when non-empty, must name an
// existing scene; the returned URL then carries a #scene fragment.
func (l *Launcher) Launch(ctx context.Context, scenePath string) (Result, error) {
	fragment := ""

	if scenePath != "" {
		abs, err := l.sb.Validate(scenePath)
		if err != nil {
			return Result{}, err
		}

		if _, err := os.Stat(abs); err != nil {
			return Result{}, toolerr.New(toolerr.CodeNotFound, "scene not found: %s", scenePath)
		}

		base := path.Base(l.sb.Rel(abs))
		fragment = "#scene=" + strings.TrimSuffix(base, path.Ext(base))
	}

	if !l.exec.Enabled() {
		return Result{}, toolerr.New(toolerr.CodeToolDisabled, "preview requires command execution").
			WithHint("start with --enable-exec or enable execution in the policy file")
	}

	stream, err := l.exec.Stream(ctx, devCommand, nil, LaunchTimeout, portPattern.MatchString)
	if err != nil {
		return Result{}, err
	}

	if stream.Matched == "" {
		reason := "dev server did not announce a port"

		switch {
		case stream.TimedOut:
			reason = "dev server timed out before announcing a port"
		case stream.Exited:
			reason = fmt.Sprintf("dev server exited with code %d before announcing a port", stream.ExitCode)
		}

		return Result{}, toolerr.New(toolerr.CodePreviewFail, "%s", reason).
			WithDetails(map[string]any{"logs": stream.Lines})
	}

	port := portPattern.FindStringSubmatch(stream.Matched)[1]

	return Result{
		URL:  fmt.Sprintf("http://localhost:%s%s", port, fragment),
		Logs: stream.Lines,
	}, nil
}
