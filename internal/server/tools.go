package server

import (
	"context"
	"net/url"
	"time"

	"github.com/Golenspade/webgal-agent/internal/snapshot"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// Tool request payloads. Field names are the public wire contract.

type listFilesIn struct {
	Path     string   `json:"path"`
	Globs    []string `json:"globs,omitempty"`
	DirsOnly bool     `json:"dirs_only,omitempty"`
}

type readFileIn struct {
	Path     string `json:"path"`
	MaxBytes int64  `json:"max_bytes,omitempty"`
}

type writeToFileIn struct {
	Path           string `json:"path"`
	Content        string `json:"content"`
	Mode           string `json:"mode,omitempty"`
	DryRun         bool   `json:"dry_run"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type replaceInFileIn struct {
	Path    string `json:"path"`
	Find    string `json:"find"`
	Replace string `json:"replace"`
	Flags   string `json:"flags,omitempty"`
}

type searchFilesIn struct {
	Path        string `json:"path"`
	Regex       string `json:"regex"`
	FilePattern string `json:"file_pattern,omitempty"`
	MaxMatches  int    `json:"max_matches,omitempty"`
}

type validateScriptIn struct {
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
}

type listSnapshotsIn struct {
	Limit int    `json:"limit,omitempty"`
	Path  string `json:"path,omitempty"`
}

type restoreSnapshotIn struct {
	SnapshotID string `json:"snapshot_id"`
}

type previewSceneIn struct {
	ScenePath string `json:"scene_path,omitempty"`
}

type askFollowupIn struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

type attemptCompletionIn struct {
	Result  string `json:"result"`
	Command string `json:"command,omitempty"`
}

type executeCommandIn struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

type browserActionIn struct {
	Action string `json:"action"`
	URL    string `json:"url,omitempty"`
}

type emptyIn struct{}

func (s *Server) registerTools() {
	register(s, "list_files",
		"List directory entries inside the project, optionally filtered by globs.",
		defaultCallTimeout, func(_ context.Context, in listFilesIn) (any, error) {
			entries, err := s.ops.ListFiles(in.Path, in.Globs, in.DirsOnly)
			if err != nil {
				return nil, err
			}

			return map[string]any{"entries": entries}, nil
		})

	register(s, "read_file",
		"Read a UTF-8 file inside the project, subject to the size cap.",
		defaultCallTimeout, func(_ context.Context, in readFileIn) (any, error) {
			return s.ops.ReadFile(in.Path, in.MaxBytes)
		})

	register(s, "write_to_file",
		"Two-phase file write: dry_run returns the diff, the apply writes atomically, snapshots and honors idempotency keys.",
		defaultCallTimeout, func(_ context.Context, in writeToFileIn) (any, error) {
			return s.ops.Write(in.Path, in.Content, in.Mode, in.DryRun, in.IdempotencyKey)
		})

	register(s, "replace_in_file",
		"Regex substitution inside one file with an optimistic concurrency check.",
		defaultCallTimeout, func(_ context.Context, in replaceInFileIn) (any, error) {
			count, err := s.ops.Replace(in.Path, in.Find, in.Replace, in.Flags)
			if err != nil {
				return nil, err
			}

			return map[string]any{"count": count}, nil
		})

	register(s, "search_files",
		"Search file contents under a directory with a regular expression.",
		searchCallTimeout, func(_ context.Context, in searchFilesIn) (any, error) {
			matches, err := s.ops.Search(in.Path, in.Regex, in.FilePattern, in.MaxMatches)
			if err != nil {
				return nil, err
			}

			return map[string]any{"matches": matches}, nil
		})

	register(s, "validate_script",
		"Lint a WebGAL scene script from inline content or a project file.",
		defaultCallTimeout, func(_ context.Context, in validateScriptIn) (any, error) {
			content := in.Content

			if content == "" && in.Path != "" {
				res, err := s.ops.ReadFile(in.Path, 0)
				if err != nil {
					return nil, err
				}

				content = res.Content
			}

			if content == "" && in.Path == "" {
				return nil, toolerr.New(toolerr.CodeBadArgs, "either content or path is required")
			}

			return s.validator.Validate(content), nil
		})

	register(s, "list_project_resources",
		"Enumerate the typed asset directories (backgrounds, figures, bgm, vocals, scenes).",
		defaultCallTimeout, func(_ context.Context, _ emptyIn) (any, error) {
			return s.resourceIndex(), nil
		})

	register(s, "list_snapshots",
		"List stored snapshots, newest first.",
		defaultCallTimeout, func(_ context.Context, in listSnapshotsIn) (any, error) {
			metas, err := s.ops.ListSnapshots(in.Path, in.Limit)
			if err != nil {
				return nil, err
			}

			if metas == nil {
				metas = []snapshot.Meta{}
			}

			return map[string]any{"snapshots": metas}, nil
		})

	register(s, "restore_snapshot",
		"Return the path and content captured by a snapshot.",
		defaultCallTimeout, func(_ context.Context, in restoreSnapshotIn) (any, error) {
			path, content, err := s.ops.RestoreSnapshot(in.SnapshotID)
			if err != nil {
				return nil, err
			}

			return map[string]any{"path": path, "content": content}, nil
		})

	register(s, "preview_scene",
		"Start the dev server and return the preview URL, optionally deep-linked to a scene.",
		previewCallTimeout, func(ctx context.Context, in previewSceneIn) (any, error) {
			return s.previewer.Launch(ctx, in.ScenePath)
		})

	register(s, "ask_followup_question",
		"Relay a clarifying question to the user; the host intercepts this call.",
		defaultCallTimeout, func(_ context.Context, in askFollowupIn) (any, error) {
			if in.Question == "" {
				return nil, toolerr.New(toolerr.CodeBadArgs, "question is required")
			}

			return map[string]any{"question": in.Question, "options": in.Options}, nil
		})

	register(s, "attempt_completion",
		"Declare the task complete; the host intercepts this call.",
		defaultCallTimeout, func(_ context.Context, in attemptCompletionIn) (any, error) {
			if in.Result == "" {
				return nil, toolerr.New(toolerr.CodeBadArgs, "result is required")
			}

			return map[string]any{"result": in.Result, "command": in.Command}, nil
		})

	register(s, "get_runtime_info",
		"Reflect the resolved configuration, lock state and tool registry.",
		defaultCallTimeout, func(_ context.Context, _ emptyIn) (any, error) {
			return s.runtimeInfo(), nil
		})

	register(s, "execute_command",
		"Run a whitelisted project command and return its output.",
		previewCallTimeout, func(ctx context.Context, in executeCommandIn) (any, error) {
			return s.executor.Run(ctx, in.Command, in.Args, time.Duration(in.TimeoutMs)*time.Millisecond)
		})

	register(s, "browser_action",
		"Drive the preview browser (gated; requires the desktop host's driver).",
		defaultCallTimeout, func(_ context.Context, in browserActionIn) (any, error) {
			return nil, s.browserAction(in)
		})
}

// browserAction enforces the browser gate and URL policy. The actual
// driver lives in the desktop host; standalone instances stop at the gate.
func (s *Server) browserAction(in browserActionIn) error {
	if s.cfg.Browser == nil {
		return toolerr.New(toolerr.CodeToolDisabled, "browser automation is disabled").
			WithHint("start with --enable-browser or enable browser in the policy file")
	}

	if in.Action == "" {
		return toolerr.New(toolerr.CodeBadArgs, "action is required")
	}

	if in.URL != "" {
		parsed, err := url.Parse(in.URL)
		if err != nil || parsed.Hostname() == "" {
			return toolerr.New(toolerr.CodeBadArgs, "invalid url: %s", in.URL)
		}

		if !hostAllowed(parsed.Hostname(), s.cfg.Browser.AllowedHosts) {
			return toolerr.New(toolerr.CodePolicyViolation, "host not in allowlist: %s", parsed.Hostname()).
				WithDetails(map[string]any{"allowed": s.cfg.Browser.AllowedHosts})
		}
	}

	return toolerr.New(toolerr.CodeToolDisabled, "no browser driver attached").
		WithHint("browser actions are executed by the desktop host, not the standalone agent")
}

func hostAllowed(host string, allowed []string) bool {
	for _, h := range allowed {
		if h == host {
			return true
		}
	}

	return false
}
