// Package cli parses arguments, acquires the project lock and runs the
// agent server. It owns process lifecycle: health checks, signal-driven
// shutdown and exit codes.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/Golenspade/webgal-agent/internal/config"
	"github.com/Golenspade/webgal-agent/internal/execrun"
	"github.com/Golenspade/webgal-agent/internal/fileops"
	"github.com/Golenspade/webgal-agent/internal/lock"
	"github.com/Golenspade/webgal-agent/internal/preview"
	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/script"
	"github.com/Golenspade/webgal-agent/internal/server"
	"github.com/Golenspade/webgal-agent/internal/snapshot"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// Version is the service version reported in the handshake, the lock
// record and health output.
const Version = "0.4.0"

// Project root environment variables, in precedence order.
var projectEnvVars = []string{"WEBGAL_AGENT_PROJECT", "WEBGAL_PROJECT_ROOT"}

// Exit codes.
const (
	ExitOK       = 0
	ExitBadArgs  = 1
	ExitLockHeld = 2
	ExitSigint   = 130
	ExitSigterm  = 143
)

// options is the parsed command line.
type options struct {
	project  string
	policies string
	health   bool
	version  bool
	verbose  bool

	retention        int
	retentionSet     bool
	sandboxForbidden []string
	sandboxMaxBytes  int64
	sandboxEncoding  string

	enableExec    bool
	execAllowed   []string
	execTimeout   int
	execRedactEnv []string
	execWorkdir   string

	enableBrowser        bool
	browserAllowedHosts  []string
	browserTimeout       int
	browserScreenshotDir string

	flagsChanged map[string]bool
}

// Run is the process entrypoint behind main. It returns the exit code.
func Run(stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	opts, err := parseArgs(args[1:])
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)

		return ExitBadArgs
	}

	if opts.version {
		fmt.Fprintln(stdout, Version)

		return ExitOK
	}

	setupLogging(stderr, opts.verbose)

	projectRoot, err := resolveProject(opts, env)
	if err != nil {
		if opts.health {
			writeHealth(stdout, healthDoc{Healthy: false, Version: Version})

			return ExitLockHeld
		}

		fmt.Fprintln(stderr, "error:", err)

		return ExitBadArgs
	}

	if opts.health {
		return healthCheck(stdout, projectRoot, opts)
	}

	return serve(stderr, projectRoot, opts, sigCh)
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}

	flags := flag.NewFlagSet("webgal-agent", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	flags.StringVar(&opts.project, "project", "", "project root directory")
	flags.StringVar(&opts.policies, "policies", "", "policy document path")
	flags.IntVar(&opts.retention, "retention", snapshot.DefaultRetention, "snapshot retention count")
	flags.BoolVar(&opts.enableExec, "enable-exec", false, "enable command execution tools")
	flags.BoolVar(&opts.enableBrowser, "enable-browser", false, "enable browser tools")
	flags.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	flags.BoolVar(&opts.health, "health", false, "health check mode")
	flags.BoolVar(&opts.version, "version", false, "print version and exit")

	flags.StringSliceVar(&opts.sandboxForbidden, "sandbox-forbidden", nil, "forbidden path segments")
	flags.Int64Var(&opts.sandboxMaxBytes, "sandbox-max-bytes", 0, "read size cap in bytes")
	flags.StringVar(&opts.sandboxEncoding, "sandbox-encoding", "", "text encoding")

	flags.StringSliceVar(&opts.execAllowed, "exec-allowed", nil, "allowed command names")
	flags.IntVar(&opts.execTimeout, "exec-timeout", 0, "command timeout in ms")
	flags.StringSliceVar(&opts.execRedactEnv, "exec-redact-env", nil, "env vars hidden from commands")
	flags.StringVar(&opts.execWorkdir, "exec-workdir", "", "command working directory")

	flags.StringSliceVar(&opts.browserAllowedHosts, "browser-allowed-hosts", nil, "allowed browser hosts")
	flags.IntVar(&opts.browserTimeout, "browser-timeout", 0, "browser action timeout in ms")
	flags.StringVar(&opts.browserScreenshotDir, "browser-screenshot-dir", "", "screenshot directory")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(0))
	}

	opts.flagsChanged = map[string]bool{}
	flags.Visit(func(f *flag.Flag) { opts.flagsChanged[f.Name] = true })
	opts.retentionSet = opts.flagsChanged["retention"]

	opts.sandboxForbidden = trimList(opts.sandboxForbidden)
	opts.execAllowed = trimList(opts.execAllowed)
	opts.execRedactEnv = trimList(opts.execRedactEnv)
	opts.browserAllowedHosts = trimList(opts.browserAllowedHosts)

	return opts, nil
}

// trimList trims whitespace around comma-separated values and drops
// empties.
func trimList(values []string) []string {
	if values == nil {
		return nil
	}

	out := make([]string, 0, len(values))

	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}

	return out
}

// resolveProject picks the project root from the flag, the environment,
// or (for health checks only) the working directory, and verifies it is a
// directory.
func resolveProject(opts *options, env map[string]string) (string, error) {
	root := opts.project

	if root == "" {
		for _, name := range projectEnvVars {
			if env[name] != "" {
				root = env[name]

				break
			}
		}
	}

	if root == "" && opts.health {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolving working directory: %w", err)
		}

		root = wd
	}

	if root == "" {
		return "", fmt.Errorf("project root is required (--project or %s)", projectEnvVars[0])
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root not found: %s", root)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("project root is not a directory: %s", root)
	}

	return abs, nil
}

func setupLogging(stderr io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// stdout carries the RPC stream; logs go to stderr only.
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

type healthDoc struct {
	Healthy      bool         `json:"healthy"`
	Version      string       `json:"version"`
	ProjectRoot  string       `json:"projectRoot,omitempty"`
	PoliciesPath string       `json:"policiesPath,omitempty"`
	Lock         *lock.Record `json:"lock,omitempty"`
}

func writeHealth(stdout io.Writer, doc healthDoc) {
	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintln(stdout, `{"healthy":false}`)

		return
	}

	fmt.Fprintln(stdout, string(data))
}

// healthCheck emits one JSON line and exits 0 when serving would work,
// 2 otherwise. A held lock counts as unhealthy.
func healthCheck(stdout io.Writer, projectRoot string, opts *options) int {
	doc := healthDoc{Version: Version, ProjectRoot: projectRoot}

	policiesPath, err := config.DiscoverPolicyPath(projectRoot, opts.policies)
	if err != nil {
		writeHealth(stdout, doc)

		return ExitLockHeld
	}

	doc.PoliciesPath = policiesPath

	if rec, ok := lock.Read(projectRoot); ok {
		doc.Lock = &rec
		writeHealth(stdout, doc)

		return ExitLockHeld
	}

	doc.Healthy = true
	writeHealth(stdout, doc)

	return ExitOK
}

func overridesFromOpts(opts *options) config.Overrides {
	ov := config.Overrides{
		SandboxEncoding:      opts.sandboxEncoding,
		EnableExec:           opts.enableExec,
		EnableBrowser:        opts.enableBrowser,
		ExecWorkdir:          opts.execWorkdir,
		BrowserScreenshotDir: opts.browserScreenshotDir,
	}

	if opts.retentionSet {
		retention := opts.retention
		ov.Retention = &retention
	}

	if opts.flagsChanged["sandbox-forbidden"] {
		ov.SandboxForbidden = opts.sandboxForbidden
	}

	if opts.flagsChanged["sandbox-max-bytes"] {
		maxBytes := opts.sandboxMaxBytes
		ov.SandboxMaxBytes = &maxBytes
	}

	if opts.flagsChanged["exec-allowed"] {
		ov.ExecAllowed = opts.execAllowed
	}

	if opts.flagsChanged["exec-timeout"] {
		timeout := opts.execTimeout
		ov.ExecTimeoutMs = &timeout
	}

	if opts.flagsChanged["exec-redact-env"] {
		ov.ExecRedactEnv = opts.execRedactEnv
	}

	if opts.flagsChanged["browser-allowed-hosts"] {
		ov.BrowserAllowedHosts = opts.browserAllowedHosts
	}

	if opts.flagsChanged["browser-timeout"] {
		timeout := opts.browserTimeout
		ov.BrowserTimeoutMs = &timeout
	}

	return ov
}

// serve acquires the lock, builds the component graph and runs the RPC
// server until stdin closes or a signal arrives.
func serve(stderr io.Writer, projectRoot string, opts *options, sigCh <-chan os.Signal) int {
	cfg, policiesPath, err := config.Load(projectRoot, opts.policies, overridesFromOpts(opts))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)

		return ExitBadArgs
	}

	held, err := lock.Acquire(projectRoot, server.ServerName, Version)
	if err != nil {
		if te, ok := toolerr.As(err); ok && te.Code == toolerr.CodeLockHeld {
			fmt.Fprintln(stderr, "error:", te.Error())
			slog.Error("lock held", "details", te.Details)

			return ExitLockHeld
		}

		fmt.Fprintln(stderr, "error:", err)

		return ExitBadArgs
	}

	// The lock must go away on every exit path, including panics.
	defer func() {
		if r := recover(); r != nil {
			_ = held.Release()
			panic(r)
		}

		_ = held.Release()
	}()

	sb := sandbox.New(projectRoot, cfg.Sandbox.ForbiddenSegments, cfg.Sandbox.MaxReadBytes, cfg.Sandbox.TextEncoding)
	store := snapshot.New(projectRoot, snapshot.Options{
		Retention:      cfg.SnapshotRetention,
		IdemMaxEntries: cfg.Idempotency.MaxEntries,
		IdemMaxAgeDays: cfg.Idempotency.MaxAgeDays,
	})
	executor := execrun.New(cfg.Execution, projectRoot)

	lockRec := held.Record()

	srv := server.New(server.Options{
		Config:    cfg,
		Sandbox:   sb,
		Ops:       fileops.New(sb, store),
		Validator: script.New(sb),
		Previewer: preview.New(sb, executor),
		Executor:  executor,
		LockRec:   &lockRec,
		Version:   Version,
	})

	slog.Info("serving",
		"project", projectRoot,
		"policies", policiesPath,
		"retention", cfg.SnapshotRetention,
		"exec", cfg.Execution != nil,
		"browser", cfg.Browser != nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var exitCode int

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}

		if sig == syscall.SIGTERM {
			exitCode = ExitSigterm
		} else {
			exitCode = ExitSigint
		}

		cancel()
	}()

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server stopped", "error", err)
	}

	return exitCode
}
