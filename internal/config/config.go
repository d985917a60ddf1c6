// Package config resolves the frozen service configuration from built-in
// defaults, an optional policy document, and caller overrides.
//
// Policy documents are JSONC (comments and trailing commas allowed) and are
// standardized with hujson before decoding. The resolved Config is
// read-only after startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tailscale/hujson"

	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/snapshot"
)

// safeScripts is the subset of package.json scripts the executor may run
// when no allowlist is configured.
var safeScripts = []string{"dev", "build", "lint", "test", "start", "preview"}

// Default per-command execution timeout.
const defaultExecTimeoutMs = 60_000

// Default browser action timeout.
const defaultBrowserTimeoutMs = 30_000

// Config is the frozen runtime configuration.
type Config struct {
	SnapshotRetention int            `json:"snapshotRetention"`
	Idempotency       IdemConfig     `json:"idempotency"`
	Sandbox           SandboxConfig  `json:"sandbox"`
	Execution         *ExecConfig    `json:"execution,omitempty"`
	Browser           *BrowserConfig `json:"browser,omitempty"`
	Models            *ModelsConfig  `json:"models,omitempty"`
}

// IdemConfig bounds the idempotency cache.
type IdemConfig struct {
	MaxEntries int `json:"maxEntries"`
	MaxAgeDays int `json:"maxAgeDays"`
}

// SandboxConfig holds the path-safety settings.
type SandboxConfig struct {
	ForbiddenSegments []string `json:"forbiddenSegments"`
	MaxReadBytes      int64    `json:"maxReadBytes"`
	TextEncoding      string   `json:"textEncoding"`
}

// ExecConfig is present only when command execution is enabled.
type ExecConfig struct {
	AllowedCommands []string `json:"allowedCommands"`
	TimeoutMs       int      `json:"timeoutMs"`
	WorkingDir      string   `json:"workingDir,omitempty"`
	RedactEnv       []string `json:"redactEnv,omitempty"`
}

// BrowserConfig is present only when browser automation is enabled.
type BrowserConfig struct {
	AllowedHosts  []string `json:"allowedHosts"`
	TimeoutMs     int      `json:"timeoutMs"`
	ScreenshotDir string   `json:"screenshotDir,omitempty"`
}

// ModelsConfig mirrors the policy's model hints; the service itself never
// calls a model, it only reflects these to clients.
type ModelsConfig struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	BaseURL     string  `json:"baseURL,omitempty"`
}

// Overrides carries caller (CLI) settings. Pointer and nil-able fields
// distinguish "not given" from zero values.
type Overrides struct {
	Retention            *int
	SandboxForbidden     []string
	SandboxMaxBytes      *int64
	SandboxEncoding      string
	EnableExec           bool
	EnableBrowser        bool
	ExecAllowed          []string
	ExecTimeoutMs        *int
	ExecRedactEnv        []string
	ExecWorkdir          string
	BrowserAllowedHosts  []string
	BrowserTimeoutMs     *int
	BrowserScreenshotDir string
}

// policyDoc is the on-disk policy schema. All fields optional.
type policyDoc struct {
	SnapshotRetention *int `json:"snapshotRetention"`
	Writes            *struct {
		SnapshotRetention *int `json:"snapshotRetention"`
	} `json:"writes"`
	Idempotency *struct {
		MaxEntries *int `json:"maxEntries"`
		MaxAgeDays *int `json:"maxAgeDays"`
	} `json:"idempotency"`
	Sandbox *struct {
		ForbiddenDirs []string `json:"forbiddenDirs"`
		MaxReadBytes  *int64   `json:"maxReadBytes"`
		TextEncoding  string   `json:"textEncoding"`
	} `json:"sandbox"`
	Execution *struct {
		Enabled         bool     `json:"enabled"`
		AllowedCommands []string `json:"allowedCommands"`
		TimeoutMs       *int     `json:"timeoutMs"`
		WorkingDir      string   `json:"workingDir"`
		RedactEnv       []string `json:"redactEnv"`
	} `json:"execution"`
	Browser *struct {
		Enabled       bool     `json:"enabled"`
		AllowedHosts  []string `json:"allowedHosts"`
		TimeoutMs     *int     `json:"timeoutMs"`
		ScreenshotDir string   `json:"screenshotDir"`
	} `json:"browser"`
	Models *ModelsConfig `json:"models"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SnapshotRetention: snapshot.DefaultRetention,
		Idempotency: IdemConfig{
			MaxEntries: snapshot.DefaultIdemMaxEntries,
			MaxAgeDays: snapshot.DefaultIdemMaxAgeDays,
		},
		Sandbox: SandboxConfig{
			ForbiddenSegments: append([]string(nil), sandbox.DefaultForbiddenSegments...),
			MaxReadBytes:      sandbox.DefaultMaxReadBytes,
			TextEncoding:      "utf-8",
		},
	}
}

// DiscoverPolicyPath returns the policy file to load: the explicit path if
// given, otherwise the first of configs/policies.json and policies.json
// under the project root that exists. Empty means no policy file.
func DiscoverPolicyPath(projectRoot, explicit string) (string, error) {
	if explicit != "" {
		path := explicit
		if !filepath.IsAbs(path) {
			path = filepath.Join(projectRoot, path)
		}

		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("policy file not found: %s", explicit)
		}

		return path, nil
	}

	for _, candidate := range []string{
		filepath.Join(projectRoot, "configs", "policies.json"),
		filepath.Join(projectRoot, "policies.json"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", nil
}

// Load resolves the frozen configuration. The returned path is the policy
// file that was applied, empty if none.
func Load(projectRoot, policyPath string, ov Overrides) (Config, string, error) {
	cfg := Default()

	resolved, err := DiscoverPolicyPath(projectRoot, policyPath)
	if err != nil {
		return Config{}, "", err
	}

	var policy policyDoc

	if resolved != "" {
		doc, err := parsePolicy(resolved)
		if err != nil {
			return Config{}, "", err
		}

		policy = doc
		applyPolicy(&cfg, policy)
	}

	applyOverrides(&cfg, policy, ov)

	if cfg.SnapshotRetention < snapshot.MinRetention {
		cfg.SnapshotRetention = snapshot.MinRetention
	}

	if cfg.SnapshotRetention > snapshot.MaxRetention {
		cfg.SnapshotRetention = snapshot.MaxRetention
	}

	if cfg.Execution != nil && len(cfg.Execution.AllowedCommands) == 0 {
		cfg.Execution.AllowedCommands = harvestScripts(projectRoot)
	}

	return cfg, resolved, nil
}

func parsePolicy(path string) (policyDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policyDoc{}, fmt.Errorf("reading policy file %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return policyDoc{}, fmt.Errorf("policy file %s is not valid JSONC: %w", path, err)
	}

	var doc policyDoc
	if err := json.Unmarshal(standardized, &doc); err != nil {
		return policyDoc{}, fmt.Errorf("policy file %s is not valid: %w", path, err)
	}

	return doc, nil
}

func applyPolicy(cfg *Config, doc policyDoc) {
	if doc.SnapshotRetention != nil {
		cfg.SnapshotRetention = *doc.SnapshotRetention
	}

	// writes.snapshotRetention is the more specific knob and wins over the
	// top-level one.
	if doc.Writes != nil && doc.Writes.SnapshotRetention != nil {
		cfg.SnapshotRetention = *doc.Writes.SnapshotRetention
	}

	if doc.Idempotency != nil {
		if doc.Idempotency.MaxEntries != nil {
			cfg.Idempotency.MaxEntries = *doc.Idempotency.MaxEntries
		}

		if doc.Idempotency.MaxAgeDays != nil {
			cfg.Idempotency.MaxAgeDays = *doc.Idempotency.MaxAgeDays
		}
	}

	if doc.Sandbox != nil {
		if doc.Sandbox.ForbiddenDirs != nil {
			cfg.Sandbox.ForbiddenSegments = append([]string(nil), doc.Sandbox.ForbiddenDirs...)
		}

		if doc.Sandbox.MaxReadBytes != nil {
			cfg.Sandbox.MaxReadBytes = *doc.Sandbox.MaxReadBytes
		}

		if doc.Sandbox.TextEncoding != "" {
			cfg.Sandbox.TextEncoding = doc.Sandbox.TextEncoding
		}
	}

	if doc.Execution != nil && doc.Execution.Enabled {
		exec := &ExecConfig{
			AllowedCommands: append([]string(nil), doc.Execution.AllowedCommands...),
			TimeoutMs:       defaultExecTimeoutMs,
			WorkingDir:      doc.Execution.WorkingDir,
			RedactEnv:       append([]string(nil), doc.Execution.RedactEnv...),
		}
		if doc.Execution.TimeoutMs != nil {
			exec.TimeoutMs = *doc.Execution.TimeoutMs
		}

		cfg.Execution = exec
	}

	if doc.Browser != nil && doc.Browser.Enabled {
		browser := &BrowserConfig{
			AllowedHosts:  append([]string(nil), doc.Browser.AllowedHosts...),
			TimeoutMs:     defaultBrowserTimeoutMs,
			ScreenshotDir: doc.Browser.ScreenshotDir,
		}
		if doc.Browser.TimeoutMs != nil {
			browser.TimeoutMs = *doc.Browser.TimeoutMs
		}

		cfg.Browser = browser
	}

	if doc.Models != nil {
		models := *doc.Models
		cfg.Models = &models
	}
}

func applyOverrides(cfg *Config, _ policyDoc, ov Overrides) {
	if ov.Retention != nil {
		cfg.SnapshotRetention = *ov.Retention
	}

	if ov.SandboxForbidden != nil {
		cfg.Sandbox.ForbiddenSegments = append([]string(nil), ov.SandboxForbidden...)
	}

	if ov.SandboxMaxBytes != nil {
		cfg.Sandbox.MaxReadBytes = *ov.SandboxMaxBytes
	}

	if ov.SandboxEncoding != "" {
		cfg.Sandbox.TextEncoding = ov.SandboxEncoding
	}

	if ov.EnableExec && cfg.Execution == nil {
		cfg.Execution = &ExecConfig{TimeoutMs: defaultExecTimeoutMs}
	}

	if cfg.Execution != nil {
		if ov.ExecAllowed != nil {
			cfg.Execution.AllowedCommands = append([]string(nil), ov.ExecAllowed...)
		}

		if ov.ExecTimeoutMs != nil {
			cfg.Execution.TimeoutMs = *ov.ExecTimeoutMs
		}

		if ov.ExecRedactEnv != nil {
			cfg.Execution.RedactEnv = append([]string(nil), ov.ExecRedactEnv...)
		}

		if ov.ExecWorkdir != "" {
			cfg.Execution.WorkingDir = ov.ExecWorkdir
		}
	}

	if ov.EnableBrowser && cfg.Browser == nil {
		cfg.Browser = &BrowserConfig{TimeoutMs: defaultBrowserTimeoutMs}
	}

	if cfg.Browser != nil {
		if ov.BrowserAllowedHosts != nil {
			cfg.Browser.AllowedHosts = append([]string(nil), ov.BrowserAllowedHosts...)
		}

		if ov.BrowserTimeoutMs != nil {
			cfg.Browser.TimeoutMs = *ov.BrowserTimeoutMs
		}

		if ov.BrowserScreenshotDir != "" {
			cfg.Browser.ScreenshotDir = ov.BrowserScreenshotDir
		}
	}
}

// harvestScripts reads the project's package.json script table and keeps
// the safe subset, sorted for stable output.
func harvestScripts(projectRoot string) []string {
	data, err := os.ReadFile(filepath.Join(projectRoot, "package.json"))
	if err != nil {
		return nil
	}

	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}

	var allowed []string

	for _, name := range safeScripts {
		if _, ok := pkg.Scripts[name]; ok {
			allowed = append(allowed, name)
		}
	}

	sort.Strings(allowed)

	return allowed
}
