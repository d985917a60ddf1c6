package server

import (
	"github.com/Golenspade/webgal-agent/internal/config"
	"github.com/Golenspade/webgal-agent/internal/resources"
)

// runtimeInfo reflects the frozen configuration, the live lock record and
// the tool registry. Secret-bearing fields are stripped before anything
// leaves the process.
func (s *Server) runtimeInfo() map[string]any {
	info := map[string]any{
		"server": map[string]any{
			"name":    ServerName,
			"version": s.version,
		},
		"projectRoot": s.sb.Root(),
		"config":      redactConfig(s.cfg),
		"tools":       s.ToolNames(),
	}

	if s.lockRec != nil {
		info["lock"] = *s.lockRec
	}

	return info
}

// redactConfig returns a copy safe to reflect to clients: the env
// redaction list names sensitive variables and is itself withheld, and
// model endpoints that could embed credentials are masked.
func redactConfig(cfg config.Config) config.Config {
	out := cfg

	if cfg.Execution != nil {
		execCopy := *cfg.Execution
		execCopy.RedactEnv = nil
		out.Execution = &execCopy
	}

	if cfg.Models != nil {
		modelsCopy := *cfg.Models
		if modelsCopy.BaseURL != "" {
			modelsCopy.BaseURL = "<redacted>"
		}

		out.Models = &modelsCopy
	}

	return out
}

func (s *Server) resourceIndex() resources.Index {
	return resources.Collect(s.sb)
}
