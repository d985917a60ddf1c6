package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// promptTemplate is one static prompt with {{argument}} placeholders.
type promptTemplate struct {
	name        string
	description string
	args        []string
	text        string
}

var promptTemplates = []promptTemplate{
	{
		name:        "create_scene",
		description: "Draft a new scene script from a synopsis.",
		args:        []string{"scene_name", "synopsis"},
		text: "Create a WebGAL scene named {{scene_name}}.txt under game/scene.\n" +
			"Synopsis: {{synopsis}}\n" +
			"Use write_to_file with dry_run first, review the diff, then apply.\n" +
			"Validate the result with validate_script before finishing.",
	},
	{
		name:        "refactor_scene",
		description: "Rework an existing scene while preserving its flow.",
		args:        []string{"scene_path", "instructions"},
		text: "Refactor the scene at {{scene_path}}.\n" +
			"Instructions: {{instructions}}\n" +
			"Read the current script, plan the edit as a dry_run diff, apply it,\n" +
			"and confirm validate_script reports no diagnostics.",
	},
	{
		name:        "fix_validation",
		description: "Resolve validator diagnostics on a scene.",
		args:        []string{"scene_path"},
		text: "Run validate_script on {{scene_path}} and fix every diagnostic:\n" +
			"add missing terminators, correct unknown commands, and point resource\n" +
			"references at files listed by list_project_resources.",
	},
}

func (s *Server) registerPrompts() {
	for _, tpl := range promptTemplates {
		prompt := &mcp.Prompt{
			Name:        tpl.name,
			Description: tpl.description,
		}

		for _, arg := range tpl.args {
			prompt.Arguments = append(prompt.Arguments, &mcp.PromptArgument{
				Name:     arg,
				Required: true,
			})
		}

		text := tpl.text

		s.mcp.AddPrompt(prompt, func(_ context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			rendered := interpolate(text, req.Params.Arguments)

			return &mcp.GetPromptResult{
				Messages: []*mcp.PromptMessage{{
					Role:    "user",
					Content: &mcp.TextContent{Text: rendered},
				}},
			}, nil
		})
	}
}

// interpolate substitutes {{name}} placeholders; unknown placeholders are
// left verbatim so the client can spot a missing argument.
func interpolate(text string, args map[string]string) string {
	for name, value := range args {
		text = strings.ReplaceAll(text, fmt.Sprintf("{{%s}}", name), value)
	}

	return text
}
