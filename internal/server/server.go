// Package server exposes the tool surface over MCP (JSON-RPC 2.0 on
// stdio).
//
// The SDK owns the transport, the initialize handshake, tools/list and
// prompts/list; this package owns dispatch policy: per-call timeouts,
// the structured error envelope, and panic containment. Every tool result
// — success or failure — is serialized as one JSON document inside a text
// content block, with IsError marking failures.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Golenspade/webgal-agent/internal/config"
	"github.com/Golenspade/webgal-agent/internal/execrun"
	"github.com/Golenspade/webgal-agent/internal/fileops"
	"github.com/Golenspade/webgal-agent/internal/lock"
	"github.com/Golenspade/webgal-agent/internal/preview"
	"github.com/Golenspade/webgal-agent/internal/sandbox"
	"github.com/Golenspade/webgal-agent/internal/script"
	"github.com/Golenspade/webgal-agent/internal/toolerr"
)

// ServerName identifies this implementation in the initialize handshake.
const ServerName = "webgal-agent"

// Per-call timeout tiers.
const (
	defaultCallTimeout = 30 * time.Second
	searchCallTimeout  = 45 * time.Second
	previewCallTimeout = 60 * time.Second
)

// Server owns the tool components for one project for its lifetime.
type Server struct {
	mcp       *mcp.Server
	cfg       config.Config
	sb        *sandbox.Sandbox
	ops       *fileops.Ops
	validator *script.Validator
	previewer *preview.Launcher
	executor  *execrun.Executor
	lockRec   *lock.Record
	version   string
	toolNames []string
}

// Options carries the launcher-built dependencies.
type Options struct {
	Config    config.Config
	Sandbox   *sandbox.Sandbox
	Ops       *fileops.Ops
	Validator *script.Validator
	Previewer *preview.Launcher
	Executor  *execrun.Executor
	LockRec   *lock.Record
	Version   string
}

// New assembles the server and registers the full tool and prompt
// surface.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		sb:        opts.Sandbox,
		ops:       opts.Ops,
		validator: opts.Validator,
		previewer: opts.Previewer,
		executor:  opts.Executor,
		lockRec:   opts.LockRec,
		version:   opts.Version,
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: opts.Version,
	}, nil)

	s.registerTools()
	s.registerPrompts()

	return s
}

// Run serves requests over stdio until the context is canceled or stdin
// closes.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves requests over an explicit transport. Tests use an
// in-memory pair.
func (s *Server) RunTransport(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// ToolNames lists the registered tools in registration order.
func (s *Server) ToolNames() []string {
	return append([]string(nil), s.toolNames...)
}

// invoke runs one tool body under the per-call timeout with panic
// containment, and renders the result into the wire envelope.
func (s *Server) invoke(ctx context.Context, name string, timeout time.Duration, body func(context.Context) (any, error)) *mcp.CallToolResult {
	opID := uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}

	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool panicked", "tool", name, "op_id", opID, "panic", r)

				resultCh <- outcome{err: &toolerr.Error{
					Code:    toolerr.CodeInternal,
					Message: fmt.Sprintf("panic in %s: %v", name, r),
					Details: map[string]any{"op_id": opID, "stack": string(debug.Stack())},
				}}
			}
		}()

		value, err := body(callCtx)
		resultCh <- outcome{value: value, err: err}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			return errorResult(name, opID, out.err)
		}

		return successResult(out.value)
	case <-callCtx.Done():
		// The body may still finish; its result is discarded.
		return envelopeResult(&toolerr.Error{
			Code:    toolerr.CodeTimeout,
			Message: fmt.Sprintf("%s timed out", name),
			Details: map[string]any{"timeout_ms": timeout.Milliseconds(), "op_id": opID},
		})
	}
}

func successResult(value any) *mcp.CallToolResult {
	data, err := json.Marshal(value)
	if err != nil {
		return envelopeResult(toolerr.New(toolerr.CodeInternal, "encoding result: %v", err))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func errorResult(name, opID string, err error) *mcp.CallToolResult {
	if te, ok := toolerr.As(err); ok {
		return envelopeResult(te)
	}

	slog.Error("tool failed", "tool", name, "op_id", opID, "error", err)

	return envelopeResult(toolerr.Internal(opID, err))
}

func envelopeResult(te *toolerr.Error) *mcp.CallToolResult {
	data, err := json.Marshal(te)
	if err != nil {
		data = []byte(`{"code":"E_INTERNAL","message":"unencodable error"}`)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: true,
	}
}

// register wires one typed tool through invoke. The SDK derives the input
// schema from the In struct.
func register[In any](s *Server, name, description string, timeout time.Duration, body func(context.Context, In) (any, error)) {
	s.toolNames = append(s.toolNames, name)

	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			return s.invoke(ctx, name, timeout, func(callCtx context.Context) (any, error) {
				return body(callCtx, in)
			}), nil, nil
		})
}
