// Package mcp exposes the tool surface over the Model Context Protocol.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	snowerrors "github.com/rcourtman/snowctl/internal/errors"
	"github.com/rcourtman/snowctl/internal/tools"
)

const serverName = "snow"

const instructions = "Tools for a ServiceNow instance. Log in with snow_login before running scripts " +
	"or elevating, and log in again when a session has expired. Prefer output_file for large result sets."

// Server wraps the MCP server around a tools.Service.
type Server struct {
	svc    *tools.Service
	server *mcp.Server
}

// NewServer registers every tool against svc.
func NewServer(svc *tools.Service, version string) *Server {
	s := &Server{svc: svc}
	s.server = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: version}, &mcp.ServerOptions{
		Instructions: instructions,
	})
	s.registerTools()
	return s
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Int("tools", len(tools.Definitions())).Msg("MCP server listening on stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	register(s, tools.ToolListInstances, s.svc.ListInstances)
	register(s, tools.ToolLogin, s.svc.Login)
	register(s, tools.ToolElevate, s.svc.Elevate)
	register(s, tools.ToolRunScript, s.svc.RunScript)
	register(s, tools.ToolCountRecords, s.svc.CountRecords)
	register(s, tools.ToolTableSchema, s.svc.TableSchema)
	register(s, tools.ToolSearchRecords, s.svc.SearchRecords)
}

// register adds the named tool.
func register[In, Out any](s *Server, name string, call func(context.Context, In) (Out, error)) {
	def, ok := tools.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("mcp: unknown tool %q", name))
	}
	mcp.AddTool(s.server, toolFor(def), handlerFor(name, call))
}

// handlerFor adapts a service call to an MCP handler. Service errors and
// panics become error results so a failed call never tears down the session.
func handlerFor[In, Out any](name string, call func(context.Context, In) (Out, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, _ any, _ error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Stack().Str("tool", name).Msg("Recovered from panic in tool call")
				res = errorResult(snowerrors.New(snowerrors.KindInternal, name, "", fmt.Errorf("panic: %v", r)))
			}
		}()
		out, err := call(ctx, in)
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
			return errorResult(err), nil, nil
		}
		return jsonResult(out), nil, nil
	}
}

func toolFor(def tools.Definition) *mcp.Tool {
	destructive := def.Annotations.Destructive
	// Only list_instances stays local.
	openWorld := def.Name != tools.ToolListInstances
	return &mcp.Tool{
		Name:        def.Name,
		Title:       def.Title,
		Description: def.Description,
		Annotations: &mcp.ToolAnnotations{
			Title:           def.Title,
			ReadOnlyHint:    def.Annotations.ReadOnly,
			DestructiveHint: &destructive,
			IdempotentHint:  def.Annotations.Idempotent,
			OpenWorldHint:   &openWorld,
		},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	text, err := tools.EncodeJSON(v)
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	text, encErr := tools.EncodeJSON(tools.DescribeError(err))
	if encErr != nil {
		text = err.Error()
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
