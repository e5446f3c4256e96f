// Package mcpserver exposes the orchestrator's status and approval surface
// as Model Context Protocol tools, so an MCP client can watch a run and
// decide pending approvals.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ShayCichocki/spectree/internal/orchestrator"
	"github.com/ShayCichocki/spectree/internal/version"
	"github.com/ShayCichocki/spectree/pkg/models"
)

// Engine is the orchestrator surface the MCP tools need.
type Engine interface {
	Status() (*orchestrator.Status, error)
	Node(id string) (*models.SpecNode, error)
	Decide(ctx context.Context, id string, d orchestrator.Decision) (*models.SpecNode, error)
	Resume(ctx context.Context, id string, to models.Phase, feedback string) (*models.SpecNode, error)
	CheckPath(id, p string) (bool, string, error)
}

// Server wraps the engine and the MCP server.
type Server struct {
	engine    Engine
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine) *Server {
	s := &Server{
		engine: engine,
		mcpServer: server.NewMCPServer(
			"spectree",
			version.Get(),
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves on stdin and stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("spectree_status",
		mcp.WithDescription("Show the spec tree with each node's phase, plus phase counts and run counters."),
	), s.handleStatus)

	s.mcpServer.AddTool(mcp.NewTool("spectree_approvals",
		mcp.WithDescription("List specs waiting for a human approval decision."),
	), s.handleApprovals)

	s.mcpServer.AddTool(mcp.NewTool("spectree_blocked",
		mcp.WithDescription("List BLOCKED and FAILED specs with their last error."),
	), s.handleBlocked)

	s.mcpServer.AddTool(mcp.NewTool("spectree_spec",
		mcp.WithDescription("Show one spec node."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Spec id, e.g. app/api")),
	), s.handleSpec)

	s.mcpServer.AddTool(mcp.NewTool("spectree_approve",
		mcp.WithDescription("Approve a spec waiting in an AWAITING_* phase."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Spec id")),
		mcp.WithString("feedback", mcp.Description("Optional note recorded with the decision")),
		mcp.WithNumber("version", mcp.Description("Node version the decision was made against; 0 skips the check")),
	), s.handleDecision(true))

	s.mcpServer.AddTool(mcp.NewTool("spectree_reject",
		mcp.WithDescription("Reject a spec waiting in an AWAITING_* phase and send it back with feedback."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Spec id")),
		mcp.WithString("feedback", mcp.Required(), mcp.Description("What to change")),
		mcp.WithNumber("version", mcp.Description("Node version the decision was made against; 0 skips the check")),
	), s.handleDecision(false))

	s.mcpServer.AddTool(mcp.NewTool("spectree_unblock",
		mcp.WithDescription("Move a BLOCKED or FAILED spec back into a working phase."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Spec id")),
		mcp.WithString("to", mcp.Description("ARCHITECTURE (default), IMPLEMENTATION or INTEGRATION")),
		mcp.WithString("feedback", mcp.Description("Context for the next round")),
	), s.handleUnblock)

	s.mcpServer.AddTool(mcp.NewTool("spectree_check_scope",
		mcp.WithDescription("Check whether a spec's agents may write a path."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Spec id")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Repository-relative path")),
	), s.handleCheckScope)
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(st)
}

func (s *Server) handleApprovals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	if len(st.Approvals) == 0 {
		return mcp.NewToolResultText("No specs are waiting for approval."), nil
	}
	return jsonResult(st.Approvals)
}

func (s *Server) handleBlocked(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.engine.Status()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	if len(st.Blocked) == 0 {
		return mcp.NewToolResultText("No specs are blocked."), nil
	}
	return jsonResult(st.Blocked)
}

func (s *Server) handleSpec(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.engine.Node(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n)
}

func (s *Server) handleDecision(approve bool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		feedback := request.GetString("feedback", "")
		if !approve && feedback == "" {
			return mcp.NewToolResultError("feedback is required to reject"), nil
		}
		n, err := s.engine.Decide(ctx, id, orchestrator.Decision{
			Approve:  approve,
			Feedback: feedback,
			By:       "mcp",
			Version:  int64(request.GetFloat("version", 0)),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s is now %s", n.ID, n.Phase)), nil
	}
}

func (s *Server) handleUnblock(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to := models.Phase(request.GetString("to", ""))
	n, err := s.engine.Resume(ctx, id, to, request.GetString("feedback", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s is now %s", n.ID, n.Phase)), nil
}

func (s *Server) handleCheckScope(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, reason, err := s.engine.CheckPath(id, p)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	verdict := "denied"
	if ok {
		verdict = "allowed"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s: %s (%s)", p, verdict, reason)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
