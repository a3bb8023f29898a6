// Package mcpserver exposes the coordinator's submission API as MCP tools,
// so an agent host can submit and inspect work over stdio.
package mcpserver

import (
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Iron-Ham/taskmesh/internal/coordinator"
	"github.com/Iron-Ham/taskmesh/internal/logging"
)

const instructions = "taskmesh coordinates a pool of workers. " +
	"Use submit_task to queue work and declare the files a task will touch so overlaps are caught early. " +
	"Poll get_task_status for progress, quality verdicts and corrections. " +
	"get_system_health summarizes load, open alerts and trends; resolve_alert closes an alert once handled. " +
	"Escalated conflicts and failures show up in list_conflicts and list_alerts."

// Server wraps an MCP server bound to one coordinator.
type Server struct {
	srv    *server.MCPServer
	coord  *coordinator.Coordinator
	logger *logging.Logger
	// readOnly hides the tools that change coordinator state.
	readOnly bool
	tools    []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for tool calls.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// ReadOnly registers only the inspection tools.
func ReadOnly() Option {
	return func(s *Server) { s.readOnly = true }
}

// New creates a server exposing coord.
func New(coord *coordinator.Coordinator, version string, opts ...Option) *Server {
	s := &Server{
		coord:  coord,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("mcp")
	s.srv = server.NewMCPServer(
		"taskmesh",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	s.registerReadTools()
	if !s.readOnly {
		s.registerWriteTools()
	}
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer { return s.srv }

// ServeStdio serves requests on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("serving MCP over stdio", "read_only", s.readOnly)
	return server.ServeStdio(s.srv)
}

// Tools returns the names of the registered tools.
func (s *Server) Tools() []string {
	return slices.Clone(s.tools)
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.srv.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

func (s *Server) registerReadTools() {
	s.addTool(mcp.NewTool("get_task_status",
		mcp.WithDescription("Get one task with its last quality verdict, error correction and related conflicts."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID returned by submit_task")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetTaskStatus)

	s.addTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks in creation order, optionally filtered by status."),
		mcp.WithString("status",
			mcp.Description("Only return tasks in this status"),
			mcp.Enum("pending", "assigned", "in_progress", "blocked", "completed", "failed", "cancelled"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListTasks)

	s.addTool(mcp.NewTool("list_workers",
		mcp.WithDescription("List registered workers with their load, statistics and health."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListWorkers)

	s.addTool(mcp.NewTool("get_system_health",
		mcp.WithDescription("Summarize worker and task counts, resource averages, open alerts and trends."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetSystemHealth)

	s.addTool(mcp.NewTool("list_conflicts",
		mcp.WithDescription("List file conflicts between tasks and how they were resolved."),
		mcp.WithBoolean("escalated_only", mcp.Description("Only return conflicts handed to a human")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListConflicts)

	s.addTool(mcp.NewTool("list_alerts",
		mcp.WithDescription("List performance alerts and escalations."),
		mcp.WithBoolean("open_only", mcp.Description("Skip resolved alerts (default true)")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListAlerts)
}

func (s *Server) registerWriteTools() {
	s.addTool(mcp.NewTool("submit_task",
		mcp.WithDescription("Queue a task. It is assigned as soon as its dependencies are complete and a suitable worker has capacity."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
		mcp.WithString("description", mcp.Description("What the task should accomplish")),
		mcp.WithString("kind", mcp.Description("Task kind used to pick a worker type (default general)")),
		mcp.WithString("priority",
			mcp.Description("Task priority (default medium)"),
			mcp.Enum("low", "medium", "high", "critical"),
		),
		mcp.WithString("required_skills", mcp.Description("Comma-separated capabilities a worker must have")),
		mcp.WithNumber("estimated_minutes", mcp.Description("Estimated duration in minutes")),
		mcp.WithString("dependencies", mcp.Description("Comma-separated IDs of tasks that must complete first")),
		mcp.WithString("files_modify", mcp.Description("Comma-separated files the task will modify")),
		mcp.WithString("files_create", mcp.Description("Comma-separated files the task will create")),
		mcp.WithString("files_delete", mcp.Description("Comma-separated files the task will delete")),
		mcp.WithNumber("min_quality_score", mcp.Description("Minimum quality gate score, 0 to 100")),
		mcp.WithNumber("test_coverage_min", mcp.Description("Minimum test coverage percentage")),
		mcp.WithBoolean("security_review", mcp.Description("Fail the gate on any security error")),
	), s.handleSubmitTask)

	s.addTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task. Tasks held by a worker are cancelled once the worker confirms or the grace period ends."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to cancel")),
		mcp.WithString("reason", mcp.Description("Why the task is cancelled")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleCancelTask)

	s.addTool(mcp.NewTool("report_conflict",
		mcp.WithDescription("Report a conflict noticed outside the declared file sets. Returns the conflict ID."),
		mcp.WithString("files", mcp.Required(), mcp.Description("Comma-separated conflicting files")),
		mcp.WithString("kind",
			mcp.Description("Conflict kind; classified from the files when omitted"),
			mcp.Enum("merge", "dependency", "api", "schema"),
		),
		mcp.WithString("task_ids", mcp.Description("Comma-separated tasks involved")),
		mcp.WithString("worker_ids", mcp.Description("Comma-separated workers involved")),
		mcp.WithString("description", mcp.Description("What was observed")),
	), s.handleReportConflict)

	s.addTool(mcp.NewTool("resolve_alert",
		mcp.WithDescription("Mark an alert as handled."),
		mcp.WithString("alert_id", mcp.Required(), mcp.Description("Alert to resolve")),
	), s.handleResolveAlert)
}
