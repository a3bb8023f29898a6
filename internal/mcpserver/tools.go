package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Iron-Ham/taskmesh/internal/conflict"
	"github.com/Iron-Ham/taskmesh/internal/coordinator"
	"github.com/Iron-Ham/taskmesh/internal/monitor"
	"github.com/Iron-Ham/taskmesh/internal/taskqueue"
)

func (s *Server) handleSubmitTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := strings.TrimSpace(req.GetString("title", ""))
	if title == "" {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}
	spec := coordinator.TaskSpec{
		Title:            title,
		Description:      req.GetString("description", ""),
		Kind:             req.GetString("kind", ""),
		Priority:         taskqueue.Priority(req.GetString("priority", "")),
		RequiredSkills:   splitList(req.GetString("required_skills", "")),
		EstimatedMinutes: int(req.GetFloat("estimated_minutes", 0)),
		Dependencies:     splitList(req.GetString("dependencies", "")),
		Files: taskqueue.FileSet{
			Modify: splitList(req.GetString("files_modify", "")),
			Create: splitList(req.GetString("files_create", "")),
			Delete: splitList(req.GetString("files_delete", "")),
		},
		Quality: taskqueue.Requirements{
			MinScore:               req.GetFloat("min_quality_score", 0),
			TestCoverageMin:        req.GetFloat("test_coverage_min", 0),
			SecurityReviewRequired: req.GetBool("security_review", false),
		},
	}
	if spec.Priority != "" && !spec.Priority.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown priority %q", spec.Priority)), nil
	}

	id, err := s.coord.SubmitTask(ctx, spec)
	if err != nil {
		s.logger.Warn("submit_task rejected", "title", title, "error", err)
		return mcp.NewToolResultError("failed to submit task: " + err.Error()), nil
	}
	s.logger.Info("task submitted over MCP", "task_id", id)

	st, err := s.coord.GetTaskStatus(id)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Task %s submitted.", id)), nil
	}
	return jsonResult(struct {
		TaskID string           `json:"task_id"`
		Status taskqueue.Status `json:"status"`
		Worker string           `json:"assigned_worker_id,omitempty"`
	}{id, st.Task.Status, st.Task.AssignedWorkerID})
}

func (s *Server) handleGetTaskStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	st, err := s.coord.GetTaskStatus(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) handleListTasks(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := taskqueue.Status(req.GetString("status", ""))
	var tasks []taskqueue.Task
	for _, t := range s.coord.Tasks() {
		if status == "" || t.Status == status {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found."), nil
	}
	return jsonResult(tasks)
}

func (s *Server) handleListWorkers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workers := s.coord.Workers()
	if len(workers) == 0 {
		return mcp.NewToolResultText("No workers registered."), nil
	}
	return jsonResult(workers)
}

func (s *Server) handleGetSystemHealth(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.coord.GetSystemHealth())
}

func (s *Server) handleListConflicts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var conflicts []conflict.Conflict
	if req.GetBool("escalated_only", false) {
		conflicts = s.coord.Escalations()
	} else {
		conflicts = s.coord.Conflicts()
	}
	if len(conflicts) == 0 {
		return mcp.NewToolResultText("No conflicts recorded."), nil
	}
	return jsonResult(conflicts)
}

func (s *Server) handleListAlerts(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	openOnly := req.GetBool("open_only", true)
	var alerts []monitor.Alert
	for _, a := range s.coord.Alerts() {
		if !openOnly || a.Open() {
			alerts = append(alerts, a)
		}
	}
	if len(alerts) == 0 {
		return mcp.NewToolResultText("No alerts."), nil
	}
	return jsonResult(alerts)
}

func (s *Server) handleCancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("task_id", "")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	if err := s.coord.CancelTask(ctx, id, req.GetString("reason", "")); err != nil {
		return mcp.NewToolResultError("failed to cancel task: " + err.Error()), nil
	}
	st, err := s.coord.GetTaskStatus(id)
	if err != nil || st.Task.Status == taskqueue.StatusCancelled {
		return mcp.NewToolResultText(fmt.Sprintf("Task %s cancelled.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Cancellation of task %s sent to worker %s.", id, st.Task.AssignedWorkerID)), nil
}

func (s *Server) handleReportConflict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files := splitList(req.GetString("files", ""))
	if len(files) == 0 {
		return mcp.NewToolResultError("missing required parameter: files"), nil
	}
	id, err := s.coord.ReportConflict(ctx, coordinator.ConflictReport{
		Files:       files,
		Kind:        conflict.Kind(req.GetString("kind", "")),
		TaskIDs:     splitList(req.GetString("task_ids", "")),
		WorkerIDs:   splitList(req.GetString("worker_ids", "")),
		Description: req.GetString("description", ""),
	})
	if err != nil {
		return mcp.NewToolResultError("failed to report conflict: " + err.Error()), nil
	}
	s.logger.Info("conflict reported over MCP", "conflict_id", id, "files", files)
	return mcp.NewToolResultText(fmt.Sprintf("Conflict %s recorded; resolution started.", id)), nil
}

func (s *Server) handleResolveAlert(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("alert_id", "")
	if id == "" {
		return mcp.NewToolResultError("missing required parameter: alert_id"), nil
	}
	a, err := s.coord.ResolveAlert(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(a)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to marshal result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// splitList splits a comma-separated argument, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
