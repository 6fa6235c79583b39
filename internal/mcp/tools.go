package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/storage"
)

// Tool names. Approve and reject are reviewer operations and have no tool.
const (
	ToolRequestAction = "sekimon_request_action"
	ToolTaskStatus    = "sekimon_task_status"
	ToolListPending   = "sekimon_list_pending"
	ToolExecuteTask   = "sekimon_execute_task"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool(ToolRequestAction,
			mcplib.WithDescription(`Request permission to perform a sensitive action.

WHEN TO USE: BEFORE doing anything with side effects that a human should
be able to veto: payments, deletions, outbound messages, deployments.

The action is recorded as a task. Depending on policy the task is either
approved immediately (status "approved") or held for a human reviewer
(status "pending"). Only approved tasks can be executed.

WHAT YOU GET BACK: the task, including its id and status. Poll it with
sekimon_task_status and run it with sekimon_execute_task once approved.

EXAMPLE: action="payments.refund", title="Refund order 1182",
parameters={"order_id": "1182", "amount_cents": 4200}`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("action",
				mcplib.Description("Registered action name, lowercase dotted form such as payments.refund"),
				mcplib.Required(),
			),
			mcplib.WithString("title",
				mcplib.Description("One line a reviewer can decide on. Be specific."),
				mcplib.Required(),
			),
			mcplib.WithString("description",
				mcplib.Description("Why the action is needed and what it will change"),
			),
			mcplib.WithObject("parameters",
				mcplib.Description("Arguments passed to the executor when the task runs"),
			),
			mcplib.WithBoolean("requires_approval",
				mcplib.Description("Ask for review even when policy would auto-approve. Setting false cannot bypass an action that policy always reviews."),
			),
		),
		s.handleRequestAction,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolTaskStatus,
			mcplib.WithDescription(`Get the current state of one of your tasks.

Returns status (pending, approved, rejected, executing, executed, failed)
together with the reviewer's notes, rejection reason, result or failure
reason once they exist.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("task_id",
				mcplib.Description("Task id returned by sekimon_request_action"),
				mcplib.Required(),
			),
		),
		s.handleTaskStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolListPending,
			mcplib.WithDescription(`List your tasks that are still waiting for a reviewer, oldest first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of tasks to return"),
				mcplib.Min(1),
				mcplib.Max(float64(model.MaxListLimit)),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListPending,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool(ToolExecuteTask,
			mcplib.WithDescription(`Execute one of your approved tasks.

A task runs at most once. Executing a task that is pending, rejected or
already executed fails without side effects. The call blocks until the
executor returns or the timeout expires.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("task_id",
				mcplib.Description("Id of an approved task"),
				mcplib.Required(),
			),
			mcplib.WithNumber("timeout_seconds",
				mcplib.Description("Execution timeout. Omit for the server default; values above the server maximum are capped."),
				mcplib.Min(1),
			),
		),
		s.handleExecuteTask,
	)
}

func (s *Server) handleRequestAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := caller(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	in := gate.CreateInput{
		RequesterID: claims.PrincipalID,
		Title:       request.GetString("title", ""),
		Description: request.GetString("description", ""),
		Action:      request.GetString("action", ""),
	}
	args := request.GetArguments()
	if raw, ok := args["parameters"]; ok && raw != nil {
		params, ok := raw.(map[string]any)
		if !ok {
			return errorResult("parameters must be an object"), nil
		}
		in.Parameters = params
	}
	if _, ok := args["requires_approval"]; ok {
		v := request.GetBool("requires_approval", true)
		in.RequiresApproval = &v
	}

	task, err := s.gate.Create(ctx, in)
	if err != nil {
		var ve *gate.ValidationError
		if errors.As(err, &ve) {
			return errorResult(fmt.Sprintf("invalid request: %s: %s", ve.Field, ve.Message)), nil
		}
		s.logger.Error("mcp: request action", "error", err, "principal_id", claims.PrincipalID)
		return errorResult("failed to create task"), nil
	}
	return jsonResult(task), nil
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := caller(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	task, res := s.loadVisibleTask(ctx, claims, request.GetString("task_id", ""))
	if res != nil {
		return res, nil
	}
	return jsonResult(task), nil
}

func (s *Server) handleListPending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := caller(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	limit := model.NormalizeLimit(request.GetInt("limit", 20))

	// Agents see their own queue even when their role would allow more.
	tasks, err := s.gate.ListPending(ctx, gate.Scope{PrincipalID: claims.PrincipalID}, limit, 0)
	if err != nil {
		s.logger.Error("mcp: list pending", "error", err, "principal_id", claims.PrincipalID)
		return errorResult("failed to list pending tasks"), nil
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return jsonResult(map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	}), nil
}

func (s *Server) handleExecuteTask(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := caller(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	task, res := s.loadVisibleTask(ctx, claims, request.GetString("task_id", ""))
	if res != nil {
		return res, nil
	}

	timeout := time.Duration(request.GetInt("timeout_seconds", 0)) * time.Second
	executed, err := s.dispatcher.Execute(ctx, task.ID, claims.PrincipalID, timeout)
	if err == nil {
		return jsonResult(executed), nil
	}

	var execErr *dispatch.ExecutionError
	var stateErr *gate.StateError
	var conflictErr *storage.ConflictError
	switch {
	case errors.As(err, &execErr):
		out := jsonResult(map[string]any{
			"error": execErr.Err.Error(),
			"task":  execErr.Task,
		})
		out.IsError = true
		return out, nil
	case errors.As(err, &stateErr):
		return errorResult(fmt.Sprintf("task %s is %s; only approved tasks can be executed", task.ID, stateErr.Status)), nil
	case errors.Is(err, dispatch.ErrApprovalBypass):
		return errorResult("task is marked approved but has no reviewer; execution refused"), nil
	case errors.As(err, &conflictErr):
		return errorResult(fmt.Sprintf("task %s is already %s; it runs at most once", task.ID, conflictErr.Actual)), nil
	default:
		s.logger.Error("mcp: execute task", "error", err, "task_id", task.ID)
		return errorResult("failed to execute task"), nil
	}
}

// loadVisibleTask resolves a task id the caller may see. Tasks owned by
// other principals are reported as not found unless the caller reviews.
func (s *Server) loadVisibleTask(ctx context.Context, claims *auth.Claims, rawID string) (model.Task, *mcplib.CallToolResult) {
	if rawID == "" {
		return model.Task{}, errorResult("task_id is required")
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return model.Task{}, errorResult("task_id must be a UUID")
	}
	task, err := s.gate.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Task{}, errorResult("task not found")
		}
		s.logger.Error("mcp: load task", "error", err, "task_id", id)
		return model.Task{}, errorResult("failed to load task")
	}
	if task.RequesterID != claims.PrincipalID && !isReviewer(claims) {
		return model.Task{}, errorResult("task not found")
	}
	return task, nil
}
