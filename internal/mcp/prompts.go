package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// request-approval walks the agent through one gated action.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("request-approval",
			mcplib.WithPromptDescription("Steps for requesting, waiting on and executing a gated action"),
			mcplib.WithArgument("action",
				mcplib.ArgumentDescription("The action you intend to perform, e.g. payments.refund"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRequestApprovalPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the request-then-execute workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleRequestApprovalPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	action := request.Params.Arguments["action"]
	if action == "" {
		return nil, fmt.Errorf("action argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Request and execute %s through the approval gate", action),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`To perform %[1]s, follow these steps:

1. CALL %[2]s with action="%[1]s", a specific title and the
   parameters the executor needs. Describe why the action is needed.

2. READ the returned status:
   - "approved": continue to step 4.
   - "pending": a human reviewer must decide. Do not retry the request.

3. POLL %[3]s with the task id until the status changes.
   - "rejected": stop. Report the rejection_reason to the user.
   - "approved": continue.

4. CALL %[4]s with the task id. Each task runs at most once; if it
   fails, request a new task rather than retrying the old one.`,
						action, ToolRequestAction, ToolTaskStatus, ToolExecuteTask),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Approval gate workflow for agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You have access to an approval gate. Sensitive actions are never
performed directly: you request them, a reviewer may need to approve them,
and only then do you execute them.

- %s: request an action. Returns a task.
- %s: check a task's status.
- %s: list your tasks waiting for review.
- %s: execute an approved task. Runs at most once.

You cannot approve or reject tasks. Read sekimon://policy to see which
actions are reviewed and which are auto-approved.`,
						ToolRequestAction, ToolTaskStatus, ToolListPending, ToolExecuteTask),
				},
			},
		},
	}, nil
}
