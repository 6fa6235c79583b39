package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/client"
	"github.com/ashita-ai/sekimon/internal/model"
)

const timeFormat = "2006-01-02 15:04:05"

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "sekimonctl",
		Usage: "Review and audit sekimon approval requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "sekimon server URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("SEKIMON_URL"),
			},
			&cli.StringFlag{
				Name:    "principal",
				Aliases: []string{"p"},
				Usage:   "Principal ID to authenticate as",
				Sources: cli.EnvVars("SEKIMON_PRINCIPAL"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key for the principal",
				Sources: cli.EnvVars("SEKIMON_API_KEY"),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print raw JSON instead of tables",
			},
		},
		Commands: []*cli.Command{
			newPendingCommand(),
			newShowCommand(),
			newApproveCommand(),
			newRejectCommand(),
			newExecuteCommand(),
			newRequestCommand(),
			newEventsCommand(),
			newPolicyCommand(),
			newHashKeyCommand(),
		},
	}
}

func newPendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List tasks awaiting review, oldest first",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "mine", Usage: "Only tasks you requested"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum tasks to list", Value: model.DefaultListLimit},
			&cli.IntFlag{Name: "offset", Usage: "Tasks to skip"},
		},
		Action: runPending,
	}
}

func newShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show task details",
		ArgsUsage: "<task_id>",
		Action:    runShow,
	}
}

func newApproveCommand() *cli.Command {
	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve a pending task",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "notes", Aliases: []string{"n"}, Usage: "Review notes"},
		},
		Action: runApprove,
	}
}

func newRejectCommand() *cli.Command {
	return &cli.Command{
		Name:      "reject",
		Usage:     "Reject a pending task",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Why the task is rejected", Required: true},
		},
		Action: runReject,
	}
}

func newExecuteCommand() *cli.Command {
	return &cli.Command{
		Name:      "execute",
		Usage:     "Execute an approved task and print the result",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Usage: "Execution timeout (0 = server default)"},
		},
		Action: runExecute,
	}
}

func newRequestCommand() *cli.Command {
	return &cli.Command{
		Name:      "request",
		Usage:     "Request an action",
		ArgsUsage: "<action>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Short summary for reviewers", Required: true},
			&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Longer context for reviewers"},
			&cli.StringSliceFlag{Name: "param", Usage: "Action parameter as key=value (repeatable)"},
			&cli.StringFlag{Name: "params-json", Usage: "Action parameters as a JSON object"},
		},
		Action: runRequest,
	}
}

func newEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Read the security event log (admin)",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List events, newest first",
				Flags:  eventFilterFlags(),
				Action: runEventsList,
			},
			{
				Name:   "export",
				Usage:  "Export events oldest first with a Merkle root",
				Flags:  exportFlags(),
				Action: runEventsExport,
			},
			{
				Name:      "verify",
				Usage:     "Recompute an event's content hash",
				ArgsUsage: "<event_id>",
				Action:    runEventsVerify,
			},
		},
		DefaultCommand: "list",
	}
}

func eventFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "Event type"},
		&cli.StringFlag{Name: "min-severity", Usage: "info, warning or critical"},
		&cli.StringFlag{Name: "task", Usage: "Related task ID"},
		&cli.StringFlag{Name: "actor", Usage: "Actor principal ID"},
		&cli.DurationFlag{Name: "since", Usage: "Only events newer than this (e.g. 24h)"},
		&cli.IntFlag{Name: "limit", Usage: "Maximum events", Value: model.DefaultListLimit},
		&cli.IntFlag{Name: "offset", Usage: "Events to skip"},
	}
}

func exportFlags() []cli.Flag {
	return append(eventFilterFlags(),
		&cli.BoolFlag{Name: "all", Usage: "Follow pages until every matching event is exported"})
}

func newPolicyCommand() *cli.Command {
	return &cli.Command{
		Name:   "policy",
		Usage:  "Show the approval policy and registered actions",
		Action: runPolicy,
	}
}

func newHashKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-key",
		Usage:     "Hash an API key for the principals section of the config file",
		ArgsUsage: "[api_key] (reads stdin when omitted)",
		Action:    runHashKey,
	}
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

func newClient(cmd *cli.Command) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:     cmd.String("url"),
		PrincipalID: cmd.String("principal"),
		APIKey:      cmd.String("api-key"),
	})
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errOut(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

func taskArg(cmd *cli.Command) (uuid.UUID, error) {
	raw := cmd.Args().First()
	if raw == "" {
		return uuid.Nil, fmt.Errorf("usage: sekimonctl %s <task_id>", cmd.Name)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func runPending(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	page, err := c.ListPending(ctx, client.PendingOptions{
		Mine:   cmd.Bool("mine"),
		Limit:  cmd.Int("limit"),
		Offset: cmd.Int("offset"),
	})
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), page.Items)
	}
	if len(page.Items) == 0 {
		_, err := fmt.Fprintln(out(cmd), "No pending tasks.")
		return err
	}

	w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREQUESTER\tACTION\tAGE\tTITLE")
	for _, t := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.RequesterID, t.Action, age(t.CreatedAt), t.Title)
	}
	if page.HasMore {
		fmt.Fprintf(w, "\n(more: --offset %d)\n", page.Offset+len(page.Items))
	}
	return w.Flush()
}

func runShow(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	task, err := c.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	return printTask(cmd, task)
}

func runApprove(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	task, err := c.Approve(ctx, id, cmd.String("notes"))
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return printTask(cmd, task)
}

func runReject(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	task, err := c.Reject(ctx, id, cmd.String("reason"))
	if err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return printTask(cmd, task)
}

func runExecute(ctx context.Context, cmd *cli.Command) error {
	id, err := taskArg(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	task, err := c.Execute(ctx, id, cmd.Duration("timeout"))
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return printTask(cmd, task)
}

func runRequest(ctx context.Context, cmd *cli.Command) error {
	action := cmd.Args().First()
	if action == "" {
		return errors.New("usage: sekimonctl request <action> --title <title>")
	}
	params, err := parseParams(cmd.StringSlice("param"), cmd.String("params-json"))
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	task, err := c.CreateTask(ctx, model.CreateTaskRequest{
		Title:       cmd.String("title"),
		Description: cmd.String("description"),
		Action:      action,
		Parameters:  params,
	})
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	return printTask(cmd, task)
}

func eventOptions(cmd *cli.Command) (client.EventListOptions, error) {
	opts := client.EventListOptions{
		EventType:   model.EventType(cmd.String("type")),
		MinSeverity: model.Severity(cmd.String("min-severity")),
		ActorID:     cmd.String("actor"),
		Limit:       cmd.Int("limit"),
		Offset:      cmd.Int("offset"),
	}
	if raw := cmd.String("task"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid --task %q", raw)
		}
		opts.TaskID = &id
	}
	if d := cmd.Duration("since"); d > 0 {
		opts.Since = time.Now().Add(-d)
	}
	return opts, nil
}

func runEventsList(ctx context.Context, cmd *cli.Command) error {
	opts, err := eventOptions(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	page, err := c.ListEvents(ctx, opts)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), page.Items)
	}

	w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tSEVERITY\tTYPE\tACTOR\tDESCRIPTION")
	for _, e := range page.Items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.CreatedAt.Local().Format(timeFormat), e.Severity, e.EventType, dash(e.ActorID), e.Description)
	}
	return w.Flush()
}

func runEventsExport(ctx context.Context, cmd *cli.Command) error {
	opts, err := eventOptions(cmd)
	if err != nil {
		return err
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if cmd.Bool("all") {
		pages, err := c.ExportAllEvents(ctx, opts)
		if err != nil {
			return fmt.Errorf("export events: %w", err)
		}
		return printJSON(out(cmd), pages)
	}
	export, err := c.ExportEvents(ctx, opts)
	if err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	if err := printJSON(out(cmd), export); err != nil {
		return err
	}
	// The Merkle root covers this page only.
	if export.HasMore {
		fmt.Fprintf(errOut(cmd), "export truncated at %d events; continue with --offset %d\n",
			export.Count, export.NextOffset())
	}
	return nil
}

func runEventsVerify(ctx context.Context, cmd *cli.Command) error {
	raw := cmd.Args().First()
	id, err := uuid.Parse(raw)
	if err != nil {
		return errors.New("usage: sekimonctl events verify <event_id>")
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	v, err := c.VerifyEvent(ctx, id)
	if err != nil {
		return fmt.Errorf("verify event: %w", err)
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), v)
	}
	if !v.Valid {
		return fmt.Errorf("event %s: hash mismatch (stored %s, computed %s)", v.EventID, v.StoredHash, v.ComputedHash)
	}
	_, err = fmt.Fprintf(out(cmd), "event %s: ok (%s)\n", v.EventID, v.StoredHash)
	return err
}

func runPolicy(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	p, err := c.Policy(ctx)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if cmd.Bool("json") {
		return printJSON(out(cmd), p)
	}

	w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATTERN\tREQUIRES APPROVAL")
	for _, r := range p.Rules {
		fmt.Fprintf(w, "%s\t%t\n", r.Pattern, r.RequiresApproval)
	}
	fmt.Fprintf(w, "(default)\t%t\n", p.DefaultRequiresApproval)
	fmt.Fprintf(w, "\nRegistered actions: %s\n", strings.Join(p.RegisteredActions, ", "))
	return w.Flush()
}

func runHashKey(_ context.Context, cmd *cli.Command) error {
	key := cmd.Args().First()
	if key == "" {
		in := cmd.Root().Reader
		if in == nil {
			in = os.Stdin
		}
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read api key: %w", err)
		}
		key = strings.TrimSpace(line)
	}
	if key == "" {
		return errors.New("api key is empty")
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out(cmd), hash)
	return err
}

// ---------------------------------------------------------------------------
// Output helpers
// ---------------------------------------------------------------------------

func printTask(cmd *cli.Command, t *model.Task) error {
	if cmd.Bool("json") {
		return printJSON(out(cmd), t)
	}
	w := out(cmd)
	fmt.Fprintf(w, "ID:          %s\n", t.ID)
	fmt.Fprintf(w, "Title:       %s\n", t.Title)
	fmt.Fprintf(w, "Action:      %s\n", t.Action)
	fmt.Fprintf(w, "Status:      %s\n", t.Status)
	fmt.Fprintf(w, "Requester:   %s\n", t.RequesterID)
	fmt.Fprintf(w, "Created:     %s\n", t.CreatedAt.Local().Format(timeFormat))
	if t.ReviewerID != nil {
		fmt.Fprintf(w, "Reviewer:    %s\n", *t.ReviewerID)
	}
	if t.ReviewNotes != nil {
		fmt.Fprintf(w, "Notes:       %s\n", *t.ReviewNotes)
	}
	if t.RejectionReason != nil {
		fmt.Fprintf(w, "Rejected:    %s\n", *t.RejectionReason)
	}
	if t.ExecutedBy != nil {
		fmt.Fprintf(w, "Executed by: %s\n", *t.ExecutedBy)
	}
	if t.FailureReason != nil {
		fmt.Fprintf(w, "Failure:     %s\n", *t.FailureReason)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\nDescription:\n%s\n", t.Description)
	}
	if len(t.Parameters) > 0 {
		fmt.Fprintln(w, "\nParameters:")
		if err := printJSON(w, t.Parameters); err != nil {
			return err
		}
	}
	if len(t.Result) > 0 {
		fmt.Fprintln(w, "\nResult:")
		if err := printJSON(w, t.Result); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParams merges --params-json with repeated --param key=value pairs;
// pairs win on conflict.
func parseParams(pairs []string, rawJSON string) (map[string]any, error) {
	params := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &params); err != nil {
			return nil, fmt.Errorf("--params-json: %w", err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("--param %q: want key=value", p)
		}
		params[strings.TrimSpace(k)] = v
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Hour).String()
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
