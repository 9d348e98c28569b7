package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/nugget/mcpexec/internal/mcp"
)

// runTools lists tool names for one server or every enabled server.
func runTools(ctx context.Context, w io.Writer, a *app, args []string) error {
	var byServer map[string][]string
	if len(args) > 0 {
		tools, err := a.exec.Tools(ctx, args[0])
		if err != nil {
			return err
		}
		byServer = map[string][]string{args[0]: tools}
	} else {
		byServer = a.exec.AvailableTools(ctx)
	}

	if a.output == "json" {
		return writeJSON(w, byServer)
	}
	for _, name := range sortedKeys(byServer) {
		fmt.Fprintf(w, "%s (%d)\n", name, len(byServer[name]))
		for _, tool := range byServer[name] {
			fmt.Fprintf(w, "  %s\n", tool)
		}
	}
	return nil
}

// runSchemas shows tool descriptors for one server or every enabled server.
func runSchemas(ctx context.Context, w io.Writer, a *app, args []string) error {
	var byServer map[string][]mcp.ToolDescriptor
	if len(args) > 0 {
		descs, err := a.exec.ServerSchemas(ctx, args[0])
		if err != nil {
			return err
		}
		byServer = map[string][]mcp.ToolDescriptor{args[0]: descs}
	} else {
		byServer = a.exec.ToolSchemas(ctx)
	}

	if a.output == "json" {
		return writeJSON(w, byServer)
	}
	for _, name := range sortedKeys(byServer) {
		fmt.Fprintln(w, name)
		for _, d := range byServer[name] {
			fmt.Fprintf(w, "  %s", d.Name)
			if d.Description != "" {
				fmt.Fprintf(w, ": %s", d.Description)
			}
			fmt.Fprintln(w)
			if len(d.InputSchema) > 0 {
				fmt.Fprintf(w, "    %s\n", d.InputSchema)
			}
		}
	}
	return nil
}

// parseArgs decodes an optional JSON object of tool arguments.
func parseArgs(args []string) (map[string]any, error) {
	if len(args) == 0 || args[0] == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args[0]), &m); err != nil {
		return nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// runCall invokes one tool. A failed call is returned as an error so the
// process exits non-zero, after the result has been printed.
func runCall(ctx context.Context, w io.Writer, a *app, args []string) error {
	server, tool := args[0], args[1]
	toolArgs, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	res := a.exec.ExecuteTool(ctx, server, tool, toolArgs)

	if a.output == "json" {
		if err := writeJSON(w, res); err != nil {
			return err
		}
	} else if res.OK() {
		if s, ok := res.Payload().(string); ok {
			fmt.Fprintln(w, s)
		} else if err := writeJSON(w, res.Payload()); err != nil {
			return err
		}
	}

	if !res.OK() {
		return fmt.Errorf("%s failed: %s", res.ToolCall(), res.Message())
	}
	return nil
}

// runValidate checks that a tool exists and that the arguments satisfy
// its input schema, without calling it.
func runValidate(ctx context.Context, w io.Writer, a *app, args []string) error {
	server, tool := args[0], args[1]
	toolArgs, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	if err := a.exec.Connect(ctx, server); err != nil {
		return err
	}
	if !a.exec.ValidateToolCall(server, tool) {
		return fmt.Errorf("tool %q not found on server %q", tool, server)
	}
	if err := a.exec.ValidateArguments(ctx, server, tool, toolArgs); err != nil {
		return err
	}

	if a.output == "json" {
		return writeJSON(w, map[string]any{"valid": true, "tool_call": server + ":" + tool})
	}
	fmt.Fprintf(w, "%s:%s arguments are valid\n", server, tool)
	return nil
}

// runHistory prints recent calls or a per-tool summary from the call log.
func runHistory(ctx context.Context, w io.Writer, a *app, args []string) error {
	limit := 20
	summary := false
	server := ""
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-n" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid -n value: %q", args[i+1])
			}
			limit = n
			i++
		case args[i] == "-summary":
			summary = true
		case server == "":
			server = args[i]
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	if summary {
		rows, err := a.calls.Summary(ctx)
		if err != nil {
			return err
		}
		if a.output == "json" {
			return writeJSON(w, rows)
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER\tTOOL\tCALLS\tFAILURES\tAVG\tLAST")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
				r.Server, r.Tool, r.Calls, r.Failures, r.AvgDuration, r.LastCalled.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	}

	entries, err := a.calls.Recent(ctx, server, limit)
	if err != nil {
		return err
	}
	if a.output == "json" {
		return writeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCALL\tOK\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s:%s\t%t\t%s\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.Server, e.Tool, e.OK, e.Duration, e.Error)
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
