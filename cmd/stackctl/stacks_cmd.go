package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"stackforge/pkg/store"
)

func newStacksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stacks",
		Short: "Create, inspect, and drive the lifecycle of stacks",
	}
	cmd.AddCommand(newStacksCreateCommand())
	cmd.AddCommand(newStacksListCommand())
	cmd.AddCommand(newStacksShowCommand())
	cmd.AddCommand(newStacksDeleteCommand())
	cmd.AddCommand(newStacksTransitionCommand("start", "/start"))
	cmd.AddCommand(newStacksTransitionCommand("pause", "/pause"))
	cmd.AddCommand(newStacksTransitionCommand("resume", "/resume"))
	cmd.AddCommand(newStacksTransitionCommand("stop", "/stop"))
	cmd.AddCommand(newStacksStatusCommand())
	cmd.AddCommand(newStacksTracesCommand())
	cmd.AddCommand(newStacksExecutionsCommand())
	cmd.AddCommand(newStacksGraphsCommand())
	cmd.AddCommand(newStacksWorkDetectionCommand())
	cmd.AddCommand(newStacksStatsCommand())
	return cmd
}

func newStacksCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <participantName>",
		Short: "Create a new stack for a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stack store.Stack
			req := map[string]string{"participantName": args[0]}
			if err := client().post("/stacks/", req, &stack); err != nil {
				return err
			}
			return printJSON(stack)
		},
	}
}

func newStacksListCommand() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stacks, optionally filtered by execution state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stacks []*store.Stack
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if err := client().get("/stacks/", q, &stacks); err != nil {
				return err
			}
			return printJSON(stacks)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by execution state (idle, running, paused, stopped)")
	return cmd
}

func newStacksShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <stackID>",
		Short: "Show one stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stack store.Stack
			if err := client().get("/stacks/"+args[0]+"/", nil, &stack); err != nil {
				return err
			}
			return printJSON(stack)
		},
	}
}

func newStacksDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <stackID>",
		Short: "Delete a stack and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().delete("/stacks/" + args[0] + "/"); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func newStacksTransitionCommand(verb, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <stackID>",
		Short: "Transition a stack's execution state to " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stack store.Stack
			if err := client().post("/stacks/"+args[0]+suffix, nil, &stack); err != nil {
				return err
			}
			return printJSON(stack)
		},
	}
}

func newStacksStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <stackID>",
		Short: "Show a stack plus its latest execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().get("/stacks/"+args[0]+"/status", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newStacksTracesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "traces <stackID>",
		Short: "Show recent agent traces for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var traces []*store.AgentTrace
			if err := client().get("/stacks/"+args[0]+"/traces", limitQuery(limit), &traces); err != nil {
				return err
			}
			return printJSON(traces)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max traces to return (default 50 server-side)")
	return cmd
}

func newStacksExecutionsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "executions <stackID>",
		Short: "Show recent orchestrator execution records for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var execs []*store.OrchestratorExecution
			if err := client().get("/stacks/"+args[0]+"/executions", limitQuery(limit), &execs); err != nil {
				return err
			}
			return printJSON(execs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max executions to return (default 50 server-side)")
	return cmd
}

func newStacksGraphsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "graphs <stackID>",
		Short: "Show recent execution graph snapshots for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var graphs []*store.ExecutionGraph
			if err := client().get("/stacks/"+args[0]+"/graphs", limitQuery(limit), &graphs); err != nil {
				return err
			}
			return printJSON(graphs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max graphs to return (default 50 server-side)")
	return cmd
}

func newStacksWorkDetectionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "work-detection <stackID>",
		Short: "Show the cached work-detection result for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := client().get("/stacks/"+args[0]+"/work-detection", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func newStacksStatsCommand() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "stats <stackID>",
		Short: "Show aggregate cycle/token/cost stats for a stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			q := url.Values{}
			if since != "" {
				q.Set("since", since)
			}
			if err := client().get("/stacks/"+args[0]+"/stats", q, &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp to aggregate from (default: last 24h)")
	return cmd
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	return q
}

func client() *apiClient {
	return newAPIClient(serverAddr)
}
