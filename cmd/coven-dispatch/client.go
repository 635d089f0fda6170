// ABOUTME: Client subcommands that talk to a running coven-dispatch server
// ABOUTME: health, agents, register, submit, job, jobs and watch

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/client"
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
)

func newClient() *client.Client {
	return client.New(serverAddr, token)
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Short:   "Check server health",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := c.Health(cmd.Context()); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			m, err := c.Metrics(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching metrics: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), m)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "healthy: %d agents, %d jobs (%d queued, %d running, %d complete, %d failed)\n",
				m.Agents, m.Jobs.Total, m.Jobs.Queued, m.Jobs.Running, m.Jobs.Complete, m.Jobs.Failed)
			return nil
		},
	}
}

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Short:   "List registered agents",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := newClient().Agents(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing agents: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents registered.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tLAST HEARTBEAT\tCAPABILITIES")
			for _, a := range agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					a.ID, a.Status, a.LastHeartbeat.Local().Format(time.DateTime), strings.Join(a.Capabilities, ","))
			}
			return w.Flush()
		},
	}
}

func newRegisterCmd() *cobra.Command {
	var (
		manifestPath string
		capabilities []string
		start        bool
	)
	cmd := &cobra.Command{
		Use:     "register [agent-id]",
		Short:   "Register an agent from an id or a manifest file",
		GroupID: "client",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := map[string]any{}
			if manifestPath != "" {
				data, err := os.ReadFile(manifestPath)
				if err != nil {
					return fmt.Errorf("reading manifest: %w", err)
				}
				if err := json.Unmarshal(data, &manifest); err != nil {
					return fmt.Errorf("parsing manifest: %w", err)
				}
			}
			if len(args) == 1 {
				manifest["id"] = args[0]
			}
			if len(capabilities) > 0 {
				manifest["capabilities"] = capabilities
			}

			c := newClient()
			id, err := c.Register(cmd.Context(), manifest)
			if err != nil {
				return fmt.Errorf("registering agent: %w", err)
			}
			if start {
				if err := c.Start(cmd.Context(), id); err != nil {
					return fmt.Errorf("starting agent: %w", err)
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{"agentId": id})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "JSON manifest file")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "mark the agent running after registering")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		kind           string
		action         string
		payload        string
		fail           bool
		idempotencyKey string
		wait           bool
	)
	cmd := &cobra.Command{
		Use:     "submit <agent-id>",
		Short:   "Submit a job to an agent",
		GroupID: "client",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := job.SubmitRequest{AgentID: args[0], Kind: kind, Action: action}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
					return fmt.Errorf("parsing --payload: %w", err)
				}
			}
			if fail {
				if req.Payload == nil {
					req.Payload = map[string]any{}
				}
				req.Payload["fail"] = true
			}

			c := newClient()
			res, err := c.SubmitJob(cmd.Context(), req, idempotencyKey)
			if err != nil {
				return fmt.Errorf("submitting job: %w", err)
			}
			if !wait {
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.JobID, res.Status)
				return nil
			}

			j, err := waitForJob(cmd, c, res.JobID)
			if err != nil {
				return err
			}
			return printJob(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", job.KindGenerate, "job kind: generate, proof or schedule")
	cmd.Flags().StringVarP(&action, "action", "a", "", "action label recorded on status events")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON object payload")
	cmd.Flags().BoolVar(&fail, "fail", false, "ask the handler to fail the job")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "reuse the job from an earlier submit with this key")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	return cmd
}

// waitForJob polls until the job is terminal or the command context ends.
func waitForJob(cmd *cobra.Command, c *client.Client, id string) (*store.Job, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		j, err := c.GetJob(cmd.Context(), id)
		if err != nil {
			return nil, fmt.Errorf("fetching job: %w", err)
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func printJob(out io.Writer, j *store.Job) error {
	if jsonOutput {
		return printJSON(out, j)
	}
	fmt.Fprintf(out, "ID:      %s\n", j.ID)
	fmt.Fprintf(out, "Agent:   %s\n", j.AgentID)
	fmt.Fprintf(out, "Kind:    %s\n", j.Kind)
	if j.Action != "" {
		fmt.Fprintf(out, "Action:  %s\n", j.Action)
	}
	fmt.Fprintf(out, "Status:  %s\n", statusColor(string(j.Status)))
	fmt.Fprintf(out, "Created: %s\n", j.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "Updated: %s\n", j.UpdatedAt.Local().Format(time.DateTime))
	if j.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", j.Error)
	}
	if len(j.Result) > 0 {
		data, err := json.MarshalIndent(j.Result, "         ", "  ")
		if err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
		fmt.Fprintf(out, "Result:  %s\n", data)
	}
	return nil
}

func newJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "job <job-id>",
		Short:   "Show a job",
		GroupID: "client",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := newClient().GetJob(cmd.Context(), args[0])
			if client.IsNotFound(err) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return fmt.Errorf("fetching job: %w", err)
			}
			return printJob(cmd.OutOrStdout(), j)
		},
	}
}

func newJobsCmd() *cobra.Command {
	var jobStatus string
	cmd := &cobra.Command{
		Use:     "jobs",
		Short:   "List jobs",
		GroupID: "client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := newClient().Jobs(cmd.Context(), jobStatus)
			if err != nil {
				return fmt.Errorf("listing jobs: %w", err)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tKIND\tSTATUS\tUPDATED")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					j.ID, j.AgentID, j.Kind, j.Status, j.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&jobStatus, "status", "s", "", "filter by status: queued, running, complete or failed")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:     "watch [agent-id]",
		Short:   "Follow status events for one agent, or all agents",
		GroupID: "client",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agentID string
			if len(args) == 1 {
				agentID = args[0]
			}
			c := newClient()
			out := cmd.OutOrStdout()

			if history && agentID != "" {
				events, err := c.Status(cmd.Context(), agentID)
				if err != nil {
					return fmt.Errorf("fetching history: %w", err)
				}
				// history is newest first; print oldest first so it flows into the stream
				for i := len(events) - 1; i >= 0; i-- {
					if err := printEvent(out, events[i]); err != nil {
						return err
					}
				}
			}

			err := c.Stream(cmd.Context(), agentID, func(ev status.Event) error {
				return printEvent(out, ev)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print recent events before following")
	return cmd
}

func printEvent(out io.Writer, ev status.Event) error {
	if jsonOutput {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshaling event: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	line := fmt.Sprintf("%s %s %s %s",
		color.HiBlackString(ev.Timestamp.Local().Format("15:04:05")),
		ev.AgentID, ev.ID, statusColor(ev.Status))
	if ev.Action != "" {
		line += " " + color.HiBlackString("action=") + ev.Action
	}
	if ev.LatencyMs != nil {
		line += fmt.Sprintf(" %s%dms", color.HiBlackString("latency="), *ev.LatencyMs)
	}
	if ev.PolicyVerdict != "" {
		line += " " + color.HiBlackString("verdict=") + ev.PolicyVerdict
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

func statusColor(s string) string {
	switch s {
	case status.StatusQueued:
		return color.HiBlackString(s)
	case status.StatusRunning:
		return color.CyanString(s)
	case status.StatusCompleted, string(store.JobStatusComplete):
		return color.GreenString(s)
	case status.StatusFailed:
		return color.RedString(s)
	default:
		return s
	}
}
