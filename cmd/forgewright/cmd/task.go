package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/service"
)

var taskJSON bool

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and drive tasks directly against the task store",
	Long: `task operates on the project's task store the same way the HTTP
API does, without requiring a running 'serve' process. Actions that spawn
or advance an agent run (start, resume, plan, approve-*) stream task
events to stdout until the run reaches a quiet point.`,
}

func init() {
	taskCmd.PersistentFlags().BoolVar(&taskJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(taskCmd)

	taskCmd.AddCommand(taskListCmd, taskShowCmd, taskCreateCmd, taskLogsCmd,
		taskDeleteCmd, taskStartCmd, taskResumeCmd, taskPlanCmd,
		taskApprovePlanCmd, taskApprovePRCmd, taskRequestChangesCmd,
		taskMarkMergedCmd, taskMarkClosedCmd, taskFeedbackCmd,
		taskCancelCmd, taskExtendCmd)
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status",
	RunE:  runTaskList,
}

var taskStatusFilter string

func init() {
	taskListCmd.Flags().StringVar(&taskStatusFilter, "status", "", "filter by task status")
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	var statuses []core.TaskStatus
	if taskStatusFilter != "" {
		statuses = []core.TaskStatus{core.TaskStatus(taskStatusFilter)}
	}
	tasks, err := rt.store.ListByStatus(cmd.Context(), statuses...)
	if err != nil {
		return err
	}

	if taskJSON {
		return outputJSON(tasks)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tREPO")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Title, t.Status, t.RepoURL)
	}
	return w.Flush()
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a single task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	task, err := rt.store.Get(cmd.Context(), core.TaskID(args[0]))
	if err != nil {
		return err
	}
	return outputJSON(task)
}

var (
	taskCreateTitle        string
	taskCreateRepoURL      string
	taskCreateTargetBranch string
	taskCreateDescription  string
	taskCreateUserInput    string
	taskCreateAgentType    string
	taskCreateAgentModel   string
	taskCreateBuildCommand string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new draft task",
	RunE:  runTaskCreate,
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskCreateTitle, "title", "", "task title (required)")
	taskCreateCmd.Flags().StringVar(&taskCreateRepoURL, "repo", "", "repository URL (required)")
	taskCreateCmd.Flags().StringVar(&taskCreateTargetBranch, "target-branch", "main", "branch the PR will target")
	taskCreateCmd.Flags().StringVar(&taskCreateDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&taskCreateUserInput, "input", "", "raw user input handed to the agent prompt")
	taskCreateCmd.Flags().StringVar(&taskCreateAgentType, "agent", "", "agent type (claude-code, codex, gemini, copilot)")
	taskCreateCmd.Flags().StringVar(&taskCreateAgentModel, "model", "", "agent model override")
	taskCreateCmd.Flags().StringVar(&taskCreateBuildCommand, "build-command", "", "advisory build command (never executed)")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("repo")
}

func runTaskCreate(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	task := core.NewTask(taskCreateTitle, taskCreateRepoURL, taskCreateTargetBranch)
	task.Description = taskCreateDescription
	task.UserInput = taskCreateUserInput
	task.AgentType = core.AgentType(taskCreateAgentType)
	task.AgentModel = taskCreateAgentModel
	task.BuildCommand = taskCreateBuildCommand

	if err := task.Validate(); err != nil {
		return err
	}
	if err := rt.store.Create(cmd.Context(), task); err != nil {
		return err
	}
	return outputJSON(task)
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show a task's log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLogs,
}

func runTaskLogs(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	logs, err := rt.store.Logs(cmd.Context(), core.TaskID(args[0]))
	if err != nil {
		return err
	}
	if taskJSON {
		return outputJSON(logs)
	}
	for _, entry := range logs {
		fmt.Printf("[%s] %s: %s\n", entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message)
	}
	return nil
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelete,
}

func runTaskDelete(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	id := core.TaskID(args[0])
	if err := rt.store.Delete(cmd.Context(), id); err != nil {
		return err
	}
	rt.bus.CloseTask(id)
	fmt.Printf("deleted %s\n", id)
	return nil
}

// streamUntilQuiet subscribes to taskID's topic and prints every event
// to stdout until the topic closes (a terminal event) or no further
// event arrives within quiet, whichever comes first — so an action that
// merely advances the task to a waiting-for-human state (plan_review,
// awaiting_review) still returns control to the shell.
func streamUntilQuiet(bus *events.Bus, taskID core.TaskID, quiet time.Duration) {
	ch, cancel := bus.Subscribe(taskID)
	defer cancel()
	for {
		select {
		case e, open := <-ch:
			if !open {
				return
			}
			printEvent(e)
		case <-time.After(quiet):
			return
		}
	}
}

func printEvent(e events.Event) {
	switch e.Type {
	case events.TypeLog:
		fmt.Printf("[log:%s] %s\n", e.Level, e.Message)
	case events.TypeStatus:
		fmt.Printf("[status] %s\n", e.NewStatus)
	case events.TypeTimeoutWarning:
		fmt.Printf("[timeout-warning] %s\n", e.Message)
	case events.TypeAwaitingReview:
		fmt.Printf("[awaiting-review] %s\n", e.Message)
	case events.TypeComplete:
		fmt.Printf("[complete] %s %s\n", e.PRUrl, e.Summary)
	case events.TypeError:
		fmt.Printf("[error:%s] %s\n", e.Code, e.Message)
	case events.TypePRComment:
		fmt.Printf("[pr-comment] %v\n", e.Comment)
	case events.TypeChatMessage:
		fmt.Printf("[chat] %v\n", e.ChatMessage)
	case events.TypeToolActivity:
		fmt.Printf("[tool] %v\n", e.ToolActivity)
	}
}

const streamQuietWindow = 3 * time.Second

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start an agent run for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskStart,
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	return withRuntimeStream(cmd.Context(), args[0], func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.StartAgent(ctx, id, service.StartOptions{})
	})
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume an agent run after requested changes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskResume,
}

func runTaskResume(cmd *cobra.Command, args []string) error {
	return withRuntimeStream(cmd.Context(), args[0], func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.StartAgent(ctx, id, service.StartOptions{IsResume: true})
	})
}

var taskPlanCmd = &cobra.Command{
	Use:   "plan <task-id>",
	Short: "Run the agent in plan-only mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskPlan,
}

func runTaskPlan(cmd *cobra.Command, args []string) error {
	return withRuntimeStream(cmd.Context(), args[0], func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.StartAgent(ctx, id, service.StartOptions{PlanOnly: true})
	})
}

var taskApprovePlanCmd = &cobra.Command{
	Use:   "approve-plan <task-id>",
	Short: "Approve the current plan and resume implementation",
	Args:  cobra.ExactArgs(1),
	RunE: simpleTaskAction(func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.ApprovePlan(ctx, id)
	}),
}

var taskApprovePRCmd = &cobra.Command{
	Use:   "approve-pr <task-id>",
	Short: "Approve the review and open a pull request",
	Args:  cobra.ExactArgs(1),
	RunE: simpleTaskAction(func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.ApproveAndCreatePR(ctx, id)
	}),
}

var taskRequestChangesCmd = &cobra.Command{
	Use:   "request-changes <task-id> <feedback>",
	Short: "Request changes with review feedback",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleTaskAction(func(ctx context.Context, rt *runtime, id core.TaskID) error {
			return rt.supervisor.RequestChanges(ctx, id, args[1])
		})(cmd, args[:1])
	},
}

var taskMarkMergedCmd = &cobra.Command{
	Use:   "mark-merged <task-id>",
	Short: "Mark a task's pull request as merged",
	Args:  cobra.ExactArgs(1),
	RunE: simpleTaskAction(func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.MarkPRMerged(ctx, id)
	}),
}

var taskMarkClosedCmd = &cobra.Command{
	Use:   "mark-closed <task-id>",
	Short: "Mark a task's pull request as closed without merging",
	Args:  cobra.ExactArgs(1),
	RunE: simpleTaskAction(func(ctx context.Context, rt *runtime, id core.TaskID) error {
		return rt.supervisor.MarkPRClosed(ctx, id)
	}),
}

var taskFeedbackCmd = &cobra.Command{
	Use:   "feedback <task-id> <message>",
	Short: "Send a chat message to a running agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(newConfigLoader())
		if err != nil {
			return err
		}
		defer rt.closeStore()
		return rt.supervisor.SendFeedback(core.TaskID(args[0]), args[1])
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(newConfigLoader())
		if err != nil {
			return err
		}
		defer rt.closeStore()
		return rt.supervisor.CancelAgent(core.TaskID(args[0]))
	},
}

var taskExtendCmd = &cobra.Command{
	Use:   "extend <task-id>",
	Short: "Extend a task's deadline by one extension window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(newConfigLoader())
		if err != nil {
			return err
		}
		defer rt.closeStore()
		return rt.supervisor.ExtendTimeout(core.TaskID(args[0]))
	},
}

// simpleTaskAction wraps a one-shot supervisor call that does not need to
// stream events (it either succeeds synchronously or fails outright).
func simpleTaskAction(fn func(ctx context.Context, rt *runtime, id core.TaskID) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(newConfigLoader())
		if err != nil {
			return err
		}
		defer rt.closeStore()
		return fn(cmd.Context(), rt, core.TaskID(args[0]))
	}
}

// withRuntimeStream builds a runtime, subscribes to the task's topic
// before issuing the action (so no event is missed to a race), runs fn,
// and then drains the stream to stdout until the run goes quiet.
func withRuntimeStream(ctx context.Context, rawID string, fn func(ctx context.Context, rt *runtime, id core.TaskID) error) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	id := core.TaskID(rawID)
	done := make(chan struct{})
	go func() {
		streamUntilQuiet(rt.bus, id, streamQuietWindow)
		close(done)
	}()

	if err := fn(ctx, rt, id); err != nil {
		<-done
		return err
	}
	<-done
	return nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
