package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"specgate/internal/app"
	"specgate/internal/config"
	"specgate/internal/db"
	"specgate/internal/domain"
	"specgate/internal/gate"
	"specgate/internal/registry"
	"specgate/internal/repo"
	"specgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sg",
	Short: "Specgate CLI",
	Long: `Specgate gates project mutations behind declarative rules.
Core concepts:
- Rules: workflows (states and guarded transitions) plus named invariants,
  written in a small first-order language and validated at load time.
- Snapshot: the frozen view of a project (state, tasks, commits) that
  every check evaluates against.
- Gate: each proposed transition or commit becomes a decision that is
  applied, rejected with every failing condition, or parked pending
  explicit approval when the action is policy-critical.
- Audit: every decision and mutation lands in the event log ('sg log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SPECGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(proposeCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(invariantsCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default specgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "default", "project id")
	return cmd
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Manage rulesets",
		Long:  "Rulesets declare workflows and invariants. 'validate' checks a file without touching the workspace; 'load' activates it and persists the source so restarts reload it.",
	}
	rules.AddCommand(rulesValidateCmd())
	rules.AddCommand(rulesLoadCmd())
	rules.AddCommand(rulesShowCmd())
	return rules
}

func rulesValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rs, err := registry.Load(string(data))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				} else {
					out["workflows"] = len(rs.Workflows)
					out["formulas"] = len(rs.Formulas)
				}
				if jerr := printJSON(out); jerr != nil {
					return jerr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Printf("rules OK: %d workflow(s), %d formula(s)\n", len(rs.Workflows), len(rs.Formulas))
			return nil
		},
	}
	return cmd
}

func rulesLoadCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load and activate a rules file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rs, err := a.Gate.LoadRules(ctx, a.ProjectID, string(data), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project":   a.ProjectID,
					"workflows": len(rs.Workflows),
					"formulas":  len(rs.Formulas),
				})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "specgate.rules", "path to rules file")
	return cmd
}

func rulesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active ruleset source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rs := a.Gate.Rules.Current()
				if rs == nil {
					return gate.ErrNoRules
				}
				if viper.GetBool("json") {
					names := make([]string, 0, len(rs.Formulas))
					for _, f := range rs.Formulas {
						names = append(names, f.Name)
					}
					return printJSON(map[string]any{
						"workflows": len(rs.Workflows),
						"formulas":  names,
						"source":    rs.Source,
					})
				}
				fmt.Print(rs.Source)
				return nil
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectListCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, workflow string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project at its workflow's first state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if workflow == "" {
					workflow = a.Config.Project.Workflow
				}
				p, err := a.Gate.InitProject(ctx, id, workflow, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow name (defaults to config)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show project snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Gate.Repo.LoadSnapshot(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Project: %s (workflow %s)\n", snap.Project.ID, snap.Project.Workflow)
				fmt.Printf("State:   %s (version %d)\n", snap.Project.State, snap.Version)
				fmt.Printf("Tasks:   %d  Commits: %d\n", len(snap.Project.Tasks), len(snap.Project.Commits))
				return nil
			})
		},
	}
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gate.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "State", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Workflow, p.State, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks live in exactly one layer: backlog (planned), changelog (completed) or journal (committed). Layer writes are checked at the boundary; moving them is what the gate's invariants watch.",
	}
	task.AddCommand(taskUpsertCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskUpsertCmd() *cobra.Command {
	var t domain.Task
	var layer string
	cmd := &cobra.Command{
		Use:   "upsert <id>",
		Short: "Create or move a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.ID = args[0]
			t.Layer = domain.Layer(layer)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if t.ProjectID == "" {
					t.ProjectID = a.ProjectID
				}
				res, err := a.Gate.UpsertTask(ctx, t, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&t.ProjectID, "project-id", "", "project id")
	cmd.Flags().StringVar(&layer, "layer", "backlog", "layer (backlog, changelog, journal)")
	cmd.Flags().StringVar(&t.Title, "title", "", "title")
	cmd.Flags().BoolVar(&t.Completed, "completed", false, "mark completed")
	cmd.Flags().BoolVar(&t.Committed, "committed", false, "mark committed")
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Gate.Repo.ListTasks(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Layer", "Completed", "Committed"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Layer, t.Completed, t.Committed})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func proposeCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "propose",
		Short: "Propose gated actions",
		Long:  "Proposals run the gate: preconditions, postcondition and every declared invariant against the would-be state. Critical actions park as pending_approval; use --wait to block until resolution.",
	}
	prop.AddCommand(proposeTransitionCmd())
	prop.AddCommand(proposeCommitCmd())
	return prop
}

func proposeTransitionCmd() *cobra.Command {
	var to string
	var wait bool
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Propose a state transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.ProposeTransition(ctx, gate.TransitionProposal{
					ProjectID: a.ProjectID,
					To:        to,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return finishProposal(ctx, a, d, wait)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until a pending decision resolves")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func proposeCommitCmd() *cobra.Command {
	var id, message string
	var wait bool
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Propose a commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.ProposeCommit(ctx, gate.CommitProposal{
					ProjectID: a.ProjectID,
					CommitID:  id,
					Message:   message,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return finishProposal(ctx, a, d, wait)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "commit id")
	cmd.Flags().StringVar(&message, "message", "", "commit message")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until a pending decision resolves")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func finishProposal(ctx context.Context, a *app.App, d domain.Decision, wait bool) error {
	if wait && d.Status == domain.DecisionPendingApproval {
		timeout := time.Duration(a.Config.Policy.ApprovalTimeoutSeconds) * time.Second
		resolved, err := a.Gate.Await(ctx, d.ID, timeout)
		if err != nil {
			return err
		}
		d = resolved
	}
	if viper.GetBool("json") {
		return printJSON(d)
	}
	fmt.Printf("Decision %s: %s (%s %s)\n", d.ID, d.Status, d.Kind, d.Action)
	for _, r := range d.Reasons {
		fmt.Printf("  - %s\n", r)
	}
	return nil
}

func checkCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Dry-run a transition",
		Long:  "Checks a transition without recording a decision or mutating anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				check, err := a.Gate.DryRunTransition(ctx, a.ProjectID, to)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				if check.Accepted {
					fmt.Println("transition OK")
					return nil
				}
				if check.SpecDefect != "" {
					fmt.Println("spec defect:", check.SpecDefect)
					return nil
				}
				fmt.Println("transition rejected:")
				for _, u := range check.Unmet {
					fmt.Printf("  - %s\n", u)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func invariantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invariants",
		Short: "Check all declared invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				violations, err := a.Gate.CheckInvariants(ctx, a.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(violations)
				}
				if len(violations) == 0 {
					fmt.Println("all invariants hold")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Name", "Formula", "Witness"})
				for _, v := range violations {
					witness := ""
					if v.Witness != nil {
						witness = v.Witness.String()
					}
					tw.AppendRow(table.Row{v.Kind, v.Name, v.Formula, witness})
				}
				tw.Render()
				return fmt.Errorf("%d invariant violation(s)", len(violations))
			})
		},
	}
	return cmd
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Inspect and resolve decisions",
		Long:  "Decisions record every gate outcome: who proposed what, why it was rejected, who approved. Pending critical decisions resolve via approve, deny, cancel, or timeout.",
	}
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionApproveCmd())
	dec.AddCommand(decisionDenyCmd())
	dec.AddCommand(decisionCancelCmd())
	dec.AddCommand(decisionWaitCmd())
	return dec
}

func decisionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gate.Repo.ListDecisions(ctx, a.ProjectID, domain.DecisionStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Action", "Status", "Proposer", "Created"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Kind, d.Action, d.Status, d.ProposerID, d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending_approval, applied, rejected)")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.GetDecision(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func decisionApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func decisionDenyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.Deny(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "denial reason")
	return cmd
}

func decisionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Gate.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	return cmd
}

func decisionWaitCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Wait for a pending decision to resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if timeoutSeconds == 0 {
					timeoutSeconds = a.Config.Policy.ApprovalTimeoutSeconds
				}
				d, err := a.Gate.Await(ctx, args[0], time.Duration(timeoutSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 0, "timeout (0 uses config, negative waits forever)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Gate.Repo.ListEvents(ctx, a.ProjectID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "return events after this id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, rec, err := newStoredAPIKey(ctx, a, actorID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "actor_id": rec.ActorID, "key": key})
				}
				fmt.Printf("API key for %s (id %s):\n%s\n", rec.ActorID, rec.ID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Gate.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Gate.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              a.Config.Server.JWTSecret,
					AllowLegacyActorHeader: a.Config.Server.AllowLegacyActorHeader,
				}
				if secret := os.Getenv("SPECGATE_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				handler, err := server.New(server.Config{Gate: a.Gate, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Specgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Open(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStoredAPIKey(ctx context.Context, a *app.App, actorID, name string) (string, domain.APIKey, error) {
	key := uuid.New().String()
	rec := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.Gate.Repo.InsertAPIKey(ctx, nil, rec); err != nil {
		return "", domain.APIKey{}, err
	}
	return key, rec, nil
}
