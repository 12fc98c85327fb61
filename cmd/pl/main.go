package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/controller"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/executor"
	"planline/internal/migrate"
	"planline/internal/planner"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline plans and runs dependency-ordered task workflows.
- Workspace: the .planline directory holding the database; per-project config lives in the DB.
- Tasks: numbered work items with dependencies; references use the task's sequence number.
- Plan: the staged schedule derived from the dependency graph; stages with several tasks run in parallel.
- Workflow: one execution of a plan, checkpointed after every stage so it can pause, resume or survive a crash.
- Event log: diary of changes, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectExportCmd())
	prj.AddCommand(projectImportCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, desc, basePath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, nil)
			p, err := e.InitProject(cmd.Context(), name, desc, basePath, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&basePath, "base-path", "", "project base path")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, status, desc, basePath string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ProjectUpdateOptions{
					ProjectID: e.Config.Project.ID,
					Name:      name,
					Status:    status,
					ActorID:   viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("base-path") {
					opts.BasePath = &basePath
				}
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new project name")
	cmd.Flags().StringVar(&status, "status", "", "active or archived")
	cmd.Flags().StringVar(&desc, "description", "", "new description")
	cmd.Flags().StringVar(&basePath, "base-path", "", "new base path")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the active project and all its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !viper.GetBool("force") {
				return fmt.Errorf("deleting a project removes its tasks and workflows; pass --force to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id := e.Config.Project.ID
				if err := e.DeleteProject(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted project", id)
				return nil
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage per-project config"}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigInitCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := yaml.Marshal(e.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func projectConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default planline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workspace := viper.GetString("workspace")
				existing, err := config.LoadOptional(workspace)
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("%s already exists", config.Path(workspace))
				}
				path := config.Path(workspace)
				if err := os.WriteFile(path, []byte(config.GenerateDefault(e.Config.Project.ID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import planline.yml into the project's stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cfg *config.Config
				var err error
				if file != "" {
					cfg, err = config.FromFile(file)
				} else {
					cfg, err = config.Load(viper.GetString("workspace"))
				}
				if err != nil {
					return err
				}
				projectID := e.Config.Project.ID
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				fmt.Println("imported config for project", projectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (workspace planline.yml when omitted)")
	return cmd
}

func projectExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the active project to a portable bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bundle, err := e.ExportProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(bundle, "", "  ")
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Println(string(data))
					return nil
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "file", "", "output file (stdout when omitted)")
	return cmd
}

func projectImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a project bundle as a new project",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var bundle engine.Bundle
			if err := json.Unmarshal(data, &bundle); err != nil {
				return fmt.Errorf("invalid bundle: %w", err)
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, nil)
			p, err := e.ImportProject(cmd.Context(), bundle, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "bundle file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var (
		title, instructions, priority, provider, depOp, depExpr string
		estimated                                               int64
		dependsOn                                               []int64
		blockedBy, parentRef                                    int64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					ProjectID:        e.Config.Project.ID,
					Title:            title,
					Instructions:     instructions,
					Priority:         priority,
					EstimatedSeconds: estimated,
					Provider:         provider,
					DepOp:            depOp,
					DepExprJSON:      depExpr,
					DependsOn:        dependsOn,
					ActorID:          viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("blocked-by") {
					opts.BlockedBy = &blockedBy
				}
				if cmd.Flags().Changed("parent") {
					opts.ParentRef = &parentRef
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&instructions, "instructions", "", "task instructions; {{prev}}, {{task:N}} and {{project.*}} placeholders expand at run time")
	cmd.Flags().StringVar(&priority, "priority", "medium", "urgent, high, medium or low")
	cmd.Flags().Int64Var(&estimated, "estimated-seconds", 0, "estimated duration")
	cmd.Flags().StringVar(&provider, "provider", "", "execution provider")
	cmd.Flags().StringVar(&depOp, "dep-op", "", "dependency operator: all, any or expr")
	cmd.Flags().StringVar(&depExpr, "dep-expr", "", "dependency expression JSON for --dep-op=expr")
	cmd.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "dependency task sequence numbers")
	cmd.Flags().Int64Var(&blockedBy, "blocked-by", 0, "blocking task reference")
	cmd.Flags().Int64Var(&parentRef, "parent", 0, "parent task reference")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: e.Config.Project.ID, Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Title", "Status", "Priority", "Provider", "Deps"})
				for _, t := range tasks {
					deps := make([]string, len(t.DependsOn))
					for i, d := range t.DependsOn {
						deps[i] = fmt.Sprint(d)
					}
					tw.AppendRow(table.Row{t.Seq, t.Title, t.Status, t.Priority, t.Provider, strings.Join(deps, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	var seq, id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var t domain.Task
				var err error
				switch {
				case cmd.Flags().Changed("id"):
					t, err = e.Repo.GetTask(ctx, id)
				case cmd.Flags().Changed("seq"):
					t, err = e.Repo.GetTaskBySeq(ctx, e.Config.Project.ID, seq)
				default:
					return fmt.Errorf("either --seq or --id is required")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "task sequence number")
	cmd.Flags().Int64Var(&id, "id", 0, "global task identity")
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var (
		seq, estimated       int64
		title, status, prio  string
		instructions, provdr string
		dependsOn            []int64
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskUpdateOptions{
					ProjectID: e.Config.Project.ID,
					Seq:       seq,
					Title:     title,
					Status:    status,
					Priority:  prio,
					ActorID:   viper.GetString("actor-id"),
					Force:     viper.GetBool("force"),
				}
				if cmd.Flags().Changed("instructions") {
					opts.Instructions = &instructions
				}
				if cmd.Flags().Changed("estimated-seconds") {
					opts.EstimatedSeconds = &estimated
				}
				if cmd.Flags().Changed("provider") {
					opts.Provider = &provdr
				}
				if cmd.Flags().Changed("depends-on") {
					opts.DependsOn = dependsOn
				}
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "task sequence number")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	cmd.Flags().StringVar(&prio, "priority", "", "new priority")
	cmd.Flags().StringVar(&instructions, "instructions", "", "new instructions")
	cmd.Flags().Int64Var(&estimated, "estimated-seconds", 0, "new estimate")
	cmd.Flags().StringVar(&provdr, "provider", "", "new provider")
	cmd.Flags().Int64SliceVar(&dependsOn, "depends-on", nil, "replacement dependency list")
	_ = cmd.MarkFlagRequired("seq")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Build and inspect execution plans"}
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planOptimizeCmd())
	return plan
}

func printPlan(p *planner.Plan) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Stage", "Tasks", "Parallel", "Est. Seconds"})
	for _, s := range p.Stages {
		tasks := make([]string, len(s.Tasks))
		for i, seq := range s.Tasks {
			tasks[i] = fmt.Sprint(seq)
		}
		tw.AppendRow(table.Row{s.Index, strings.Join(tasks, ","), s.Parallel, s.EstimatedSeconds})
	}
	tw.Render()
	cp := make([]string, len(p.CriticalPath))
	for i, seq := range p.CriticalPath {
		cp[i] = fmt.Sprint(seq)
	}
	fmt.Printf("critical path: %s (%ds)\n", strings.Join(cp, " -> "), p.CriticalPathSeconds)
	fmt.Printf("total estimate: %ds, staged duration: %ds\n", p.TotalEstimatedSeconds, p.EstimatedDurationSeconds)
	for _, w := range p.Warnings {
		fmt.Println("warning:", w.String())
	}
	return nil
}

func planShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Aliases: []string{"create"},
		Short:   "Build the plan for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePlan(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
}

func planOptimizeCmd() *cobra.Command {
	var c planner.Constraints
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Build the plan and apply constraints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.OptimizePlan(ctx, e.Config.Project.ID, c)
				if err != nil {
					return err
				}
				return printPlan(p)
			})
		},
	}
	cmd.Flags().IntVar(&c.MaxParallelism, "max-parallelism", 0, "cap concurrent tasks per stage")
	cmd.Flags().Int64Var(&c.MaxCostSeconds, "max-cost-seconds", 0, "reject plans whose total estimate exceeds this")
	cmd.Flags().Int64Var(&c.MaxDurationSeconds, "max-duration-seconds", 0, "front-load critical work when the staged duration exceeds this")
	cmd.Flags().StringVar(&c.PriorityPolicy, "priority-policy", "", "priority_first to schedule critical and urgent tasks first")
	return cmd
}

func runCmd() *cobra.Command {
	var openaiKey, workflowID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a workflow and run it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var w domain.Workflow
				var err error
				if workflowID != "" {
					w, err = e.GetWorkflow(ctx, workflowID)
				} else {
					w, err = e.StartWorkflow(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				}
				if err != nil {
					return err
				}
				ctrl := controller.New(e, controller.NewRegistry())
				ctrl.ActorID = viper.GetString("actor-id")
				if openaiKey == "" {
					openaiKey = os.Getenv("OPENAI_API_KEY")
				}
				if openaiKey != "" {
					model := ""
					if prof, ok := e.Config.Providers["openai"]; ok {
						model = prof.Model
					}
					ctrl.Executors["openai"] = executor.NewOpenAI(openaiKey, model)
				}
				final, err := ctrl.Run(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(final)
			})
		},
	}
	cmd.Flags().StringVar(&openaiKey, "openai-key", "", "OpenAI API key (defaults to OPENAI_API_KEY)")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "resume an existing workflow instead of starting a new one")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect and control workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowSignalCmd("pause", "Pause a workflow", "paused"))
	wf.AddCommand(workflowSignalCmd("resume", "Mark a paused workflow pending again", "pending"))
	wf.AddCommand(workflowSignalCmd("cancel", "Cancel a workflow", "cancelled"))
	return wf
}

func workflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows for the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Completed", "Failed"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Status, w.CurrentStage, len(w.Completed), len(w.Failed)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func workflowShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a workflow with its checkpoint history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkflow(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"workflow": w}
				cps, err := e.Repo.ListCheckpoints(ctx, id)
				if err != nil {
					return err
				}
				if len(cps) > 0 {
					out["checkpoints"] = cps
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// workflowSignalCmd updates a workflow's stored status. Workflows running
// inside a serve process are signalled through the HTTP API instead.
func workflowSignalCmd(use, short, status string) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkflow(ctx, id)
				if err != nil {
					return err
				}
				if status == "paused" || status == "cancelled" {
					if err := engine.CheckWorkflowTransition(w.Status, status); err != nil {
						return err
					}
				} else if w.Status != "paused" {
					return fmt.Errorf("workflow %s is %s, not paused", w.ID, w.Status)
				}
				w, err = e.SetWorkflowStatus(ctx, w, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "workflow id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType string
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, limit, e.Config.Project.ID, evtType, "", "")
				if err != nil {
					return err
				}
				printEvents(items)
				if !follow {
					return nil
				}
				cursor, err := e.Repo.LatestEventID(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					evts, err := e.Repo.EventsAfter(ctx, limit, cursor, e.Config.Project.ID)
					if err != nil {
						return err
					}
					if len(evts) == 0 {
						continue
					}
					cursor = evts[len(evts)-1].ID
					printEvents(evts)
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new events until interrupted")
	return cmd
}

func printEvents(items []domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(items)
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
	for _, evt := range items {
		tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
	}
	tw.Render()
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PLANLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			ctrl := controller.New(e, controller.NewRegistry())
			if key := os.Getenv("OPENAI_API_KEY"); key != "" {
				model := ""
				if prof, ok := cfg.Providers["openai"]; ok {
					model = prof.Model
				}
				ctrl.Executors["openai"] = executor.NewOpenAI(key, model)
			}
			handler, err := server.New(server.Config{Engine: e, Controller: ctrl, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planline API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func openDB() (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
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
