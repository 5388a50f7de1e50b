package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shotline/internal/app"
	"shotline/internal/config"
	"shotline/internal/domain"
	"shotline/internal/engine"
	"shotline/internal/events"
	"shotline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Shotline CLI",
	Long: `Shotline tracks CG production work: who is doing what, on which shot, and where the files go.
Core concepts:
- Workspace: a directory holding the .shotline database and a shotline.yml config.
- Project: one production (film, series, short) owning entities, tasks, and files.
- Entities: the things being made; shots grouped under sequences (optionally episodes), plus standalone assets.
- Task types: the pipeline steps (modeling, animation, lighting, ...) with default naming templates.
- Tasks: one unit of work per entity and step; statuses flow todo -> wip -> pending_review -> done, with retake loops.
- Revisions: start at 1 and only move up; restarting after a retake or reopening a done task opens a new revision.
- Naming templates: render paths from placeholders like {project}/{shot}/{task_type}/v{revision:03}; per-project overrides beat task type defaults.
- Files: working files are in-progress saves, output files are published results; rows are immutable and revisions unique per task.
- Event log: every change appends an event; webhooks and 'sl events follow' subscribe to it.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SHOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project name or id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(tasktypeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(namingCmd())
	rootCmd.AddCommand(pathCmd())
	rootCmd.AddCommand(fileCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(serveDispatchCmd())
	rootCmd.AddCommand(configCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates shotline.yml (if missing), the .shotline database, and the task types listed in config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, seeded, err := app.Init(cmd.Context(), app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Workspace ready: %s (%d task types seeded)\n", config.Path(a.Workspace), seeded)
			return nil
		},
	}
}

// ---- project ----

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectCloseCmd())
	prj.AddCommand(projectReopenCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var productionType string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, args[0], productionType, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&productionType, "type", "", "production type (feature, series, short)")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.ProductionType, p.Status, p.CreatedAt})
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
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close",
		Short: "Close a project, freezing its tasks and files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				p, err = a.Engine.CloseProject(ctx, p.ID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectReopenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reopen",
		Short: "Reopen a closed project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				p, err = a.Engine.ReopenProject(ctx, p.ID, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a project's task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				counts, err := a.Repo.CountProjectTasksByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "task_counts": counts})
				}
				fmt.Printf("Project: %s (%s)\n", p.Name, p.Status)
				fmt.Println("Tasks:")
				for _, s := range []domain.TaskStatus{domain.StatusTodo, domain.StatusWIP, domain.StatusPendingReview, domain.StatusRetake, domain.StatusDone} {
					fmt.Printf("  %s: %d\n", s, counts[s])
				}
				return nil
			})
		},
	}
}

// ---- entity ----

func entityCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entity",
		Short: "Manage entities (episodes, sequences, shots, assets)",
	}
	ent.AddCommand(entityCreateCmd())
	ent.AddCommand(entityListCmd())
	ent.AddCommand(entityStatusCmd())
	return ent
}

func entityCreateCmd() *cobra.Command {
	var kind, parent string
	var meta []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				parentID := ""
				if parent != "" {
					pe, err := a.ResolveEntity(ctx, p.ID, parent)
					if err != nil {
						return fmt.Errorf("parent: %w", err)
					}
					parentID = pe.ID
				}
				ent, err := a.Engine.CreateEntity(ctx, engine.EntityCreate{
					ProjectID: p.ID,
					Kind:      domain.EntityKind(kind),
					ParentID:  parentID,
					Name:      args[0],
					Metadata:  metadata,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ent)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "shot", "entity kind (episode, sequence, shot, asset)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent entity name or id")
	cmd.Flags().StringArrayVar(&meta, "meta", []string{}, "metadata key=value (repeatable)")
	return cmd
}

func entityListCmd() *cobra.Command {
	var kind, parent, name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				f := repo.EntityFilters{ProjectID: p.ID, Kind: domain.EntityKind(kind), Name: name}
				if parent != "" {
					pe, err := a.ResolveEntity(ctx, p.ID, parent)
					if err != nil {
						return fmt.Errorf("parent: %w", err)
					}
					f.ParentID = pe.ID
				}
				items, err := a.Repo.ListEntities(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Parent"})
				for _, e := range items {
					parentID := ""
					if e.ParentID != nil {
						parentID = *e.ParentID
					}
					tw.AppendRow(table.Row{e.ID, e.Kind, e.Name, parentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent entity name or id")
	cmd.Flags().StringVar(&name, "name", "", "name filter")
	return cmd
}

func entityStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <entity>",
		Short: "Show an entity's task rollup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				ent, err := a.ResolveEntity(ctx, p.ID, args[0])
				if err != nil {
					return err
				}
				rollup, err := a.Engine.EntityRollup(ctx, ent.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"entity": ent, "rollup": rollup, "all_done": rollup.AllDone()})
				}
				fmt.Printf("%s %s: %d/%d tasks done", ent.Kind, ent.Name, rollup.Done, rollup.Total)
				if rollup.AllDone() {
					fmt.Print(" (all done)")
				}
				fmt.Println()
				return nil
			})
		},
	}
}

// ---- task types ----

func tasktypeCmd() *cobra.Command {
	tt := &cobra.Command{Use: "tasktype", Short: "Manage task types"}
	tt.AddCommand(tasktypeCreateCmd())
	tt.AddCommand(tasktypeListCmd())
	return tt
}

func tasktypeCreateCmd() *cobra.Command {
	var opts engine.TaskTypeCreate
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a task type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tt, err := a.Engine.CreateTaskType(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(tt)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Department, "department", "", "department (art, assets, shots, edit)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "pipeline order (lower runs earlier)")
	cmd.Flags().StringVar(&opts.WorkingTemplate, "working-template", "", "default working file template")
	cmd.Flags().StringVar(&opts.OutputTemplate, "output-template", "", "default output file template")
	return cmd
}

func tasktypeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListTaskTypes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Department", "Priority"})
				for _, tt := range items {
					tw.AppendRow(table.Row{tt.ID, tt.Name, tt.Department, tt.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// ---- tasks ----

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks and their workflow",
		Long: `Tasks are units of work, one per entity and pipeline step.
Workflow: start (todo -> wip), publish (wip -> pending_review), then approve (-> done)
or reject (-> retake). A wip task can retake itself. Starting a retake or reopening a
done task bumps the revision.`,
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskTransitionCmd("start", "Start work (todo or retake -> wip)", domain.TriggerStart))
	task.AddCommand(taskTransitionCmd("publish", "Send wip work to review", domain.TriggerPublish))
	task.AddCommand(taskTransitionCmd("approve", "Approve reviewed work (-> done)", domain.TriggerApprove))
	task.AddCommand(taskTransitionCmd("reject", "Reject reviewed work (-> retake)", domain.TriggerReject))
	task.AddCommand(taskTransitionCmd("retake", "Self-retake wip work", domain.TriggerRetake))
	task.AddCommand(taskTransitionCmd("reopen", "Reopen a done task (-> wip, new revision)", domain.TriggerReopen))
	return task
}

func taskCreateCmd() *cobra.Command {
	var entityRef, typeRef, name string
	var assignees []string
	var estimate int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				ent, err := a.ResolveEntity(ctx, p.ID, entityRef)
				if err != nil {
					return err
				}
				tt, err := a.ResolveTaskType(ctx, typeRef)
				if err != nil {
					return err
				}
				opts := engine.TaskCreate{
					EntityID:   ent.ID,
					TaskTypeID: tt.ID,
					Name:       name,
					Assignees:  assignees,
					ActorID:    actorID(),
				}
				if cmd.Flags().Changed("estimate-minutes") {
					opts.EstimateMinutes = &estimate
				}
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&entityRef, "entity", "", "entity name or id")
	cmd.Flags().StringVar(&typeRef, "type", "", "task type name or id")
	cmd.Flags().StringVar(&name, "name", "", "task name (defaults to the task type's name)")
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee (repeatable)")
	cmd.Flags().IntVar(&estimate, "estimate-minutes", 0, "time estimate in minutes")
	_ = cmd.MarkFlagRequired("entity")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var entityRef, typeRef, status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				f := repo.TaskFilters{ProjectID: p.ID, Status: domain.TaskStatus(status), Assignee: assignee, Limit: limit}
				if entityRef != "" {
					ent, err := a.ResolveEntity(ctx, p.ID, entityRef)
					if err != nil {
						return err
					}
					f.EntityID = ent.ID
				}
				if typeRef != "" {
					tt, err := a.ResolveTaskType(ctx, typeRef)
					if err != nil {
						return err
					}
					f.TaskTypeID = tt.ID
				}
				tasks, err := a.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				typeNames, err := taskTypeNames(ctx, a)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Status", "Rev", "Assignees"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Name, typeNames[t.TaskTypeID], t.Status, t.Revision, strings.Join(t.Assignees, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityRef, "entity", "", "entity name or id")
	cmd.Flags().StringVar(&typeRef, "type", "", "task type name or id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its comment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				comments, err := a.Repo.ListComments(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"task":     t,
					"comments": comments,
					"actions":  engine.AllowedTriggers(t.Status),
				})
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var assignees []string
	cmd := &cobra.Command{
		Use:   "assign <task-id>",
		Short: "Replace a task's assignees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.AssignTask(ctx, args[0], assignees, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&assignees, "assignee", []string{}, "assignee (repeatable, none clears)")
	return cmd
}

func taskTransitionCmd(use, short string, trigger domain.Trigger) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Transition(ctx, engine.TransitionRequest{
					TaskID:  args[0],
					Trigger: trigger,
					ActorID: actorID(),
					Comment: comment,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s -> %s (revision %d)\n", res.Task.ID, res.OldStatus, res.NewStatus, res.Task.Revision)
				if res.Rollup.AllDone() {
					fmt.Printf("entity %s: all %d tasks done\n", res.Rollup.EntityID, res.Rollup.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "note recorded with the transition")
	return cmd
}

// ---- naming rules ----

func namingCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "naming",
		Short: "Manage per-project naming templates",
	}
	n.AddCommand(namingSetCmd())
	n.AddCommand(namingListCmd())
	n.AddCommand(namingUnsetCmd())
	return n
}

func namingSetCmd() *cobra.Command {
	var typeRef, kind, template string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a project's template for a task type and file kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				tt, err := a.ResolveTaskType(ctx, typeRef)
				if err != nil {
					return err
				}
				rule, err := a.Engine.SetNamingTemplate(ctx, p.ID, tt.ID, domain.FileKind(kind), template, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().StringVar(&typeRef, "type", "", "task type name or id")
	cmd.Flags().StringVar(&kind, "kind", "working", "file kind (working, output)")
	cmd.Flags().StringVar(&template, "template", "", "naming template")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func namingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a project's naming overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				rules, err := a.Repo.ListNamingRules(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				typeNames, err := taskTypeNames(ctx, a)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task Type", "Kind", "Template"})
				for _, r := range rules {
					tw.AppendRow(table.Row{typeNames[r.TaskTypeID], r.Kind, r.Template})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func namingUnsetCmd() *cobra.Command {
	var typeRef, kind string
	cmd := &cobra.Command{
		Use:   "unset",
		Short: "Remove a naming override, falling back to the task type default",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.ResolveProject(ctx, viper.GetString("project"))
				if err != nil {
					return err
				}
				tt, err := a.ResolveTaskType(ctx, typeRef)
				if err != nil {
					return err
				}
				return a.Repo.DeleteNamingRule(ctx, p.ID, tt.ID, domain.FileKind(kind))
			})
		},
	}
	cmd.Flags().StringVar(&typeRef, "type", "", "task type name or id")
	cmd.Flags().StringVar(&kind, "kind", "working", "file kind (working, output)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

// ---- paths ----

func pathCmd() *cobra.Command {
	p := &cobra.Command{Use: "path", Short: "Resolve file paths"}
	p.AddCommand(pathKindCmd("working", domain.FileWorking))
	p.AddCommand(pathKindCmd("output", domain.FileOutput))
	return p
}

func pathKindCmd(use string, kind domain.FileKind) *cobra.Command {
	var revision int
	var ext string
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: "Resolve the " + use + " file path for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.ResolvePath(ctx, args[0], kind, revision, ext)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Println(p.Value)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&revision, "revision", 0, "revision (0 previews the next)")
	cmd.Flags().StringVar(&ext, "ext", "", "file extension")
	return cmd
}

// ---- files ----

func fileCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "file",
		Short: "Publish and retrieve task files",
	}
	f.AddCommand(filePublishWorkingCmd())
	f.AddCommand(filePublishOutputCmd())
	f.AddCommand(fileListCmd())
	f.AddCommand(filePushCmd())
	f.AddCommand(filePullCmd())
	return f
}

func filePublishWorkingCmd() *cobra.Command {
	var name, ext, src string
	var revision int
	cmd := &cobra.Command{
		Use:   "publish-working <task-id>",
		Short: "Register a working file revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req := engine.FilePublish{
					TaskID:    args[0],
					Name:      name,
					Revision:  revision,
					Extension: ext,
					ActorID:   actorID(),
				}
				if err := fillFileMeta(&req, src); err != nil {
					return err
				}
				wf, _, err := a.Engine.PublishWorkingFile(ctx, req)
				if err != nil {
					return err
				}
				if err := saveContent(ctx, a, wf.ID, wf.Path, src); err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "file label (defaults to main)")
	cmd.Flags().IntVar(&revision, "revision", 0, "revision (0 allocates the next)")
	cmd.Flags().StringVar(&ext, "ext", "", "file extension")
	cmd.Flags().StringVar(&src, "file", "", "local file whose content to store")
	return cmd
}

func filePublishOutputCmd() *cobra.Command {
	var name, ext, src, fromWorking string
	var revision int
	cmd := &cobra.Command{
		Use:   "publish-output <task-id>",
		Short: "Register an output file revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req := engine.FilePublish{
					TaskID:        args[0],
					Name:          name,
					Revision:      revision,
					Extension:     ext,
					WorkingFileID: fromWorking,
					ActorID:       actorID(),
				}
				if err := fillFileMeta(&req, src); err != nil {
					return err
				}
				of, _, err := a.Engine.PublishOutputFile(ctx, req)
				if err != nil {
					return err
				}
				if err := saveContent(ctx, a, of.ID, of.Path, src); err != nil {
					return err
				}
				return printJSONOrTable(of)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "file label (defaults to main)")
	cmd.Flags().IntVar(&revision, "revision", 0, "revision (0 allocates the next)")
	cmd.Flags().StringVar(&ext, "ext", "", "file extension")
	cmd.Flags().StringVar(&src, "file", "", "local file whose content to store")
	cmd.Flags().StringVar(&fromWorking, "from-working", "", "working file id this output was published from")
	return cmd
}

func fileListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list <task-id>",
		Short: "List a task's files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				taskID := args[0]
				var working []domain.WorkingFile
				var output []domain.OutputFile
				var err error
				if kind == "" || kind == string(domain.FileWorking) {
					if working, err = a.Repo.ListWorkingFiles(ctx, taskID); err != nil {
						return err
					}
				}
				if kind == "" || kind == string(domain.FileOutput) {
					if output, err = a.Repo.ListOutputFiles(ctx, taskID); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"working_files": working, "output_files": output})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "ID", "Name", "Rev", "Path"})
				for _, f := range working {
					tw.AppendRow(table.Row{domain.FileWorking, f.ID, f.Name, f.Revision, f.Path})
				}
				for _, f := range output {
					tw.AppendRow(table.Row{domain.FileOutput, f.ID, f.Name, f.Revision, f.Path})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "working or output (default both)")
	return cmd
}

func filePushCmd() *cobra.Command {
	var src string
	cmd := &cobra.Command{
		Use:   "push <file-id>",
		Short: "Upload content for an already registered file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				path, err := findFilePath(ctx, a, args[0])
				if err != nil {
					return err
				}
				store, err := a.FileStore(ctx)
				if err != nil {
					return err
				}
				if err := store.Save(ctx, path, src); err != nil {
					return err
				}
				fmt.Printf("stored %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&src, "file", "", "local file to upload")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func filePullCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pull <file-id>",
		Short: "Download a file's stored content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				path, err := findFilePath(ctx, a, args[0])
				if err != nil {
					return err
				}
				store, err := a.FileStore(ctx)
				if err != nil {
					return err
				}
				dst := out
				if dst == "" {
					dst = filepath.Base(path)
				}
				if err := store.Fetch(ctx, path, dst); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", dst)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination path (defaults to the file's base name)")
	return cmd
}

// ---- webhooks ----

func webhookCmd() *cobra.Command {
	wh := &cobra.Command{
		Use:   "webhook",
		Short: "Manage webhooks delivered by 'sl serve-dispatch'",
	}
	wh.AddCommand(webhookAddCmd())
	wh.AddCommand(webhookListCmd())
	wh.AddCommand(webhookRemoveCmd())
	return wh
}

func webhookAddCmd() *cobra.Command {
	var secret, eventsSpec string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w := domain.Webhook{
					ID:        uuid.NewString(),
					URL:       args[0],
					Secret:    secret,
					Events:    eventsSpec,
					Active:    true,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertWebhook(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret sent as X-Shotline-Secret")
	cmd.Flags().StringVar(&eventsSpec, "events", "*", "event types to deliver (comma separated, * for all)")
	return cmd
}

func webhookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hooks, err := a.Repo.ListWebhooks(ctx, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hooks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "URL", "Events", "Active"})
				for _, h := range hooks {
					tw.AppendRow(table.Row{h.ID, h.URL, h.Events, h.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func webhookRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteWebhook(ctx, args[0])
			})
		},
	}
}

// ---- events ----

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	ev.AddCommand(eventsTailCmd())
	ev.AddCommand(eventsFollowCmd())
	return ev
}

func eventsTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.EventFilters{Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n}
				if ref := viper.GetString("project"); ref != "" {
					p, err := a.ResolveProject(ctx, ref)
					if err != nil {
						return err
					}
					f.ProjectID = p.ID
				}
				items, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func eventsFollowCmd() *cobra.Command {
	var eventsSpec string
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Stream events to stdout until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d := events.NewDispatcher(a.Repo, a.Log, events.DispatcherConfig{
					PollInterval: time.Duration(a.Config.Dispatcher.PollSeconds) * time.Second,
					Batch:        a.Config.Dispatcher.Batch,
				})
				defer d.Close()
				enc := json.NewEncoder(os.Stdout)
				d.Subscribe("console", events.NewFilter(eventsSpec), func(ctx context.Context, evt domain.Event) error {
					return enc.Encode(evt)
				})
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventsSpec, "events", "*", "event types to follow (comma separated, * for all)")
	return cmd
}

func serveDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-dispatch",
		Short: "Run the event dispatcher, delivering stored webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Dispatch: true})
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Println("event dispatcher running; Ctrl-C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

// ---- config ----

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := yaml.Marshal(a.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

// ---- helpers ----

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace")})
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

func taskTypeNames(ctx context.Context, a *app.App) (map[string]string, error) {
	items, err := a.Repo.ListTaskTypes(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(items))
	for _, tt := range items {
		names[tt.ID] = tt.Name
	}
	return names, nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q is not key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

// fillFileMeta stamps size, checksum, and a default extension from the
// local file being published, when there is one.
func fillFileMeta(req *engine.FilePublish, src string) error {
	if src == "" {
		return nil
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	req.SizeBytes = size
	req.Checksum = hex.EncodeToString(h.Sum(nil))
	if req.Extension == "" {
		req.Extension = strings.TrimPrefix(filepath.Ext(src), ".")
	}
	return nil
}

// saveContent uploads src to the content store after the file row is
// committed. The row survives an upload failure; 'sl file push' retries it.
func saveContent(ctx context.Context, a *app.App, fileID, path, src string) error {
	if src == "" {
		return nil
	}
	store, err := a.FileStore(ctx)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, path, src); err != nil {
		return fmt.Errorf("file %s registered but content upload failed (retry with 'sl file push %s --file %s'): %w", fileID, fileID, src, err)
	}
	return nil
}

func findFilePath(ctx context.Context, a *app.App, id string) (string, error) {
	wf, err := a.Repo.GetWorkingFile(ctx, id)
	if err == nil {
		return wf.Path, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	of, err := a.Repo.GetOutputFile(ctx, id)
	if err != nil {
		return "", fmt.Errorf("file %s: %w", id, err)
	}
	return of.Path, nil
}
