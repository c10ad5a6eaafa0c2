package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskAdvanceCmd())
	task.AddCommand(taskRewindCmd())
	task.AddCommand(taskSignCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskPurgeCmd())
	task.AddCommand(taskPurgeAllCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deadline != "" {
				d, err := parseDeadline(deadline, time.Now())
				if err != nil {
					return err
				}
				opts.Deadline = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err := localOnly(err); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Detail, "detail", "", "detail")
	cmd.Flags().StringVar(&opts.Assignee, "assignee", "", "assignee display name")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location name")
	cmd.Flags().StringVar(&deadline, "deadline", "", `deadline, RFC 3339 or natural language ("tomorrow 5pm")`)
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var opts engine.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List visible tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				thresholds := a.Config.Thresholds()
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Assignee", "Deadline", "SLA", "Signed"})
				for _, t := range tasks {
					deadline := ""
					if t.Deadline != nil {
						deadline = t.Deadline.Local().Format("2006-01-02 15:04")
					}
					signed := ""
					if t.Signed() {
						signed = *t.SignatureName
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status.Label(), t.Assignee(), deadline, thresholds.Evaluate(t.Deadline, now), signed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.Search, "search", "", "match title, detail, assignee or location")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskEditCmd() *cobra.Command {
	var opts engine.TaskUpdateOptions
	var title, detail, assignee, location, deadline string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("detail") {
				opts.Detail = &detail
			}
			if flags.Changed("assignee") {
				opts.Assignee = &assignee
			}
			if flags.Changed("location") {
				opts.Location = &location
			}
			if flags.Changed("deadline") {
				if deadline == "" {
					opts.ClearDeadline = true
				} else {
					d, err := parseDeadline(deadline, time.Now())
					if err != nil {
						return err
					}
					opts.Deadline = &d
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err := localOnly(err); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&detail, "detail", "", "new detail")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee display name (empty clears)")
	cmd.Flags().StringVar(&location, "location", "", "location name (empty clears)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (empty clears)")
	cmd.Flags().StringVar(&opts.Status, "status", "", "set status directly")
	return cmd
}

func taskMoveCmd(use, short string, move func(engine.Engine, context.Context, string) (domain.WorkItem, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := move(e, ctx, args[0])
				if err := localOnly(err); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s -> %s\n", t.ID, t.Status.Label())
				return nil
			})
		},
	}
}

func taskAdvanceCmd() *cobra.Command {
	return taskMoveCmd("advance", "Move a task to the next status", engine.Engine.Advance)
}

func taskRewindCmd() *cobra.Command {
	return taskMoveCmd("rewind", "Move a task back one status", engine.Engine.Rewind)
}

func taskSignCmd() *cobra.Command {
	var signer string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Record a completion signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				name := signer
				if name == "" {
					name = a.Viewer().DisplayName
				}
				t, err := a.Engine.Sign(ctx, args[0], name)
				if err := localOnly(err); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&signer, "name", "", "signer name (defaults to the configured display name)")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SoftDelete(ctx, args[0])
				if err := localOnly(err); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", t.ID)
				return nil
			})
		},
	}
}

func taskPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Permanently delete a task everywhere (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.HardDelete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("purged %s\n", args[0])
				return nil
			})
		},
	}
}

func taskPurgeAllCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge-all",
		Short: "Permanently delete every task everywhere (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.PurgeAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}
