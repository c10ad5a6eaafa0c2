package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/engine"
)

func initCmd() *cobra.Command {
	var name, email string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name, email)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name used for assignment and signatures")
	cmd.Flags().StringVar(&email, "email", "", "email; admin role when listed in admin.emails")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the local viewer and the identity the remote sees",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out := map[string]any{"local": a.Viewer()}
				if a.Config.Remote.URL != "" {
					if me, err := a.Remote.Me(ctx); err != nil {
						out["remote_error"] = err.Error()
					} else {
						out["remote"] = me
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show SLA dashboard counts",
		Long:  "Counts visible tasks and how many are inside the warning or critical window of their deadline. Overdue tasks count as critical.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Warning", "Critical"})
				tw.AppendRow(table.Row{d.Total, d.Warning, d.Critical})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Sync log",
		Long:  "The diary of sync rounds, live batches, failures and task changes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the sync log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Journal.Tail(ctx, n, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}
