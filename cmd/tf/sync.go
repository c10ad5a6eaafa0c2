package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/events"
)

func syncCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store with the remote",
		Long:  "Upload pushes every local record, download merges the viewer's remote records with last-writer-wins, cleanup drops local records the remote no longer knows.",
	}
	s.AddCommand(syncNowCmd())
	s.AddCommand(syncUploadCmd())
	s.AddCommand(syncDownloadCmd())
	s.AddCommand(syncCleanupCmd())
	s.AddCommand(syncWatchCmd())
	return s
}

func syncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Upload then download",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Sync.SyncNow(ctx)
				if perr := printJSONOrTable(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func syncUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Push every local record to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Sync.UploadAll(ctx)
				if perr := printJSONOrTable(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func syncDownloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Merge the viewer's remote records into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Sync.DownloadAll(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func syncCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove local records that are deleted or unknown remotely",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				removed, err := a.Sync.PurgeLocalOrphans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": removed})
				}
				fmt.Printf("removed %d local records\n", len(removed))
				return nil
			})
		},
	}
}

func syncWatchCmd() *cobra.Command {
	var noAuto bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply remote changes live and sync on reconnect until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				unsubscribe := a.Events.Subscribe(func(e events.Event) {
					if viper.GetBool("json") {
						_ = printJSON(e)
						return
					}
					line := fmt.Sprintf("%s %s count=%d", e.At.Format("15:04:05"), e.Type, e.Count)
					if e.Op != "" {
						line += " op=" + e.Op
					}
					if len(e.IDs) > 0 && len(e.IDs) <= 5 {
						line += " ids=" + strings.Join(e.IDs, ",")
					}
					if e.Err != "" {
						line += " error=" + e.Err
					}
					fmt.Println(line)
				})
				defer unsubscribe()
				if err := a.Sync.StartLive(ctx); err != nil {
					return err
				}
				if a.Config.Sync.Auto && !noAuto {
					a.Sync.StartAutoSync(ctx, a.Monitor())
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noAuto, "no-auto", false, "do not run sync rounds on reconnect")
	return cmd
}
