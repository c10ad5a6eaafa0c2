package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/db"
	"taskflow/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "TaskFlow CLI",
	Long: `TaskFlow keeps a local task list in sync with a shared document store.
Core concepts:
- Workspace: a directory holding taskflow.yml and the .taskflow database.
- Tasks: work items moving planned -> todo -> inProgress -> review -> done.
- Sync: local edits are written through to the remote; 'tf sync' reconciles both sides with last-writer-wins.
- Roles: admins see every task, workers only the tasks assigned to their display name.
- Sync log: diary of sync rounds and task changes, view with 'tf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("remote-url", "", "remote document service URL (overrides remote.url)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the remote (overrides remote.token)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "token signing secret for serve and token issue (overrides server.jwt_secret)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("remote-url", rootCmd.PersistentFlags().Lookup("remote-url"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		RemoteURL: viper.GetString("remote-url"),
		Token:     viper.GetString("token"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// localOnly downgrades a failed write-through to a warning: the change is
// committed locally and goes out with the next sync round.
func localOnly(err error) error {
	var wt *engine.WriteThroughError
	if errors.As(err, &wt) {
		fmt.Fprintf(os.Stderr, "warning: %s saved locally, remote write failed: %v\n", wt.ID, wt.Err)
		return nil
	}
	return err
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	return writeFieldTable(os.Stdout, v)
}

// writeFieldTable renders v as Field/Value rows, one per leaf of its JSON
// form. Nested keys are joined with dots.
func writeFieldTable(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	rows := map[string]string{}
	flattenJSON("", doc, rows)
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Field", "Value"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k, rows[k]})
	}
	tw.Render()
	return nil
}

func flattenJSON(prefix string, v any, out map[string]string) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 && prefix != "" {
			out[prefix] = ""
		}
		for k, child := range x {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenJSON(key, child, out)
		}
	case []any:
		parts := make([]string, 0, len(x))
		for _, child := range x {
			if s, ok := child.(string); ok {
				parts = append(parts, s)
				continue
			}
			b, _ := json.Marshal(child)
			parts = append(parts, string(b))
		}
		out[prefix] = strings.Join(parts, ", ")
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = x
	default:
		b, _ := json.Marshal(x)
		out[prefix] = string(b)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
