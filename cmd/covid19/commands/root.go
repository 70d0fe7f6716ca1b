package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/sqliteutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/config"
	"covid19-pipeline/internal/history"
	"covid19-pipeline/internal/history/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var configPath *string
var verbose *bool

var rootCmd = &cobra.Command{
	Use:   "covid19",
	Short: "covid19 extracts the daily covid19 case datasets and loads them into the warehouse.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		telemetry.InitSlog(*verbose)
	},
	SilenceUsage: true,
}

func init() {
	configPath = rootCmd.PersistentFlags().StringP("config", "c", "config.json5", "The config file, a sibling <name>.local.json5 overrides it.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages.")
}

// ExecuteContext runs the CLI and returns the process exit code.
func ExecuteContext(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func readConfig() config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return cfg
}

func openHistory(cfg config.Config, tel telemetry.API) (*sql.DB, history.Store) {
	database, err := sqliteutil.OpenDB(db.Schema, cfg.HistoryDb)
	if err != nil {
		serviceutil.Fatal("failed to open history db", err)
	}
	return database, history.NewStore(database, tel)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
