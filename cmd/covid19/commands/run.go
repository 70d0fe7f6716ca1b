package commands

import (
	"errors"
	"fmt"
	"time"

	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/history"
	"covid19-pipeline/internal/pipeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var noHistory *bool
var dumpDir *string

func init() {
	noHistory = runCmd.Flags().Bool("no-history", false, "Do not record the run in the history db.")
	dumpDir = runCmd.Flags().String("dump", "", "Write every http exchange with the case API to this directory.")
	rootCmd.AddCommand(runCmd)
}

func printResult(result dag.Result) {
	t := newTable()
	t.SetTitle(fmt.Sprintf("%s (%s)", result.GraphId, result.End.Sub(result.Start).Round(time.Millisecond)))
	t.AppendHeader(table.Row{"Task", "State", "Duration", "Error"})
	for _, task := range result.Tasks {
		errText := ""
		if task.Err != nil {
			errText = task.Err.Error()
		}
		t.AppendRow(table.Row{
			task.Id,
			task.State,
			task.End.Sub(task.Start).Round(time.Millisecond),
			errText,
		})
	}
	t.Render()
}

var runCmd = &cobra.Command{
	Use:   "run [--no-history] [--dump <dir>]",
	Short: "Runs the daily graph once and exits non-zero if any task did not succeed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := readConfig()
		if *dumpDir != "" {
			cfg.DumpDir = *dumpDir
		}
		tel := telemetry.SlogAPI{}

		location, err := cfg.Location()
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		deps, err := pipeline.NewDeps(cmd.Context(), cfg, tel)
		if err != nil {
			serviceutil.Fatal("failed to create pipeline dependencies", err)
		}
		g, err := pipeline.New(cfg, deps, tel)
		if err != nil {
			serviceutil.Fatal("failed to declare graph", err)
		}

		opts := pipeline.RunnerOptions{MaxParallel: cfg.MaxParallel}
		if !*noHistory {
			database, store := openHistory(cfg, tel)
			defer database.Close()
			opts.Ledger = store
		}

		runner := pipeline.NewRunner(opts, chrono.NewStandardTime(location), tel)
		result, err := runner.Run(cmd.Context(), g, history.OriginManual)
		if err != nil {
			return err
		}
		printResult(result)

		if !result.Succeeded() {
			if err := result.Err(); err != nil {
				return err
			}
			return errors.New("run did not complete")
		}
		return nil
	},
}
