package commands

import (
	"fmt"
	"strings"
	"time"

	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/dag"
	"covid19-pipeline/internal/pipeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyLimit *int

func init() {
	historyLimit = historyCmd.Flags().IntP("limit", "n", 10, "The amount of runs to print.")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [-n <limit>]",
	Short: "Prints the most recent runs of the daily graph.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		database, store := openHistory(cfg, telemetry.SlogAPI{})
		defer database.Close()

		runs, err := store.Recent(cmd.Context(), pipeline.GraphId, *historyLimit)
		if err != nil {
			serviceutil.Fatal("failed to read history", err)
		}

		location, err := cfg.Location()
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}

		t := newTable()
		t.AppendHeader(table.Row{"Run", "Origin", "State", "Started", "Duration", "Unsuccessful tasks"})
		for _, run := range runs {
			duration := "-"
			if !run.FinishedAt.IsZero() {
				duration = run.FinishedAt.Sub(run.StartedAt).String()
			}

			var unsuccessful []string
			for _, task := range run.Tasks {
				if task.State == dag.StateSuccess {
					continue
				}
				line := fmt.Sprintf("%s: %s", task.TaskId, task.State)
				if task.Error != "" {
					line += fmt.Sprintf(" (%s)", task.Error)
				}
				unsuccessful = append(unsuccessful, line)
			}

			t.AppendRow(table.Row{
				run.Id,
				run.Origin,
				run.State,
				run.StartedAt.In(location).Format(time.DateTime),
				duration,
				strings.Join(unsuccessful, "\n"),
			})
		}
		t.Render()
	},
}
