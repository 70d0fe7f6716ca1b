package commands

import (
	"fmt"
	"strings"
	"time"

	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/pipeline"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(graphCmd)
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Prints the tasks of the daily graph in execution order.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		// declaring the graph should not clear the dumps of the last run
		cfg.DumpDir = ""
		tel := telemetry.SlogAPI{}

		deps, err := pipeline.NewDeps(cmd.Context(), cfg, tel)
		if err != nil {
			serviceutil.Fatal("failed to create pipeline dependencies", err)
		}
		g, err := pipeline.New(cfg, deps, tel)
		if err != nil {
			serviceutil.Fatal("failed to declare graph", err)
		}
		order, err := g.Order()
		if err != nil {
			serviceutil.Fatal("failed to order graph", err)
		}

		location, err := cfg.Location()
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		next, err := chrono.Next(g.Schedule, time.Now().In(location))
		if err != nil {
			serviceutil.Fatal("failed to parse schedule", err)
		}

		t := newTable()
		t.SetTitle(fmt.Sprintf(
			"%s: %s\nschedule %q (next %s), tags %s",
			g.Id, g.Doc, g.Schedule, next.Format(time.RFC3339), strings.Join(g.Tags, ", "),
		))
		t.AppendHeader(table.Row{"#", "Task", "Upstream", "Description"})
		for i, id := range order {
			var upstream []string
			for _, edge := range g.Upstream(id) {
				upstream = append(upstream, fmt.Sprintf("%s (%s)", edge.From, edge.Trigger))
			}
			task, _ := g.Task(id)
			t.AppendRow(table.Row{i + 1, id, strings.Join(upstream, "\n"), task.Doc})
		}
		t.Render()
	},
}
