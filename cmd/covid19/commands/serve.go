package commands

import (
	"log/slog"

	"covid19-pipeline/internal/components/chrono"
	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/telemetry"
	"covid19-pipeline/internal/pipeline"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the daily graph on its schedule until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := readConfig()
		tel := telemetry.SlogAPI{}

		location, err := cfg.Location()
		if err != nil {
			serviceutil.Fatal("failed to load timezone", err)
		}
		deps, err := pipeline.NewDeps(ctx, cfg, tel)
		if err != nil {
			serviceutil.Fatal("failed to create pipeline dependencies", err)
		}
		g, err := pipeline.New(cfg, deps, tel)
		if err != nil {
			serviceutil.Fatal("failed to declare graph", err)
		}
		database, store := openHistory(cfg, tel)
		defer database.Close()

		telemetry.InstrumentPerfStats(ctx)

		time := chrono.NewStandardTime(location)
		runner := pipeline.NewRunner(pipeline.RunnerOptions{
			MaxParallel: cfg.MaxParallel,
			Ledger:      store,
		}, time, tel)

		cron := chrono.NewStandardCron(location, tel)
		err = runner.Schedule(ctx, cron, g)
		if err != nil {
			serviceutil.Fatal("failed to schedule graph", err)
		}

		next, _ := chrono.Next(g.Schedule, time.Now())
		slog.Info("graph scheduled", "graph", g.Id, "schedule", g.Schedule, "timezone", location.String(), "next", next)

		<-ctx.Done()
		slog.Info("shutting down, waiting for the running graph to finish")
		<-cron.Stop().Done()
	},
}
