package main

import (
	"context"
	"os"

	"covid19-pipeline/cmd/covid19/commands"
	"covid19-pipeline/internal/components/serviceutil"
	"covid19-pipeline/internal/components/telemetry"
)

func main() {
	ctx := serviceutil.SignalContext()

	t, err := telemetry.SetupFromEnv(ctx, "covid19")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}

	code := commands.ExecuteContext(ctx)
	t.Shutdown(context.Background())
	os.Exit(code)
}
