package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hevysync.dev/agent/orchestrator"
)

var skipResumeDialog bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full import of exercises, routines, routine folders, and workouts",
	RunE:  runImport,
}

func init() {
	runCmd.Flags().BoolVar(&skipResumeDialog, "skip-resume-dialog", false, "restart instead of prompting when a prior run left progress behind")
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.tabularStore == nil {
		return fmt.Errorf("no tabular store configured: set --postgres-dsn or HEVYSYNC_POSTGRES_DSN")
	}

	keyOverride := viper.GetString("api_key")

	result, err := a.orch.RunFullImport(ctx, keyOverride, a.setClientAPIKey, a.buildSteps(), skipResumeDialog)
	if err == nil && result.Status == "deferred" {
		fmt.Println("API key saved; import will start shortly")
		result, err = a.orch.AwaitDeferred(ctx)
	}
	printRunResult(result)
	if err != nil {
		if err == orchestrator.ErrAlreadyInProgress || err == orchestrator.ErrCancelledByUser {
			fmt.Println(err)
			return nil
		}
		return err
	}
	return nil
}

func printRunResult(result orchestrator.RunResult) {
	fmt.Printf("status: %s, total_rows: %d, duration: %s\n", result.Status, result.TotalRows, result.Duration)
	for _, sr := range result.Steps {
		status := "ok"
		if sr.Err != "" {
			status = "error: " + sr.Err
		}
		fmt.Printf("  step %-16s rows=%-6d duration=%-10s %s\n", sr.Name, sr.Rows, sr.Duration, status)
	}
}
