package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hearthbot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot until SIGINT/SIGTERM",
	RunE:  runBot,
}

func runBot(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	// no overall deadline: Stop waits for in-flight handlers and agent calls
	_ = a.Stop(context.Background(), reason)
	return a.Err()
}
