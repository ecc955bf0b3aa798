package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/usecase"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Refresh the corpus and run detection on the configured interval",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	results := make(chan usecase.CycleResult, 1)
	go func() {
		for res := range results {
			if res.Err != nil {
				fmt.Fprintf(os.Stdout, "cycle %s failed: %v\n", res.Trigger.Format("2006-01-02 15:04"), res.Err)
				continue
			}
			printDetection(res.Detection)
		}
	}()

	return application.Watch(ctx, usecase.WatchOptions{
		Acquire: usecase.AcquireOptions{Refresh: true},
	}, results)
}
