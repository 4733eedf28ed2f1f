package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronos-db/pkg/lock"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect and reap item locks",
}

var lockReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one lock-reaping pass over a collection's expired transaction locks",
	Long:  `Deletes every expired lock in the collection's _locks collection, the same pass the background Reaper performs on its ticker. Since a reaped CREATE lock has no durably captured payload, reaped locks are only dead-lettered for audit, never auto-retried, when the reap surfaces a fallback-capable issue via a running fallback worker - this one-shot pass does not enqueue fallbacks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, r, err := loadRouter(cmd)
		if err != nil {
			return err
		}
		rc, err := routeContextFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx := context.Background()
		route, err := r.Resolve(ctx, rc)
		if err != nil {
			return err
		}
		defer r.Shutdown(ctx)

		locksColl := route.Doc.Database(route.DatabaseName).Collection(rc.Collection + "_locks")
		reaper := lock.NewReaper(locksColl, time.Minute, nil)
		if err := reaper.Sweep(ctx); err != nil {
			return fmt.Errorf("sweep locks: %w", err)
		}

		fmt.Printf("lock reap pass completed for %s.%s (database %q)\n", rc.DatabaseType, rc.Collection, route.DatabaseName)
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockReapCmd)
}
