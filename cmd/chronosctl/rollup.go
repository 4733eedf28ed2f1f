package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronos-db/pkg/repository"
	"github.com/cuemby/chronos-db/pkg/rollup"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Build the manifest snapshot restore falls back to once a covering version record has been pruned",
}

var rollupBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and write one manifest for the collection at its current collection version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, r, err := loadRouter(cmd)
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

		db := route.Doc.Database(route.DatabaseName)
		repo := repository.New(db, rc.Collection, indexedPropsFor(cfg, rc.Collection))

		sched := rollup.NewScheduler(repo, route.Blob, route.Buckets.Versions, rc.Collection, cfg.Rollup.ManifestPeriod)
		if err := sched.RunOnce(ctx); err != nil {
			return fmt.Errorf("build rollup manifest: %w", err)
		}
		fmt.Printf("rollup manifest written for %s.%s (database %q)\n", rc.DatabaseType, rc.Collection, route.DatabaseName)
		return nil
	},
}

func init() {
	rollupCmd.AddCommand(rollupBuildCmd)
	rootCmd.AddCommand(rollupCmd)
}
