package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronos-db/pkg/repository"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage document-store indexes",
}

var indexEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Idempotently create every index a collection's head/version/counter/lock physical collections need",
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
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure indexes: %w", err)
		}

		fmt.Printf("indexes ensured for %s.%s (database %q)\n", rc.DatabaseType, rc.Collection, route.DatabaseName)
		return nil
	},
}

func init() {
	indexCmd.AddCommand(indexEnsureCmd)
}
