package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/fallback"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
)

var fallbackCmd = &cobra.Command{
	Use:   "fallback",
	Short: "Inspect and drain the fallback operation queue",
}

var fallbackDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay every due fallback operation once, applying the configured backoff/dead-letter policy to failures",
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

		locks := lock.New(db.Collection(rc.Collection+"_locks"), "chronosctl", lock.DefaultTTL)

		eng := engine.New(repo, route.Blob, locks, route.Doc, nil, nil, engine.Options{
			Collection:          rc.Collection,
			Buckets:             engine.Buckets(route.Buckets),
			CollectionMap:       cfg.CollectionMaps[rc.Collection],
			VersioningEnabled:   cfg.Versioning.Enabled,
			LogicalDelete:       cfg.LogicalDelete.Enabled,
			TransactionsEnabled: cfg.Transactions.Enabled,
			DevShadow:           cfg.DevShadow,
			ServerID:            "chronosctl",
		})

		store := fallback.NewStore(db.Collection("_fallback"), db.Collection("_fallback_dead"))
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure fallback indexes: %w", err)
		}

		worker := fallback.NewWorker(store, resolveSingleEngine(eng, rc.Collection), cfg.Fallback, time.Second)
		if err := worker.ProcessDue(ctx); err != nil {
			return fmt.Errorf("process due fallback operations: %w", err)
		}

		fmt.Printf("fallback drain pass completed for %s.%s (database %q)\n", rc.DatabaseType, rc.Collection, route.DatabaseName)
		return nil
	},
}

var fallbackDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered fallback operations as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, r, err := loadRouter(cmd)
		if err != nil {
			return err
		}
		rc, err := routeContextFromFlags(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := context.Background()
		route, err := r.Resolve(ctx, rc)
		if err != nil {
			return err
		}
		defer r.Shutdown(ctx)

		db := route.Doc.Database(route.DatabaseName)
		store := fallback.NewStore(db.Collection("_fallback"), db.Collection("_fallback_dead"))

		items, err := store.ListDeadLetters(ctx, limit)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	},
}

func init() {
	fallbackDeadLettersCmd.Flags().Int("limit", 100, "maximum number of dead-lettered operations to return")
	fallbackCmd.AddCommand(fallbackDrainCmd)
	fallbackCmd.AddCommand(fallbackDeadLettersCmd)
}

// resolveSingleEngine returns an EngineResolver bound to one already-built
// Engine, rejecting any FallbackOperation whose Collection doesn't match -
// a drain pass is scoped to the one collection its routing flags named.
func resolveSingleEngine(eng *engine.Engine, collection string) fallback.EngineResolver {
	return func(c string) (*engine.Engine, error) {
		if c != collection {
			return nil, fmt.Errorf("chronosctl fallback drain is scoped to collection %q, got %q", collection, c)
		}
		return eng, nil
	}
}
