package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
)

var cleanupOrphansCmd = &cobra.Command{
	Use:   "cleanup-orphans",
	Short: "Delete object-store blobs under an item's prefix that no surviving version record or head references",
	Long:  "cleanup-orphans reconciles an item's snapshot and content blobs against its version records and head. It is the administrative follow-up a hard delete documents needing, and a manual recovery tool for when an automatic compensation delete itself failed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		itemIDFlag, _ := cmd.Flags().GetString("item-id")
		if itemIDFlag == "" {
			return fmt.Errorf("--item-id is required")
		}
		itemID, err := primitive.ObjectIDFromHex(itemIDFlag)
		if err != nil {
			return fmt.Errorf("invalid --item-id: %w", err)
		}

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

		deleted, err := eng.CleanupOrphans(ctx, itemID, rc.Collection)
		if err != nil {
			return fmt.Errorf("cleanup orphans: %w", err)
		}
		fmt.Printf("deleted %d orphaned blob(s) for %s in %s.%s\n", deleted, itemIDFlag, rc.DatabaseType, rc.Collection)
		return nil
	},
}

func init() {
	cleanupOrphansCmd.Flags().String("item-id", "", "hex ObjectID of the item to sweep (required)")
	rootCmd.AddCommand(cleanupOrphansCmd)
}
