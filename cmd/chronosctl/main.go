package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/router"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "chronosctl",
	Short:   "Operational tooling for a Chronos-DB deployment",
	Long:    `chronosctl is a thin CLI for index provisioning, lock reaping, and fallback queue inspection against a running Chronos-DB configuration. It is an ops surface, not a request-serving server.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("chronosctl version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to the Chronos-DB YAML configuration file (required)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.PersistentFlags().String("database-type", "metadata", "databaseType to route against (metadata, knowledge, runtime, logs, messaging, identities)")
	rootCmd.PersistentFlags().String("tier", "generic", "tier to route against (generic, domain, tenant)")
	rootCmd.PersistentFlags().String("tenant-id", "", "tenantId, required when --tier=tenant")
	rootCmd.PersistentFlags().String("domain", "", "domain, required when --tier=domain")
	rootCmd.PersistentFlags().String("collection", "", "logical collection name (required)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(fallbackCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	chronolog.Init(chronolog.Config{
		Level:      chronolog.Level(level),
		JSONOutput: jsonOut,
	})
}

// loadRouter decodes the configured YAML file and builds a Router over it.
func loadRouter(cmd *cobra.Command) (*config.Config, *router.Router, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := router.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, r, nil
}

// routeContextFromFlags builds a router.RouteContext from the persistent
// routing flags shared by every subcommand.
func routeContextFromFlags(cmd *cobra.Command) (router.RouteContext, error) {
	databaseType, _ := cmd.Flags().GetString("database-type")
	tier, _ := cmd.Flags().GetString("tier")
	tenantID, _ := cmd.Flags().GetString("tenant-id")
	domain, _ := cmd.Flags().GetString("domain")
	collection, _ := cmd.Flags().GetString("collection")
	if collection == "" {
		return router.RouteContext{}, fmt.Errorf("--collection is required")
	}
	return router.RouteContext{
		DatabaseType: router.DatabaseType(databaseType),
		Tier:         router.Tier(tier),
		TenantID:     tenantID,
		Domain:       domain,
		Collection:   collection,
	}, nil
}

// indexedPropsFor looks up the indexedProps configured for collection,
// falling back to none if the collection has no collectionMaps entry.
func indexedPropsFor(cfg *config.Config, collection string) []string {
	if cm, ok := cfg.CollectionMaps[collection]; ok {
		return cm.IndexedProps
	}
	return nil
}
