package main

import (
	"github.com/spf13/cobra"

	"github.com/webhookscc/hookload/internal/config"
	"github.com/webhookscc/hookload/internal/harness"
)

var (
	cleanupStoreURL  string
	cleanupRedisAddr string
	cleanupRedisDB   int
)

var cleanupCmd = &cobra.Command{
	Use:          "cleanup",
	Short:        "Delete seeded test data and flush the cache without running a test",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.StoreURL = cleanupStoreURL
		cfg.RedisAddr = cleanupRedisAddr
		cfg.RedisDB = cleanupRedisDB

		h, err := harness.New(cfg)
		if err != nil {
			return err
		}
		return h.CleanupOnly(cmd.Context())
	},
}

func init() {
	def := config.Default()
	cleanupCmd.Flags().StringVar(&cleanupStoreURL, "store-url", def.StoreURL, "Durable store base URL")
	cleanupCmd.Flags().StringVar(&cleanupRedisAddr, "redis-addr", def.RedisAddr, "Cache (Redis) address")
	cleanupCmd.Flags().IntVar(&cleanupRedisDB, "redis-db", 0, "Cache (Redis) database number")
	rootCmd.AddCommand(cleanupCmd)
}
