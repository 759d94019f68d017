// Command meshdb is the CLI host for the engine: `serve` opens the engine
// and blocks, `vacuum`/`reshard`/`stats` are one-shot maintenance operations
// against an existing data directory.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshdb/meshdb/internal/config"
	"github.com/meshdb/meshdb/internal/datadir"
	"github.com/meshdb/meshdb/internal/log"
	"github.com/meshdb/meshdb/pkg/router"
	"github.com/meshdb/meshdb/pkg/shard"
)

var (
	Version = "dev"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meshdb",
	Short:   "meshdb - embedded multimodal database engine",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (defaults if omitted)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vacuumCmd)
	rootCmd.AddCommand(reshardCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func loadConfigAndOpen() (*router.Router, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, config.Config{}, err
	}

	lock, err := datadir.Acquire(cfg.DataDir)
	if err != nil {
		return nil, config.Config{}, err
	}
	_ = lock // released via the process exiting; reshard/vacuum are one-shot

	shardCfg := shard.Config{
		SyncPolicy:     cfg.SyncPolicy(),
		EfConstruction: cfg.HNSW.EfConstruction,
		EfSearch:       cfg.HNSW.EfSearch,
		M:              cfg.HNSW.M,
		AutoLinkK:      cfg.AutoLink.K,
	}

	r, err := router.Open(cfg.DataDir, cfg.ShardTotal, shardCfg, log.WithComponent("router"))
	if err != nil {
		return nil, config.Config{}, err
	}
	return r, cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the engine and block until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := loadConfigAndOpen()
		if err != nil {
			return err
		}
		defer r.Close()

		log.Logger.Info().Int("shards", r.ShardCount()).Msg("meshdb engine open")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		return nil
	},
}

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Rebuild every shard's HNSW graphs and snapshot+truncate its WAL",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := loadConfigAndOpen()
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.Vacuum(); err != nil {
			return err
		}
		fmt.Println("vacuum complete")
		return nil
	},
}

var reshardN int

var reshardCmd = &cobra.Command{
	Use:   "reshard",
	Short: "Resize the shard set and redistribute all data",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := loadConfigAndOpen()
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.Reshard(reshardN); err != nil {
			return err
		}
		fmt.Printf("reshard to %d shards complete\n", reshardN)
		return nil
	},
}

func init() {
	reshardCmd.Flags().IntVar(&reshardN, "shards", 0, "new shard count")
	_ = reshardCmd.MarkFlagRequired("shards")
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-shard statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, _, err := loadConfigAndOpen()
		if err != nil {
			return err
		}
		defer r.Close()

		for i, st := range r.Stats() {
			fmt.Printf("shard %d: docs=%d rows=%d vectors=%d edges=%d wal_lsn=%d\n",
				i, st.DocCount, st.RowCount, st.VectorCount, st.EdgeCount, st.WALLSN)
		}
		return nil
	},
}
