// Command tandemd is the tandem server daemon: it owns one repository's
// object store, operation/view store, and head authority, and exposes
// them over the C4 RPC transport (spec.md §2, §4.4).
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/laulauland/tandem/pkg/config"
	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/rpcserver"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tandemd",
	Short:   "tandemd serves a tandem repository over RPC",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("listen", "", "Override listenAddr")
	serveCmd.Flags().String("data-dir", "", "Override dataDir")
	serveCmd.Flags().String("log-level", "", "Override logLevel (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = log.Level(v)
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = v
	}

	log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
	logger := log.WithRepo(cfg.RepoID)

	backend, err := rpcserver.OpenBackend(cfg.DataDir, Version)
	if err != nil {
		return err
	}
	defer backend.Close()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			logger.Warn().Err(err).Msg("metrics server exited")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info().Str("addr", cfg.ListenAddr).Str("data_dir", cfg.DataDir).Msg("tandemd listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go rpcserver.Serve(nc, backend)
	}
}
