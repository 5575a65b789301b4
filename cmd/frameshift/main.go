// Command frameshift runs one FrameShift node: the SQLite-backed
// transcoding queue, the HTTP API, and (per INSTANCE_TYPE) the leader
// or follower side of the cluster protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SeriousBug/frame-shift-video-sub000/config"
	"github.com/SeriousBug/frame-shift-video-sub000/logger"
	"github.com/SeriousBug/frame-shift-video-sub000/node"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "frameshift",
	Short: "Self-hosted video transcoding service",
	Long: `FrameShift queues and runs video transcodes, either on a single
node or distributed across a leader and its followers. Configuration
comes from the environment (INSTANCE_TYPE, PORT, SHARED_TOKEN,
FOLLOWER_URLS, FRAME_SHIFT_HOME, ...) or an optional config file.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if err := logger.Initialize(cfg.LogJSON); err != nil {
		return err
	}
	log := logger.Named("frameshift")
	log.Infow("Starting FrameShift",
		"instance_type", cfg.InstanceType,
		"port", cfg.Port,
	)

	runtime, err := node.New(cfg, log)
	if err != nil {
		return err
	}
	return runtime.Run()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
