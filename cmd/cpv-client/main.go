// Command cpv-client runs one client relay process: it dials every
// configured verifier and forwards timestamps between them, driven either
// interactively or via a subcommand.
package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cpvnet/cpv/internal/clientnode"
	"github.com/cpvnet/cpv/internal/config"
	"github.com/cpvnet/cpv/internal/metrics"
	"github.com/cpvnet/cpv/internal/repl"
)

var (
	configPath string
	logLevel   string
)

func bringUp() (*config.Config, *clientnode.Node) {
	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %s", logLevel)
	}

	if configPath == "" {
		log.Fatal("--config is required")
	}
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	var stats *metrics.Stats
	if cfg.MetricsAddr != "" {
		st, reg := metrics.New()
		stats = st
		go func() {
			if err := st.Serve(cfg.MetricsAddr, reg); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	node := clientnode.New(cfg, stats)
	if err := node.ConnectToServers(); err != nil {
		log.Errorf("connecting to verifiers: %v", err)
	}
	return cfg, node
}

var rootCmd = &cobra.Command{
	Use:   "cpv-client",
	Short: "runs a client presence verification client relay",
	Run: func(cmd *cobra.Command, args []string) {
		_, node := bringUp()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Infof("received %s, shutting down", sig)
			node.Shutdown()
			os.Exit(0)
		}()

		repl.RunClient(node, os.Stdin, os.Stdout)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "print the currently connected verifiers, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		_, node := bringUp()
		node.List()
		node.Shutdown()
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "dial every configured verifier, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		_, node := bringUp()
		node.Shutdown()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the node's YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")

	rootCmd.AddCommand(listCmd, connectCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
