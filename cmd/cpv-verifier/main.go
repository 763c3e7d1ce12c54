// Command cpv-verifier runs one verifier node: it binds its listener, dials
// its configured peers, and then either drives an interactive REPL or, when
// a subcommand is given, performs a single operation non-interactively.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cpvnet/cpv/internal/config"
	"github.com/cpvnet/cpv/internal/delaylog"
	"github.com/cpvnet/cpv/internal/measure"
	"github.com/cpvnet/cpv/internal/metrics"
	"github.com/cpvnet/cpv/internal/repl"
	"github.com/cpvnet/cpv/internal/supervisor"
)

var (
	configPath string
	logLevel   string
	iterFlag   string
)

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// bringUp loads config and wires a running Supervisor, shared by the REPL
// and every non-interactive subcommand. The returned cleanup closes the
// delay log sinks and must be called once the node is done running.
func bringUp(ctx context.Context) (cfg *config.Config, sup *supervisor.Supervisor, cleanup func()) {
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
	c, err := config.ReadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg = c
	if cfg.ListenAddr == "" {
		log.Fatal("listen_addr is required for a verifier")
	}

	mpSink, err := delaylog.Open(cfg.MPLogPath)
	if err != nil {
		log.Fatalf("opening MP delay log: %v", err)
	}
	avSink, err := delaylog.Open(cfg.AVLogPath)
	if err != nil {
		log.Fatalf("opening AV delay log: %v", err)
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

	orch := measure.New(cfg.SelfID, cfg.SettleDelay, nowSeconds, mpSink, avSink)
	sup = supervisor.New(cfg, orch, stats)

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("starting listener: %v", err)
	}
	if err := sup.ConnectToPeers(ctx); err != nil {
		log.Errorf("connecting to peers: %v", err)
	}

	cleanup = func() {
		if err := mpSink.Close(); err != nil {
			log.Debugf("closing MP delay log: %v", err)
		}
		if err := avSink.Close(); err != nil {
			log.Debugf("closing AV delay log: %v", err)
		}
	}
	return cfg, sup, cleanup
}

var rootCmd = &cobra.Command{
	Use:   "cpv-verifier",
	Short: "runs a client presence verification verifier node",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		_, sup, cleanup := bringUp(ctx)
		defer cleanup()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Infof("received %s, shutting down", sig)
			sup.Shutdown()
			os.Exit(0)
		}()

		repl.RunVerifier(ctx, sup, os.Stdin, os.Stdout)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "print the current peer and client link table, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		_, sup, cleanup := bringUp(context.Background())
		defer cleanup()
		sup.List()
		sup.Shutdown()
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "dial every configured peer, then exit",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		_, sup, cleanup := bringUp(ctx)
		defer cleanup()
		if err := sup.ConnectToPeers(ctx); err != nil {
			log.Errorf("connecting to peers: %v", err)
		}
		sup.Shutdown()
	},
}

var measureDelaysCmd = &cobra.Command{
	Use:   "measure-delays",
	Short: "broadcast a new measurement session and run it to completion",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, sup, cleanup := bringUp(ctx)
		defer cleanup()
		n, err := repl.ParseIterations(iterFlag)
		if err != nil {
			log.Fatalf("bad --iterations value: %v", err)
		}
		if iterFlag == "" {
			n = cfg.Iterations
		}
		sessionID, err := sup.BroadcastStart(ctx, n)
		if err != nil {
			log.Errorf("measure-delays: %v", err)
		} else {
			log.Infof("completed session %s", sessionID)
		}
		sup.Shutdown()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the node's YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level: debug, info, warning, error")
	measureDelaysCmd.Flags().StringVar(&iterFlag, "iterations", "", "override the configured iteration count")

	rootCmd.AddCommand(listCmd, connectCmd, measureDelaysCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
