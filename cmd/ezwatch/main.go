package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezwatch/pkg/config"
	"github.com/easzlab/ezwatch/pkg/kvstore"
	"github.com/easzlab/ezwatch/pkg/ledger"
	"github.com/easzlab/ezwatch/pkg/reconcile"
	"github.com/easzlab/ezwatch/pkg/server"
	"github.com/easzlab/ezwatch/pkg/snapshot"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ezwatch",
		Short:        "ezwatch - firewall rule change monitor",
		Long:         "Watches the host firewall rule store and reports rules added, modified or removed by other programs.",
		RunE:         runDaemon,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezwatch/ezwatch.yaml", "path to config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newAckCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the pass result as JSON")
	return cmd
}

func newAckCommand() *cobra.Command {
	var all, clear, list bool
	cmd := &cobra.Command{
		Use:   "ack [id...]",
		Short: "Acknowledge reported rules so they are no longer reported",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAck(args, all, clear, list)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "acknowledge every rule currently reported as new or modified")
	cmd.Flags().BoolVar(&clear, "clear", false, "forget all acknowledgments")
	cmd.Flags().BoolVar(&list, "list", false, "list acknowledged identifiers")
	cmd.MarkFlagsMutuallyExclusive("all", "clear", "list")
	return cmd
}

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect the warm-start snapshot",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the identifiers checkpointed by the last pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Delete the snapshot so the next start is a cold start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(true)
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezwatch version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("starting ezwatch",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger, server.WithLevel(level))
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce performs a single pass and exits. Changes are logged, or printed as
// JSON when asJSON is set.
func runOnce(asJSON bool) error {
	logger, level := newLogger()
	defer logger.Sync()

	opts := []server.Option{server.WithLevel(level)}
	if asJSON {
		opts = append(opts, server.WithReporter(func(*reconcile.Result) {}))
	}
	srv, err := server.NewServer(configPath, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	result, err := srv.RunOnce(context.Background())
	if err != nil {
		return err
	}
	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}
	logger.Info("pass finished",
		zap.Int("new", result.Count(reconcile.KindNew)),
		zap.Int("modified", result.Count(reconcile.KindModified)),
		zap.Int("deleted", result.Count(reconcile.KindDeleted)),
	)
	return nil
}

func runAck(ids []string, all, clear, list bool) error {
	logger, level := newLogger()
	defer logger.Sync()

	if all {
		srv, err := server.NewServer(configPath, logger,
			server.WithLevel(level), server.WithReporter(func(*reconcile.Result) {}))
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		result, err := srv.RunOnce(context.Background())
		if err != nil {
			return err
		}
		for _, change := range result.Changes {
			if change.Kind != reconcile.KindDeleted {
				ids = append(ids, change.ID())
			}
		}
		srv.Ledger().AcknowledgeAll(ids)
		fmt.Printf("acknowledged %d rules\n", len(ids))
		return nil
	}

	store, err := openStateStore(logger)
	if err != nil {
		return err
	}
	acks := ledger.New(store, logger.Named("ledger"))

	switch {
	case clear:
		acks.Clear()
		fmt.Println("acknowledgments cleared")
	case list:
		for _, id := range acks.List() {
			fmt.Println(id)
		}
	case len(ids) == 0:
		return fmt.Errorf("no identifiers given, use --all to acknowledge every reported rule")
	default:
		acks.AcknowledgeAll(ids)
		fmt.Printf("acknowledged %d rules\n", len(ids))
	}
	return nil
}

func runSnapshot(remove bool) error {
	logger, _ := newLogger()
	defer logger.Sync()

	store, err := openStateStore(logger)
	if err != nil {
		return err
	}
	snapshots := snapshot.NewStore(store, logger.Named("snapshot"))

	if remove {
		if err := snapshots.Delete(); err != nil {
			return fmt.Errorf("failed to delete snapshot: %w", err)
		}
		fmt.Println("snapshot deleted")
		return nil
	}
	if !snapshots.Exists() {
		fmt.Println("no snapshot")
		return nil
	}
	for _, id := range snapshots.Load().Values() {
		fmt.Println(id)
	}
	return nil
}

// openStateStore opens the state directory named by the config file.
func openStateStore(logger *zap.Logger) (*kvstore.Store, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store, err := kvstore.NewStore(configMgr.GetConfig().Global.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state directory: %w", err)
	}
	return store, nil
}

// newLogger creates a production zap logger with console encoding for readability.
// The returned level follows global.log_level once the config is loaded.
func newLogger() (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}
