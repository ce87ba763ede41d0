package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MJE43/arena-rewards/internal/api"
	"github.com/MJE43/arena-rewards/internal/app"
	"github.com/MJE43/arena-rewards/internal/config"
	"github.com/MJE43/arena-rewards/internal/ledger"
	"github.com/MJE43/arena-rewards/internal/logging"
	"github.com/MJE43/arena-rewards/internal/pipeline"
	"github.com/MJE43/arena-rewards/internal/store"
	"github.com/MJE43/arena-rewards/internal/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "arenad",
	Short: "arenad - gameplay reports and on-chain rewards",
	Long: `arenad collects gameplay snapshots per player. When a game ends it asks a
chat model for a performance report, generates artwork, mints the earned
reward on-chain and keeps the last report per wallet.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket ingest server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var reportCmd = &cobra.Command{
	Use:   "report [wallet]",
	Short: "Print the last stored report for a wallet",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the minting key in the OS keyring",
}

var keysImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a hex private key from stdin",
	Long: `Reads a hex secp256k1 private key from stdin and stores it in the OS
keyring under --account (default: ledger.key_account). When no keyring
service is available the key is written to ledger.key_file.

Example:
  echo "$MINTER_KEY" | arenad keys import --account minter`,
	Args: cobra.NoArgs,
	RunE: runKeysImport,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the stored key for --account",
	Args:  cobra.NoArgs,
	RunE:  runKeysDelete,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var keyAccount string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	keysCmd.PersistentFlags().StringVar(&keyAccount, "account", "", "Keyring account name")

	keysCmd.AddCommand(keysImportCmd)
	keysCmd.AddCommand(keysDeleteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.Version = api.Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(flushCtx))
	}()

	m, err := app.NewModule(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(m.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runReport(cmd *cobra.Command, args []string) error {
	wallet, err := pipeline.NormalizeWallet(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	rep, ok, err := db.LastReport(ctx, wallet)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no report stored for %s", wallet)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func accountName() string {
	if keyAccount != "" {
		return keyAccount
	}
	return cfg.Ledger.KeyAccount
}

func runKeysImport(cmd *cobra.Command, args []string) error {
	account := accountName()
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return fmt.Errorf("read key from stdin: %w", err)
	}
	addr, err := ledger.NewKeyStore(app.KeyringService, cfg.Ledger.KeyFile).Import(account, line)
	if err != nil {
		return err
	}
	logger.Info("signing key imported", zap.String("account", account), zap.String("address", addr))
	fmt.Fprintln(cmd.OutOrStdout(), addr)
	return nil
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	account := accountName()
	if err := ledger.NewKeyStore(app.KeyringService, cfg.Ledger.KeyFile).Delete(account); err != nil {
		return err
	}
	logger.Info("signing key deleted", zap.String("account", account))
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	v, err := db.Version(ctx)
	if err != nil {
		return err
	}
	logger.Info("database migrated", zap.String("path", cfg.Store.Path), zap.Int64("version", v))
	return nil
}
