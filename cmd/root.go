package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/identity"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/worker"
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// Logger is the process-wide structured logger
	Logger *zap.Logger
	// DB is the attendance event store. It is nil when no database is configured.
	DB *store.Store

	cfgPath string
	dbURL   string
)

// errNoDatabase is returned by commands that need Postgres when none is configured.
var errNoDatabase = errors.New("no database configured (use --db, DATABASE_URL or POSTGRES_HOST)")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Face recognition attendance with liveness checks",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		Logger, err = logging.New(Cfg.Logging.Level, Cfg.Logging.Format)
		if err != nil {
			return err
		}

		if dbURL == "" {
			dbURL = Cfg.Database.URL
		}
		// If nothing was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = databaseURLFromEnv()
		}
		if dbURL == "" {
			Logger.Debug("no database configured, attendance events are logged only")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), dbURL, Cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (overrides DATABASE_URL)")
}

// databaseURLFromEnv assembles a connection string from POSTGRES_* variables.
func databaseURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// openIdentities loads the identity store described by the configuration.
func openIdentities(cfg *config.Config, logger *zap.Logger) (*identity.Store, error) {
	opts := []identity.Option{
		identity.WithPath(cfg.Recognition.DatabasePath),
		identity.WithLogger(logger),
	}
	if cfg.Recognition.IndexEnabled {
		opts = append(opts, identity.WithIndex(
			identity.NewIndex(cfg.Recognition.IndexCandidates, cfg.Recognition.IndexMinIdentities)))
	}
	s := identity.NewStore(cfg.Recognition.EmbeddingDim, opts...)
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// startEngine launches the ML engine process.
func startEngine(cfg *config.Config, logger *zap.Logger) (*worker.PythonWorker, error) {
	return worker.NewPythonWorker(0, worker.Options{
		Python:      cfg.Engine.Python,
		Script:      cfg.Engine.Script,
		Device:      cfg.Engine.Device,
		PingTimeout: cfg.Engine.PingTimeout,
		Logger:      logger,
	})
}

// newPipeline loads identities, starts the engine and wires both into a
// pipeline. The returned close func stops the engine.
func newPipeline(ctx context.Context, opts ...pipeline.Option) (*pipeline.Pipeline, func(), error) {
	ids, err := openIdentities(Cfg, Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load identities: %w", err)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := startEngine(Cfg, Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start AI engine: %w", err)
	}

	opts = append([]pipeline.Option{pipeline.WithLogger(Logger)}, opts...)
	p := pipeline.New(ctx, Cfg.PipelineConfig(),
		pipeline.Adapters{Detector: w, Liveness: w, Embedder: w}, ids, opts...)
	if err := p.ReadyErr(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("%w: %v%s", pipeline.ErrNotReady, err, engineLogs(w))
	}
	return p, w.Close, nil
}

func engineLogs(w *worker.PythonWorker) string {
	if w.Cmd == nil || w.Cmd.Stderr.Len() == 0 {
		return ""
	}
	return "\nPYTHON LOGS:\n" + w.Cmd.Stderr.String()
}
