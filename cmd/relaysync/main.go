// Command relaysync keeps a local database in sync across devices through a
// message relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/relaysync/internal/cancel"
	"github.com/steveyegge/relaysync/internal/chain"
	"github.com/steveyegge/relaysync/internal/config"
	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/logging"
	"github.com/steveyegge/relaysync/internal/ratelimit"
	"github.com/steveyegge/relaysync/internal/relay"
	"github.com/steveyegge/relaysync/internal/transfer"
)

var (
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logs    *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "relaysync",
	Short: "Sync a local database across devices through a message relay",
	Long: `relaysync keeps a local SQLite database consistent across devices using a
rate-limited message relay as the only shared medium.

Local changes are recorded as log records and appended to an encrypted chain
anchored by the relay's pinned message. Large payloads travel as chunked,
resumable transfers spread over several relay tokens.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		flags := cmd.Root().PersistentFlags()
		if err := v.BindPFlag("db_path", flags.Lookup("db")); err != nil {
			return err
		}
		if err := v.BindPFlag("log.quiet", flags.Lookup("quiet")); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}
		logs = logging.New(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Quiet:      cfg.Log.Quiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "transfer", Title: "Transfer Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./relaysync.yaml or ~/.config/relaysync/relaysync.yaml)")
	flags.String("db", "", "database path (overrides db_path)")
	flags.BoolP("quiet", "q", false, "suppress log output on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openDB opens (creating if needed) the configured database.
func openDB(ctx context.Context) *db.DB {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatalf("failed to create %s: %v", dir, err)
		}
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		database.Close()
		fatalf("initializing schema: %v", err)
	}
	return database
}

// runtime wires the relay stack to the local database.
type runtime struct {
	db       *db.DB
	recorder *db.Recorder
	limiter  *ratelimit.Limiter
	balancer *ratelimit.Balancer
	pool     *relay.StaticPool
	cancel   *cancel.Registry
	engine   *chain.Engine
	manager  *transfer.Manager
}

// newRuntime validates the relay settings and builds every component.
// onProgress, when set, receives transfer progress.
func newRuntime(ctx context.Context, onProgress func(transfer.Progress)) *runtime {
	if err := cfg.Validate(); err != nil {
		fatalf("invalid configuration:\n%v", err)
	}

	rt := &runtime{db: openDB(ctx), cancel: cancel.NewRegistry()}

	var err error
	rt.recorder, err = db.NewRecorder(ctx, rt.db, nil)
	if err != nil {
		rt.Close()
		fatalf("%v", err)
	}

	clients := make(map[string]relay.Client, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		bot, err := relay.NewBotClient(relay.BotConfig{Token: token, BaseURL: cfg.APIURL})
		if err != nil {
			rt.Close()
			fatalf("creating relay client: %v", err)
		}
		clients[token] = bot
	}
	rt.pool = relay.NewStaticPool(cfg.Tokens, func(token string) relay.Client { return clients[token] })

	rt.limiter = ratelimit.NewLimiter(ratelimit.Config{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window})
	rt.balancer, err = ratelimit.NewBalancer(cfg.Tokens, rt.limiter)
	if err != nil {
		rt.Close()
		fatalf("creating balancer: %v", err)
	}

	// Chain sync always uses the first token.
	chainClient := relay.NewLimited(clients[cfg.Tokens[0]], rt.limiter, cfg.Tokens[0])
	rt.engine, err = chain.New(chainClient, rt.db, chain.Config{
		Dest:     cfg.Dest,
		Password: cfg.Password,
		DeviceID: rt.recorder.DeviceID(),
		Logger:   logs.Logger("sync"),
		Cancel:   rt.cancel,
	})
	if err != nil {
		rt.Close()
		fatalf("creating sync engine: %v", err)
	}

	rt.manager, err = transfer.NewManager(rt.pool, rt.balancer, transfer.Config{
		Dest:        cfg.StorageDest,
		ChunkSize:   cfg.Transfer.ChunkSize,
		MaxRetries:  cfg.Transfer.MaxRetries,
		BaseBackoff: cfg.Transfer.BaseBackoff,
		Logger:      logs.Logger("transfer"),
		Store:       rt.db,
		Cancel:      rt.cancel,
		OnProgress:  onProgress,
	})
	if err != nil {
		rt.Close()
		fatalf("creating transfer manager: %v", err)
	}
	return rt
}

// Close releases the balancer and the database.
func (rt *runtime) Close() {
	if rt.balancer != nil {
		rt.balancer.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}
