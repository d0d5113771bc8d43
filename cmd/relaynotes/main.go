package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynotes/internal/access"
	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/config"
	"github.com/agentworkforce/relaynotes/internal/feed"
	"github.com/agentworkforce/relaynotes/internal/httpapi"
	"github.com/agentworkforce/relaynotes/internal/keymutex"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/replica"
	"github.com/agentworkforce/relaynotes/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configFile string
	v          *viper.Viper
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.NewViper()}
	cmd := &cobra.Command{
		Use:           "relaynotes",
		Short:         "Offline-first note replica with cloud reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("user", "", "user id the replica belongs to")
	flags.String("token", "", "session access token")
	flags.String("replica", "", "local replica DSN (file://, sqlite://, memory://)")
	flags.String("cloud", "", "cloud DSN (postgres://, memory://)")
	flags.String("feed-url", "", "websocket relay URL for change events")
	flags.String("log-level", "", "log level")
	flags.Bool("log-json", false, "emit JSON logs")
	bindFlags(opts.v, cmd, map[string]string{
		"user":      config.KeyUserID,
		"token":     config.KeyAccessToken,
		"replica":   config.KeyReplicaDSN,
		"cloud":     config.KeyCloudDSN,
		"feed-url":  config.KeyFeedURL,
		"log-level": config.KeyLogLevel,
		"log-json":  config.KeyLogJSON,
	})

	cmd.AddCommand(newServeCommand(opts), newSyncCommand(opts), newStatusCommand(opts))
	return cmd
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for name, key := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		_ = v.BindPFlag(key, flag)
	}
}

func (o *rootOptions) load() (config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, errors.Wrap(err, "build logger")
	}
	return cfg, log, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the replica in sync and serve the local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (empty string keeps the configured value)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for API bearer tokens")
	bindFlags(opts.v, cmd, map[string]string{
		"listen":     config.KeyListenAddr,
		"jwt-secret": config.KeyJWTSecret,
	})
	return cmd
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			eng, err := openEngine(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.coord.Reconcile(cmd.Context(), cfg.Identity())
			if err != nil {
				return err
			}
			return writeOutput(cmd, map[string]any{"result": result, "status": eng.coord.Status()})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local replica status without contacting the cloud",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			eng, err := openEngine(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer eng.Close()
			return writeOutput(cmd, eng.coord.Status())
		},
	}
}

func writeOutput(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// engine is the set of components one replica runs with.
type engine struct {
	cfg      config.Config
	log      *zap.SugaredLogger
	store    *replica.Store
	remote   *cloud.Remote
	feed     cloud.Feed
	coord    *syncer.Coordinator
	listener *feed.Listener
}

func openEngine(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*engine, error) {
	store, err := replica.Open(cfg.ReplicaDSN, cfg.UserID, log)
	if err != nil {
		return nil, errors.Wrap(err, "open replica")
	}
	remote, err := cloud.Open(cfg.CloudDSN, log)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "open cloud")
	}

	eng := &engine{cfg: cfg, log: log, store: store, remote: remote, feed: remote.Feed}
	if cfg.FeedURL != "" {
		eng.feed = feed.NewWebSocketFeed(cfg.FeedURL, cfg.AccessToken, log)
	}

	locks := keymutex.New()
	eng.coord = syncer.New(store, access.NewGate(nil), remote.Store, syncer.Options{
		Logger:            log,
		Locks:             locks,
		OperationTimeout:  cfg.OperationTimeout,
		MaxParallel:       cfg.MaxParallel,
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileJitter:   cfg.ReconcileJitter,
		OfflineRetry:      cfg.OfflineRetry,
		OnScope: func(noteIDs []string) {
			if eng.listener != nil {
				eng.listener.SetScope(noteIDs)
			}
		},
	})
	eng.listener = feed.NewListener(eng.feed, store, locks, eng.coord.FeedHooks(), feed.Options{Logger: log})

	if err := eng.coord.Start(ctx); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func (e *engine) Close() {
	if err := e.remote.Close(); err != nil {
		e.log.Warnw("close cloud", logger.FieldError, err)
	}
	if err := e.store.Close(); err != nil {
		e.log.Warnw("close replica", logger.FieldError, err)
	}
}

func (e *engine) apiServer() *http.Server {
	api := httpapi.NewServerWithConfig(e.coord, httpapi.ServerConfig{
		JWTSecret:    e.cfg.JWTSecret,
		RateLimit:    e.cfg.RateLimit,
		RateBurst:    e.cfg.RateBurst,
		MaxBodyBytes: e.cfg.MaxBodyBytes,
		Feed:         e.feed,
		Logger:       e.log,
	})
	return &http.Server{
		Addr:              e.cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serve(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	identity := cfg.Identity()
	if !identity.Valid() {
		return errors.Mark(errors.New("access_token is required to sync (RELAYNOTES_ACCESS_TOKEN)"), notes.ErrUnauthenticated)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := eng.apiServer()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.coord.Run(gctx, identity) })
	g.Go(func() error { return eng.listener.Run(gctx) })
	g.Go(func() error { return eng.store.WatchExternal(gctx) })
	g.Go(func() error {
		log.Infow("api listening", logger.FieldAddress, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Infow("relaynotes stopped", logger.FieldError, err)
	return err
}
