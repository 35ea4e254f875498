// Command crumbled runs the substrate as a long-lived HTTP daemon: one
// store root, one metastore backend, one wazero engine, shared across every
// session a client opens against it (§5). Structured the way the teacher's
// cmd/kms-server/main.go wires a cli.App: flags parsed into a config,
// handed to a constructor, then Start/block-until-signal.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/crumblevm/crumble/pkg/config"
	"github.com/crumblevm/crumble/pkg/engine"
	"github.com/crumblevm/crumble/pkg/logging"
	"github.com/crumblevm/crumble/pkg/metastore"
	"github.com/crumblevm/crumble/pkg/metastore/badger"
	"github.com/crumblevm/crumble/pkg/metastore/memory"
	"github.com/crumblevm/crumble/pkg/metastore/redis"
	"github.com/crumblevm/crumble/pkg/server"
	"github.com/crumblevm/crumble/pkg/store"
)

func main() {
	app := &cli.App{
		Name:  "crumbled",
		Usage: "content-addressed contract execution daemon",
		Description: `Runs the CoW-memory, Merkle-committed contract substrate as an HTTP
service: deploy, call, migrate and commit contracts against a shared,
content-addressed store root over any number of concurrently open
sessions.`,
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   ":7420",
				Usage:   "HTTP listen address",
				EnvVars: []string{"CRUMBLE_ADDR"},
			},
			&cli.StringFlag{
				Name:    "store-root",
				Value:   "./crumble-store",
				Usage:   "root directory of the commit store",
				EnvVars: []string{"CRUMBLE_STORE_ROOT"},
			},
			&cli.StringFlag{
				Name:    "engine-cache-dir",
				Value:   "./crumble-store/engine-cache",
				Usage:   "wazero compilation cache directory (an empty value falls back to the default)",
				EnvVars: []string{"CRUMBLE_ENGINE_CACHE_DIR"},
			},
			&cli.StringFlag{
				Name:    "metastore",
				Value:   "memory",
				Usage:   "metastore backend: memory, badger, or redis",
				EnvVars: []string{"CRUMBLE_METASTORE"},
			},
			&cli.StringFlag{
				Name:    "metastore-dsn",
				Usage:   "backend-specific connection string (badger: data dir, redis: host:port)",
				EnvVars: []string{"CRUMBLE_METASTORE_DSN"},
			},
			&cli.IntFlag{
				Name:  "gas-reserve-percent",
				Value: config.DefaultGasReservePercent,
				Usage: "percent of a caller's remaining gas reserved for a callee with no explicit limit",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "enable development-mode (human-readable) logging",
				EnvVars: []string{"CRUMBLE_VERBOSE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file; explicit flags above still override its fields",
				EnvVars: []string{"CRUMBLE_CONFIG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("crumbled: %v", err)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New(c.Bool("verbose"))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if c.IsSet("store-root") || cfg.StoreRoot == "" {
		cfg.StoreRoot = c.String("store-root")
	}
	if c.IsSet("engine-cache-dir") || cfg.EngineCacheDir == "" {
		cfg.EngineCacheDir = c.String("engine-cache-dir")
	}
	if c.IsSet("gas-reserve-percent") || cfg.GasReservePercent == 0 {
		cfg.GasReservePercent = c.Int("gas-reserve-percent")
	}
	if c.IsSet("metastore") || cfg.MetaStoreBackend == "" {
		cfg.MetaStoreBackend = c.String("metastore")
	}
	if c.IsSet("metastore-dsn") || cfg.MetaStoreDSN == "" {
		cfg.MetaStoreDSN = c.String("metastore-dsn")
	}
	cfg = cfg.WithDefaults()

	st, err := store.Open(cfg.StoreRoot, logging.WithComponent(logger, "store"))
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.StoreRoot, err)
	}

	meta, err := openMetastore(cfg, logging.WithComponent(logger, "metastore"))
	if err != nil {
		return fmt.Errorf("opening metastore backend %q: %w", cfg.MetaStoreBackend, err)
	}
	defer meta.Close() //nolint:errcheck

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg.EngineCacheDir, uint32(cfg.ArgBufLen))
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close(ctx) //nolint:errcheck

	srv := server.New(cfg, st, meta, eng, logging.WithComponent(logger, "server"), c.String("addr"))
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	logger.Sugar().Infow("crumbled running", "addr", c.String("addr"), "store_root", cfg.StoreRoot, "metastore", cfg.MetaStoreBackend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func openMetastore(cfg config.Config, logger *zap.Logger) (metastore.Store, error) {
	switch cfg.MetaStoreBackend {
	case "", "memory":
		return memory.New(), nil
	case "badger":
		dir := cfg.MetaStoreDSN
		if dir == "" {
			dir = cfg.StoreRoot + "/metastore"
		}
		return badger.New(dir, logger)
	case "redis":
		return redis.New(&redis.Config{Address: cfg.MetaStoreDSN}, logger)
	default:
		return nil, fmt.Errorf("unknown metastore backend %q", cfg.MetaStoreBackend)
	}
}
