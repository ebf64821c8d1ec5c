// Command monitord is the monitor daemon: it indexes one or more packet
// capture files, serves a read-only HTTP query API over their parsed struct
// registry and playback state, and streams decoded packets to gRPC clients.
// It loads a YAML configuration file and shuts down gracefully on SIGTERM or
// SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/monitor/internal/api"
	"github.com/tripwire/monitor/internal/config"
	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/playback"
	"github.com/tripwire/monitor/internal/registry"
	"github.com/tripwire/monitor/internal/store/pgregistry"
	"github.com/tripwire/monitor/internal/store/sqliteindex"
	"github.com/tripwire/monitor/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file (required)")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "monitord: --config is required")
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitord: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := runDaemon(cfg, logger); err != nil {
		logger.Error("monitord exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg.ABI.Resolve(), logger)

	var pgStore *pgregistry.Store
	if cfg.Postgres != nil {
		var err error
		pgStore, err = pgregistry.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres registry store: %w", err)
		}
		defer pgStore.Close()
	}

	if len(cfg.StructSources) > 0 {
		if err := parseStructSources(reg, cfg.StructSources); err != nil {
			return err
		}
		if pgStore != nil {
			if err := pgStore.Save(ctx, reg); err != nil {
				return fmt.Errorf("save registry snapshot: %w", err)
			}
			logger.Info("saved registry snapshot to postgres")
		}
	} else if pgStore != nil {
		found, err := pgStore.LoadInto(ctx, reg)
		if err != nil {
			return fmt.Errorf("load registry snapshot: %w", err)
		}
		if !found {
			return fmt.Errorf("no struct_sources configured and no registry snapshot found in postgres")
		}
		logger.Info("restored registry snapshot from postgres")
	}

	var idxStore *sqliteindex.Store
	if cfg.SQLiteIndexPath != "" {
		var err error
		idxStore, err = sqliteindex.Open(cfg.SQLiteIndexPath)
		if err != nil {
			return fmt.Errorf("open sqlite index store: %w", err)
		}
		defer idxStore.Close()
	}

	apiStreams := map[string]*api.Stream{}
	streamSources := map[string]*stream.Source{}
	var engines []*playback.Engine

	for _, sc := range cfg.Streams {
		idx, err := loadOrBuildIndex(ctx, sc, idxStore, logger)
		if err != nil {
			return fmt.Errorf("stream %q: %w", sc.Name, err)
		}

		sink := playback.NewFanOutSink()
		engine := playback.New(logger, nil, sink)
		if err := engine.LoadIndex(sc.Path, idx); err != nil {
			return fmt.Errorf("stream %q: load into engine: %w", sc.Name, err)
		}
		if err := engine.SetLoop(sc.Loop); err != nil {
			return fmt.Errorf("stream %q: set loop: %w", sc.Name, err)
		}
		if sc.Realtime != nil {
			if err := engine.SetRealtime(*sc.Realtime); err != nil {
				return fmt.Errorf("stream %q: set realtime: %w", sc.Name, err)
			}
		}
		if err := engine.SetSpeed(sc.Speed); err != nil {
			return fmt.Errorf("stream %q: set speed: %w", sc.Name, err)
		}

		apiStreams[sc.Name] = &api.Stream{Engine: engine, Index: idx}
		streamSources[sc.Name] = &stream.Source{Engine: engine, Sink: sink}
		engines = append(engines, engine)

		logger.Info("stream ready", slog.String("name", sc.Name), slog.Int("packets", len(idx.Entries)))
	}
	defer func() {
		for _, e := range engines {
			e.Close()
		}
	}()

	pubKey, err := cfg.API.LoadPublicKey()
	if err != nil {
		return fmt.Errorf("load JWT public key: %w", err)
	}
	if pubKey == nil {
		logger.Warn("jwt_public_key_path not configured; API authentication disabled (dev mode)")
	}

	apiSrv := api.NewServer(logger, reg, apiStreams)
	httpServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      api.NewRouter(apiSrv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %q: %w", cfg.GRPC.ListenAddr, err)
	}
	grpcSrv := grpc.NewServer()
	stream.RegisterServer(grpcSrv, stream.NewServer(logger, streamSources))

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", slog.String("addr", cfg.API.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		httpErrCh <- nil
	}()

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC PacketStream listening", slog.String("addr", cfg.GRPC.ListenAddr))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			grpcErrCh <- fmt.Errorf("gRPC server: %w", err)
			return
		}
		grpcErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() { grpcSrv.GracefulStop(); close(stopped) }()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("monitord exited cleanly")
	return nil
}

// parseStructSources parses each source file in order into reg, aggregating
// every parse error across every file into one returned error.
func parseStructSources(reg *registry.Registry, sources []string) error {
	var errs []error
	for _, path := range sources {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %q: %w", path, err))
			continue
		}
		res := reg.Parse(string(data))
		for _, e := range res.Errors {
			errs = append(errs, fmt.Errorf("%s: %w", path, e))
		}
	}
	return errors.Join(errs...)
}

// loadOrBuildIndex resolves sc's index via the SQLite store when configured,
// otherwise via the flat-file sidecar cache (only one of the two is
// consulted), and on a miss runs a full scan persisted to whichever of the
// two is active.
func loadOrBuildIndex(ctx context.Context, sc config.StreamConfig, idxStore *sqliteindex.Store, logger *slog.Logger) (*index.Index, error) {
	if idxStore != nil {
		if idx, ok, err := idxStore.LoadIndex(ctx, sc.Path); err != nil {
			return nil, err
		} else if ok {
			logger.Info("sqlite index cache hit", slog.String("stream", sc.Name))
			return idx, nil
		}
	} else if idx, ok, err := index.LoadCache(sc.Path, sc.CachePath); err != nil {
		return nil, err
	} else if ok {
		logger.Info("index cache hit", slog.String("stream", sc.Name), slog.String("cache", sc.CachePath))
		return idx, nil
	}

	logger.Info("index cache miss; scanning", slog.String("stream", sc.Name), slog.String("path", sc.Path))
	ix := index.New(logger, nil)
	idx, err := ix.Scan(ctx, sc.Path)
	if err != nil {
		return nil, err
	}

	if idxStore != nil {
		if err := idxStore.SaveIndex(sc.Path, idx); err != nil {
			logger.Warn("failed to write sqlite index cache", slog.String("stream", sc.Name), slog.Any("error", err))
		}
	} else if err := index.SaveCache(sc.Path, sc.CachePath, idx); err != nil {
		logger.Warn("failed to write index cache", slog.String("stream", sc.Name), slog.Any("error", err))
	}
	return idx, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
