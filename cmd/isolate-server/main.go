package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"isolate/backend/local"
	"isolate/core/execution"
	"isolate/core/lifecycle"
	"isolate/core/version"
	"isolate/node/artifacts"
	"isolate/node/auth"
	"isolate/node/config"
	"isolate/node/ledger"
	"isolate/node/logging"
	"isolate/node/registry"
	"isolate/rpc/server"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config")
	listenAddr  = flag.String("listen", "", "Listen address (overrides config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const stopTimeout = 30 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.UserAgent(), "protocol", version.ProtocolVersion)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "isolate-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	led, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer led.Close()

	var wrap func(lifecycle.Builder) lifecycle.Builder
	if cfg.Artifacts.Enabled() {
		store, err := artifacts.NewMinIO(ctx, artifacts.Config{
			Endpoint:  cfg.Artifacts.Endpoint,
			Bucket:    cfg.Artifacts.Bucket,
			Prefix:    cfg.Artifacts.Prefix,
			Region:    cfg.Artifacts.Region,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			UseSSL:    cfg.Artifacts.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		wrap = func(b lifecycle.Builder) lifecycle.Builder { return artifacts.Wrap(b, store, cfg.CacheDir, logger) }
		logger.Info("sharing environments through object storage", zap.String("bucket", cfg.Artifacts.Bucket))
	}

	var inherited []string
	if cfg.Inherit.Enabled {
		inherited, err = local.SitePackages(ctx, cfg.Python)
		if err != nil {
			logger.Warn("could not list local site-packages", zap.Error(err))
		}
	}
	bridgeOpts := cfg.Bridge(inherited)
	bridgeOpts.Logger = logger

	reg := registry.Builtin(registry.Deps{
		Logger:      logger,
		Bridge:      execution.NewBridge(bridgeOpts),
		Observer:    led,
		WrapBuilder: wrap,
	})
	srv := server.New(server.Options{
		Registry: reg,
		Backend: registry.Config{
			CacheDir:        cfg.CacheDir,
			Python:          cfg.Python,
			CondaExecutable: cfg.Conda.Executable,
			CondaHome:       cfg.Conda.Home,
			Lifecycle:       cfg.Lifecycle(),
			RemoteAddress:   cfg.Remote.Address,
			RemoteToken:     cfg.Remote.Token,
			RemoteTarget:    cfg.Remote.Target,
		},
		Kinds:             cfg.Backends,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		History:           led.Store(),
		Logger:            logger,
	})

	var opts []grpc.ServerOption
	if cfg.Auth.Enabled() {
		authn, err := authenticator(ctx, cfg.Auth)
		if err != nil {
			return err
		}
		opts = append(opts,
			grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(authn, logger)),
			grpc.ChainStreamInterceptor(auth.StreamInterceptor(authn, logger)),
		)
	}
	g := grpc.NewServer(opts...)
	srv.Register(g)

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	logger.Info("isolate server listening",
		zap.String("address", lis.Addr().String()),
		zap.Strings("backends", cfg.Backends),
		zap.String("cache_dir", cfg.CacheDir),
		zap.String("version", version.CoreVersion),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info("shutting down")
		done := make(chan struct{})
		go func() {
			g.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			logger.Warn("graceful stop timed out")
			g.Stop()
		}
		return nil
	})
	serveErr := eg.Wait()
	if err := srv.Close(); err != nil {
		logger.Warn("close backends", zap.Error(err))
	}
	return serveErr
}

func openLedger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*ledger.Ledger, error) {
	if cfg.Ledger.DSN == "" {
		return ledger.New(ledger.NewMemoryStore(0), logger), nil
	}
	store, err := ledger.OpenPostgres(ctx, cfg.Ledger.DSN)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return ledger.New(store, logger), nil
}

func authenticator(ctx context.Context, cfg config.AuthConfig) (auth.Authenticator, error) {
	var chain auth.Chain
	if len(cfg.Tokens) > 0 {
		chain = append(chain, auth.NewStaticTokens(cfg.Tokens))
	}
	if cfg.OIDC.Issuer != "" {
		o, err := auth.NewOIDC(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID)
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		chain = append(chain, o)
	}
	return chain, nil
}
