package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"parfum.shop/internal/auth"
	"parfum.shop/internal/backend"
	"parfum.shop/internal/config"
	"parfum.shop/internal/httpapi"
	"parfum.shop/internal/obs"
)

var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("parfum-auth stopped", "err", err)
		os.Exit(1)
	}
}

// run owns every resource of the process so deferred cleanup completes before
// main decides the exit code.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	obs.ConfigureLogger(os.Stdout, cfg.Development())
	obs.Init()
	obs.InitBuildInfo(version, cfg.Storage.Backend)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("close storage", "err", err)
		}
	}()

	creds, err := auth.NewCredentials(store.Users,
		auth.WithHashCost(cfg.BcryptCost),
		auth.WithLookupTimeout(cfg.Storage.Timeout),
	)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	tokens, err := auth.NewTokenService(cfg.AccessSecret, cfg.RefreshSecret, store.Revocations,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithRevocationTimeout(cfg.Storage.Timeout),
		auth.WithUserLookup(store.Users),
		auth.WithRefreshRotation(cfg.RefreshRotation),
	)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	ready := httpapi.ReadyFunc(store.Ping)
	api := httpapi.New(tokens, creds, ready, httpapi.Options{
		Version:      version,
		Development:  cfg.Development(),
		CORSOrigins:  cfg.CORSOrigins,
		MaxBodyBytes: cfg.MaxBodyBytes,
		LoginPerMin:  cfg.LoginPerMin,
		LoginBurst:   cfg.LoginBurst,
		TrustProxy:   cfg.TrustProxy,
	})

	go store.RunSweeper(ctx, cfg.Storage.SweepInterval)
	go api.Limiter().RunJanitor(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 2)

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewHealthServer(ready)
		health.Register(grpcSrv)
		go health.Run(ctx, 10*time.Second)
		go func() {
			log.Info("grpc listening", "addr", cfg.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	go func() {
		log.Info("starting parfum-auth", "version", version, "addr", srv.Addr, "store", store.Name, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info("stopped")
	return err
}
