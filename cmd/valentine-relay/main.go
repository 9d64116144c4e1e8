package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan17ux/valentine-iot/internal/config"
	"github.com/jonathan17ux/valentine-iot/internal/delivery"
	"github.com/jonathan17ux/valentine-iot/internal/hub"
	"github.com/jonathan17ux/valentine-iot/internal/metrics"
	"github.com/jonathan17ux/valentine-iot/internal/relay"
	"github.com/jonathan17ux/valentine-iot/internal/store"
	"github.com/jonathan17ux/valentine-iot/internal/store/memstore"
	"github.com/jonathan17ux/valentine-iot/internal/store/mysqlstore"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./relay.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("valentine-relay starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.Strings("pair", cfg.Pair))

	metrics.Register()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	h := hub.New()
	engine := delivery.New(st, &relay.HubPusher{Hub: h}, cfg.PairDevices(), log, delivery.Options{
		AckTimeout:  cfg.Delivery.AckTimeout,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BackoffBase: cfg.Delivery.BackoffBase,
		BackoffCap:  cfg.Delivery.BackoffCap,
	})
	engine.Start(context.Background())
	defer engine.Stop()

	srv := relay.NewServer(cfg, log, st, h, engine)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()

	log.Info("valentine-relay listening", zap.String("addr", cfg.HTTP.Addr))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "mysql":
		return mysqlstore.Open(mysqlstore.Options{
			DSN:    cfg.Store.DSN,
			PairID: store.PairID(cfg.Pair[0], cfg.Pair[1]),
		})
	default:
		return memstore.New(), nil
	}
}
