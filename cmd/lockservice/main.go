// Command lockservice runs a standalone lock service peer. Orderbook nodes
// started without an embedded lock service find it through the announce topic.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/util"
	"github.com/uhyunpark/peerbook/pkg/wire"
)

func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := util.NewLogger(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar().With("node", cfg.Node.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr:  cfg.P2P.ListenAddr,
		Bootstrap:   cfg.P2P.Bootstrap,
		Timeout:     cfg.P2P.RPCTimeout,
		AnnounceTTL: cfg.AnnounceTTL(),
		Logger:      sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()

	table := lock.NewTable(cfg.Lock.LeaseTTL, util.RealClock{}, sugar)
	svc := lock.NewService(table, sugar)
	if err := svc.Register(ctx, net); err != nil {
		sugar.Fatalw("lock_service_register_failed", "err", err)
	}
	m := metrics.New(cfg.Node.Name)
	sugar.Infow("lock_service_started", "peer", net.ID(), "addrs", net.Addrs(), "lease_ttl", cfg.Lock.LeaseTTL)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, cfg.P2P.AnnounceInterval, func() {
			if err := net.Announce(ctx, wire.LockService); err != nil {
				sugar.Warnw("announce_failed", "err", err)
			}
		})
	})
	if cfg.Lock.LeaseTTL > 0 {
		g.Go(func() error {
			return every(ctx, cfg.Lock.SweepInterval, func() {
				table.Sweep()
				m.LocksHeld.Set(float64(table.Len()))
			})
		})
	}
	if cfg.API.Addr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.API.Addr, m) })
	}

	if err := g.Wait(); err != nil {
		sugar.Errorw("lock_service_failed", "err", err)
		return
	}
	sugar.Infow("lock_service_stopped")
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
