package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/peerbook/params"
	"github.com/uhyunpark/peerbook/pkg/api"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/p2p"
	"github.com/uhyunpark/peerbook/pkg/util"
)

func main() {
	// Load config from .env, the optional NODE_CONFIG yaml and the environment
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Node.LogLevel, "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{Logger: sugar})
	if err != nil {
		sugar.Fatalw("node_init_failed", "err", err)
	}
	defer n.Close()

	if lpn, ok := n.Net.(*p2p.Libp2pNet); ok {
		sugar.Infow("p2p_listening", "peer", lpn.ID(), "addrs", lpn.Addrs())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })

	// ---- API Server ----
	if cfg.API.Addr != "" {
		srv := api.NewServer(n, sugar)
		g.Go(func() error { return srv.Serve(ctx, cfg.API.Addr) })
	}

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_failed", "err", err)
		return
	}
	sugar.Infow("node_stopped")
}
