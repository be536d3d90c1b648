package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	lsmhttp "lsmtree/internal/http"
	"lsmtree/pkg/chunkstore/btfile"
	"lsmtree/pkg/lsm"
	"lsmtree/pkg/metrics"
	"lsmtree/pkg/txn"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	store, err := btfile.New(cfg.Tree.Dir, slog.Default())
	if err != nil {
		slog.Error("chunk store init failed", "error", err)
		os.Exit(1)
	}

	txns := txn.NewRegistry()
	tree, err := lsm.Open(cfg.Tree, lsm.Deps{
		Store:   store,
		Txns:    txns,
		Metrics: metrics.NewAtomic(),
		Logger:  slog.Default(),
	})
	if err != nil {
		slog.Error("tree open failed", "error", err)
		os.Exit(1)
	}

	server := lsmhttp.NewServer(tree, txns, strconv.Itoa(cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("server start failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Warn("server stop failed", "error", err)
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := tree.Close(closeCtx); err != nil {
		slog.Error("tree close failed", "error", err)
		os.Exit(1)
	}
	slog.Info("lsmtree stopped")
}
