package main

import (
	"context"
	"errors"
	"flag"
	"gossip_sim/internal/config"
	"gossip_sim/internal/registry"
	"gossip_sim/internal/server"
	"gossip_sim/internal/storage"
	"gossip_sim/internal/telemetry"
	"gossip_sim/internal/utils"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	// Load MainConfig
	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	lg, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Create logger failed: %v", err)
	}
	defer lg.Sync()

	if cfg.SelfAddr == "" {
		addr, err := utils.ResolveSelfAddr(cfg.GRPCPort)
		if err != nil {
			lg.Fatal("SELF_ADDR not set and hostname could not be resolved", zap.Error(err))
		}
		cfg.SelfAddr = addr
	}

	metrics := telemetry.NewMetrics()
	events := utils.NewStdoutEventLogger()
	defer events.Sync()
	relayer := server.NewGRPCRelayer()
	defer relayer.Close()

	deps := server.Deps{
		Relayer: relayer,
		Events:  events,
		Logger:  lg,
		Metrics: metrics,
	}
	if cfg.PersistNeighbors {
		store, err := storage.OpenNeighborStore(cfg.DataPath)
		if err != nil {
			lg.Fatal("Open neighbor store failed", zap.String("path", cfg.DataPath), zap.Error(err))
		}
		defer store.Close()
		deps.Store = store
	}

	node := server.NewGossipNode(cfg, deps)
	node.Load()

	grpcSrv, err := server.StartGRPCServer(node, net.JoinHostPort("", cfg.GRPCPort), lg)
	if err != nil {
		lg.Fatal("Start gRPC server failed", zap.Error(err))
	}

	admin := server.NewAdminServer(cfg, node, metrics, lg)
	serverErr := make(chan error, 1)
	go func() {
		lg.Info("HTTP admin server listening", zap.String("addr", admin.Addr), zap.String("web_path", cfg.WebPath))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var etcdCli *clientv3.Client
	var lease clientv3.LeaseID
	stopKeepAlive := func() {}
	if len(cfg.EtcdEndpoints) > 0 {
		etcdCli, lease, stopKeepAlive = register(cfg, node.SelfAddr(), lg)
	}

	lg.Info("gossip node ready", zap.String("node", cfg.NodeName), zap.String("self_addr", node.SelfAddr()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		lg.Info("Stopping server...")
	case err := <-serverErr:
		lg.Error("HTTP admin server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if etcdCli != nil {
		stopKeepAlive()
		if err := registry.Deregister(ctx, etcdCli, lease); err != nil {
			lg.Warn("Deregister failed", zap.Error(err))
		}
		_ = etcdCli.Close()
	}
	if err := admin.Shutdown(ctx); err != nil {
		lg.Warn("HTTP admin shutdown failed", zap.Error(err))
	}
	grpcSrv.Stop()
	node.Close()

	lg.Info("Server stopped")
}

// register announces the node in etcd. Registration problems are logged and
// the node keeps running unregistered.
func register(cfg *config.MainConfig, selfAddr string, lg *zap.Logger) (*clientv3.Client, clientv3.LeaseID, context.CancelFunc) {
	noop := func() {}
	cli, err := registry.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		lg.Warn("Create etcd client failed", zap.Error(err))
		return nil, 0, noop
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if nodes, err := registry.ListNodes(ctx, cli, cfg.RegistryPrefix); err == nil {
		lg.Info("Registered nodes at boot", zap.Int("count", len(nodes)))
	}

	lease, stopKeepAlive, err := registry.RegisterNode(context.Background(), cli, cfg.RegistryPrefix, cfg.NodeName, selfAddr, cfg.RegistryTTL, lg)
	if err != nil {
		lg.Warn("Register node failed", zap.Error(err))
		_ = cli.Close()
		return nil, 0, noop
	}
	lg.Info("Registered node", zap.String("key", registry.NodeKey(cfg.RegistryPrefix, cfg.NodeName)))
	return cli, lease, stopKeepAlive
}
