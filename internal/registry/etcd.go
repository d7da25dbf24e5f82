// Package registry announces a running node in etcd under a lease so the
// experiment's control plane can discover node addresses before pushing
// neighbor tables.
package registry

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Client is the part of *clientv3.Client the registry uses.
type Client interface {
	clientv3.KV
	clientv3.Lease
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NodeKey is the etcd key a node registers under.
func NodeKey(prefix, name string) string {
	return path.Join("/", prefix, name)
}

// RegisterNode puts name -> addr under a lease of ttl seconds and keeps the
// lease alive until the returned cancel is called or ctx ends.
func RegisterNode(ctx context.Context, cli Client, prefix, name, addr string, ttl int64, lg *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := NodeKey(prefix, name)
	if _, err := cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		lg.Info("registry lease keepalive stopped", zap.String("key", key))
	}()
	return lease.ID, cancel, nil
}

// Deregister revokes the lease, removing the node key immediately.
func Deregister(ctx context.Context, cli Client, lease clientv3.LeaseID) error {
	_, err := cli.Revoke(ctx, lease)
	return err
}

// ListNodes returns every registered node as name -> addr.
func ListNodes(ctx context.Context, cli Client, prefix string) (map[string]string, error) {
	dir := strings.TrimSuffix(NodeKey(prefix, ""), "/") + "/"
	resp, err := cli.Get(ctx, dir, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodes[strings.TrimPrefix(string(kv.Key), dir)] = string(kv.Value)
	}
	return nodes, nil
}
