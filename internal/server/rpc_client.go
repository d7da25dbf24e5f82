package server

import (
	"context"
	"fmt"
	"gossip_sim/internal/dataType"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// peerConn is a cached connection and the number of calls using it. A stale
// conn belongs to a peer no longer in the neighbor table; it is closed by the
// last call that releases it.
type peerConn struct {
	conn  *grpc.ClientConn
	refs  int
	stale bool
}

// GRPCRelayer sends gossip to peers over gRPC, keeping one connection per
// peer address.
type GRPCRelayer struct {
	conns    map[string]*peerConn
	retained map[string]struct{} // nil until the first Retain: every peer is wanted
	lock     sync.Mutex
}

func NewGRPCRelayer() *GRPCRelayer {
	return &GRPCRelayer{
		conns: make(map[string]*peerConn),
	}
}

func (r *GRPCRelayer) wanted(addr string) bool {
	if r.retained == nil {
		return true
	}
	_, ok := r.retained[addr]
	return ok
}

// acquire returns the conn for addr with its reference count raised. Every
// successful acquire must be paired with release.
func (r *GRPCRelayer) acquire(addr string) (*grpc.ClientConn, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if pc, ok := r.conns[addr]; ok {
		pc.refs++
		return pc.conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	r.conns[addr] = &peerConn{conn: conn, refs: 1, stale: !r.wanted(addr)}
	return conn, nil
}

func (r *GRPCRelayer) release(addr string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	pc, ok := r.conns[addr]
	if !ok {
		return
	}
	pc.refs--
	if pc.refs <= 0 && pc.stale {
		_ = pc.conn.Close()
		delete(r.conns, addr)
	}
}

func (r *GRPCRelayer) invoke(ctx context.Context, addr, method string, in, out any) error {
	conn, err := r.acquire(addr)
	if err != nil {
		return err
	}
	defer r.release(addr)
	return conn.Invoke(ctx, method, in, out)
}

func (r *GRPCRelayer) SendMessage(ctx context.Context, peerAddr string, msg dataType.GossipMessage) (dataType.Acknowledgment, error) {
	var ack dataType.Acknowledgment
	if err := r.invoke(ctx, peerAddr, sendMessageMethod, &msg, &ack); err != nil {
		return ack, fmt.Errorf("SendMessage to %s: %w", peerAddr, err)
	}
	return ack, nil
}

// UpdateNeighbors pushes a neighbor table to the node at addr. Used by
// control-plane tooling and tests.
func (r *GRPCRelayer) UpdateNeighbors(ctx context.Context, addr string, edges []dataType.NeighborEdge) (dataType.Acknowledgment, error) {
	var ack dataType.Acknowledgment
	req := dataType.UpdateNeighborsRequest{Edges: edges}
	if err := r.invoke(ctx, addr, updateNeighborsMethod, &req, &ack); err != nil {
		return ack, fmt.Errorf("UpdateNeighbors on %s: %w", addr, err)
	}
	return ack, nil
}

// Retain keeps connections to peers and lets every other one go. Idle conns
// close now; conns still carrying a call close when that call returns.
func (r *GRPCRelayer) Retain(peers []string) {
	keep := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		keep[p] = struct{}{}
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.retained = keep
	for addr, pc := range r.conns {
		if _, ok := keep[addr]; ok {
			pc.stale = false
			continue
		}
		pc.stale = true
		if pc.refs == 0 {
			_ = pc.conn.Close()
			delete(r.conns, addr)
		}
	}
}

func (r *GRPCRelayer) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for addr, pc := range r.conns {
		_ = pc.conn.Close()
		delete(r.conns, addr)
	}
}
