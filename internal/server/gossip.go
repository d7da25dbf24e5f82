package server

import (
	"context"
	"errors"
	"fmt"
	"gossip_sim/internal/config"
	"gossip_sim/internal/dataType"
	"gossip_sim/internal/telemetry"
	"gossip_sim/internal/utils"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrPersist = errors.New("persist neighbor table")

// NeighborStore is the durable copy of the neighbor table.
type NeighborStore interface {
	Load() ([]dataType.NeighborEdge, error)
	Save(edges []dataType.NeighborEdge) error
}

// Relayer performs one outbound SendMessage call.
type Relayer interface {
	SendMessage(ctx context.Context, peerAddr string, msg dataType.GossipMessage) (dataType.Acknowledgment, error)
}

// peerRetainer is implemented by relayers that cache per-peer connections.
type peerRetainer interface {
	Retain(peers []string)
}

type EventSink interface {
	Emit(ev dataType.GossipEvent)
}

// Deps are the collaborators of a GossipNode. Store may be nil to run
// without persistence; Logger and Metrics default to no-op/private ones.
type Deps struct {
	Store   NeighborStore
	Relayer Relayer
	Events  EventSink
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

type GossipNode struct {
	nodeName        string
	selfAddr        string
	defaultPeerPort string
	relayTimeout    time.Duration

	table atomic.Pointer[dataType.NeighborTable]
	seen  *dataType.DeliveryTracker
	epoch atomic.Uint64

	// replaceMu serialises Replace so persist+install+reset is one step.
	replaceMu sync.Mutex
	// epochMu is held for reading around check-and-mark and for writing while
	// the table is installed and the tracker reset.
	epochMu sync.RWMutex

	store   NeighborStore
	relayer Relayer
	events  EventSink
	lg      *zap.Logger
	metrics *telemetry.Metrics

	sem *semaphore.Weighted

	ctx      context.Context
	cancel   context.CancelFunc
	closeMu  sync.RWMutex
	closed   bool
	inFlight sync.WaitGroup
}

func NewGossipNode(cfg *config.MainConfig, deps Deps) *GossipNode {
	lg := deps.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = telemetry.NewMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())

	n := &GossipNode{
		nodeName:        cfg.NodeName,
		selfAddr:        utils.NormalizeHostPort(cfg.SelfAddr, cfg.GRPCPort),
		defaultPeerPort: cfg.DefaultPeerPort,
		relayTimeout:    cfg.RelayTimeout,
		seen:            dataType.NewDeliveryTracker(0),
		store:           deps.Store,
		relayer:         deps.Relayer,
		events:          deps.Events,
		metrics:         m,
		sem:             semaphore.NewWeighted(cfg.MaxConcurrentSends),
		ctx:             ctx,
		cancel:          cancel,
	}
	n.lg = lg.With(zap.String("node", n.nodeName), zap.String("self_addr", n.selfAddr))
	n.table.Store(dataType.EmptyNeighborTable())
	return n
}

func (n *GossipNode) SelfAddr() string {
	return n.selfAddr
}

func (n *GossipNode) Epoch() uint64 {
	return n.epoch.Load()
}

// Snapshot returns the table installed at call time. It never changes, even
// if Replace runs while the caller iterates it.
func (n *GossipNode) Snapshot() *dataType.NeighborTable {
	return n.table.Load()
}

func (n *GossipNode) Info() dataType.NodeInfo {
	return dataType.NodeInfo{
		NodeName:  n.nodeName,
		SelfAddr:  n.selfAddr,
		Epoch:     n.Epoch(),
		Seen:      n.seen.Len(),
		Neighbors: n.Snapshot().Edges(),
	}
}

// Load installs the persisted table. Missing, unreadable or invalid content
// leaves the node with an empty table; the control plane may push one later.
func (n *GossipNode) Load() {
	if n.store == nil {
		n.lg.Info("neighbor persistence disabled, starting with empty table")
		return
	}
	edges, err := n.store.Load()
	if err != nil {
		n.lg.Warn("failed to load persisted neighbors, starting empty", zap.Error(err))
		return
	}
	kept := make([]dataType.NeighborEdge, 0, len(edges))
	for _, e := range edges {
		if utils.NormalizeHostPort(e.PeerAddr, n.defaultPeerPort) == n.selfAddr {
			n.lg.Warn("dropping persisted edge to this node", zap.String("peer", e.PeerAddr))
			continue
		}
		kept = append(kept, e)
	}
	tbl, err := dataType.NewNeighborTable(kept)
	if err != nil {
		n.lg.Warn("persisted neighbors are invalid, starting empty", zap.Error(err))
		return
	}
	n.table.Store(tbl)
	n.metrics.Neighbors.Set(float64(tbl.Len()))
	n.lg.Info("loaded persisted neighbors", zap.Int("neighbors", tbl.Len()))
}

// Replace swaps in a new neighbor table: validate, persist, install, then
// forget every seen message id. On any failure the old table stays installed.
func (n *GossipNode) Replace(edges []dataType.NeighborEdge) (*dataType.NeighborTable, error) {
	normalized := make([]dataType.NeighborEdge, len(edges))
	for i, e := range edges {
		normalized[i] = dataType.NeighborEdge{
			PeerAddr: utils.NormalizeHostPort(e.PeerAddr, n.defaultPeerPort),
			Weight:   e.Weight,
		}
		if normalized[i].PeerAddr == n.selfAddr {
			return nil, fmt.Errorf("%w: edge %d points at this node", dataType.ErrInvalidEdge, i)
		}
	}
	tbl, err := dataType.NewNeighborTable(normalized)
	if err != nil {
		return nil, err
	}

	n.replaceMu.Lock()
	defer n.replaceMu.Unlock()

	if n.store != nil {
		if err := n.store.Save(tbl.Edges()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	n.epochMu.Lock()
	n.table.Store(tbl)
	n.seen.Reset()
	epoch := n.epoch.Add(1)
	n.epochMu.Unlock()

	if r, ok := n.relayer.(peerRetainer); ok {
		peers := make([]string, 0, tbl.Len())
		for _, e := range tbl.Edges() {
			peers = append(peers, e.PeerAddr)
		}
		r.Retain(peers)
	}

	n.metrics.Neighbors.Set(float64(tbl.Len()))
	n.metrics.Epoch.Set(float64(epoch))
	n.lg.Info("neighbor table replaced", zap.Int("neighbors", tbl.Len()), zap.Uint64("epoch", epoch))
	return tbl, nil
}

// UpdateNeighbors is the RPC form of Replace.
func (n *GossipNode) UpdateNeighbors(edges []dataType.NeighborEdge) dataType.Acknowledgment {
	tbl, err := n.Replace(edges)
	if err != nil {
		status := dataType.AckError
		if errors.Is(err, dataType.ErrInvalidEdge) || errors.Is(err, dataType.ErrDuplicatePeer) {
			status = dataType.AckRejected
		}
		n.lg.Warn("UpdateNeighbors failed", zap.String("status", string(status)), zap.Error(err))
		return dataType.Acknowledgment{Status: status, Detail: err.Error()}
	}
	return dataType.Acknowledgment{
		Status: dataType.AckUpdated,
		Detail: fmt.Sprintf("State refreshed: %d neighbors, epoch %d.", tbl.Len(), n.Epoch()),
	}
}

// Deliver handles one SendMessage. A message whose sender is this node starts
// a broadcast; otherwise the first sighting in the epoch is relayed and later
// ones are only logged. Fan-out runs in the background; the Ack does not wait.
func (n *GossipNode) Deliver(msg dataType.GossipMessage) dataType.Acknowledgment {
	receivedAt := time.Now()
	if msg.MessageID == "" {
		return dataType.Acknowledgment{Status: dataType.AckRejected, Detail: "empty message id"}
	}
	sender := utils.NormalizeHostPort(msg.SenderAddr, n.defaultPeerPort)

	if sender == n.selfAddr {
		if !n.claim(msg.MessageID) {
			n.emit(dataType.GossipEvent{
				MessageID:  msg.MessageID,
				SenderAddr: sender,
				ReceivedAt: receivedAt,
				Round:      0,
				Kind:       dataType.EventDuplicate,
				Detail:     "Already initiated",
			})
			return dataType.Acknowledgment{Status: dataType.AckDuplicate, Detail: "Duplicate"}
		}
		n.emit(dataType.GossipEvent{
			MessageID:  msg.MessageID,
			SenderAddr: sender,
			ReceivedAt: receivedAt,
			Round:      0,
			Kind:       dataType.EventInitiate,
			Detail:     "Gossip Start",
		})
		n.Propagate(msg.MessageID, 0, sender)
		return dataType.Acknowledgment{Status: dataType.AckInitiated, Detail: "Initiated"}
	}

	weight := msg.Weight
	if !n.claim(msg.MessageID) {
		n.emit(dataType.GossipEvent{
			MessageID:          msg.MessageID,
			SenderAddr:         sender,
			ReceivedAt:         receivedAt,
			IncomingEdgeWeight: &weight,
			Round:              msg.Round,
			Kind:               dataType.EventDuplicate,
			Detail:             "Ignored",
		})
		return dataType.Acknowledgment{Status: dataType.AckDuplicate, Detail: "Duplicate"}
	}

	propagation := float64(receivedAt.UnixNano()-msg.SentAt) / 1e6
	n.emit(dataType.GossipEvent{
		MessageID:          msg.MessageID,
		SenderAddr:         sender,
		ReceivedAt:         receivedAt,
		PropagationTime:    &propagation,
		IncomingEdgeWeight: &weight,
		Round:              msg.Round,
		Kind:               dataType.EventReceived,
		Detail:             "New Message",
	})
	n.Propagate(msg.MessageID, msg.Round+1, sender)
	return dataType.Acknowledgment{Status: dataType.AckPropagated, Detail: "Propagated"}
}

// claim makes the Unseen->Seen transition for id in the current epoch.
func (n *GossipNode) claim(id string) bool {
	n.epochMu.RLock()
	defer n.epochMu.RUnlock()
	return n.seen.MarkIfUnseen(id)
}

// Propagate schedules one relay per neighbor except excluded and returns how
// many were scheduled. It does not wait for them.
func (n *GossipNode) Propagate(messageID string, round int, excluded string) int {
	targets := n.Snapshot().Targets(excluded)
	if len(targets) == 0 {
		n.lg.Info("no neighbors to relay to, stopping propagation",
			zap.String("message_id", messageID), zap.Int("round", round))
		return 0
	}

	n.closeMu.RLock()
	defer n.closeMu.RUnlock()
	if n.closed {
		return 0
	}
	for _, edge := range targets {
		n.inFlight.Add(1)
		go n.relay(messageID, round, edge)
	}
	return len(targets)
}

func (n *GossipNode) relay(messageID string, round int, edge dataType.NeighborEdge) {
	defer n.inFlight.Done()
	defer func() {
		if r := recover(); r != nil {
			n.lg.Error("relay panic recovered", zap.String("peer", edge.PeerAddr), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := n.sem.Acquire(n.ctx, 1); err != nil {
		return
	}
	defer n.sem.Release(1)
	n.metrics.RelaysInFlight.Inc()
	defer n.metrics.RelaysInFlight.Dec()

	if err := sleepContext(n.ctx, weightDelay(edge.Weight)); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.relayTimeout)
	defer cancel()
	msg := dataType.GossipMessage{
		MessageID:  messageID,
		SenderAddr: n.selfAddr,
		SentAt:     time.Now().UnixNano(),
		Weight:     edge.Weight,
		Round:      round,
	}
	ack, err := n.relayer.SendMessage(ctx, edge.PeerAddr, msg)
	n.metrics.ObserveRelay(start, err)
	if err != nil {
		n.lg.Warn("failed to relay message",
			zap.String("message_id", messageID),
			zap.String("peer", edge.PeerAddr),
			zap.Int("round", round),
			zap.Error(err))
		return
	}
	n.lg.Debug("relayed message",
		zap.String("message_id", messageID),
		zap.String("peer", edge.PeerAddr),
		zap.Int("round", round),
		zap.String("ack", string(ack.Status)))
}

func (n *GossipNode) emit(ev dataType.GossipEvent) {
	ev.ReceiverAddr = n.selfAddr
	n.metrics.ObserveEvent(ev.Kind)
	if n.events != nil {
		n.events.Emit(ev)
	}
}

// Wait blocks until every scheduled relay has finished.
func (n *GossipNode) Wait() {
	n.inFlight.Wait()
}

// Close abandons outstanding relays and waits for their goroutines to exit.
func (n *GossipNode) Close() {
	n.closeMu.Lock()
	if n.closed {
		n.closeMu.Unlock()
		return
	}
	n.closed = true
	n.cancel()
	n.closeMu.Unlock()
	n.inFlight.Wait()
}

func weightDelay(weight float64) time.Duration {
	return time.Duration(weight * float64(time.Millisecond))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
