package server

import (
	"context"
	"errors"
	"fmt"
	"gossip_sim/internal/config"
	"gossip_sim/internal/dataType"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type relayCall struct {
	to  string
	msg dataType.GossipMessage
	at  time.Time
}

// memNetwork delivers relays straight into other in-process nodes.
type memNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*GossipNode
	calls []relayCall
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[string]*GossipNode)}
}

func (n *memNetwork) SendMessage(ctx context.Context, peerAddr string, msg dataType.GossipMessage) (dataType.Acknowledgment, error) {
	n.mu.Lock()
	n.calls = append(n.calls, relayCall{to: peerAddr, msg: msg, at: time.Now()})
	node, ok := n.nodes[peerAddr]
	n.mu.Unlock()
	if !ok {
		return dataType.Acknowledgment{}, fmt.Errorf("dial %s: connection refused", peerAddr)
	}
	return node.Deliver(msg), nil
}

func (n *memNetwork) callsTo(addr string) []relayCall {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []relayCall
	for _, c := range n.calls {
		if c.to == addr {
			out = append(out, c)
		}
	}
	return out
}

func (n *memNetwork) callCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []dataType.GossipEvent
}

func (s *recordingSink) Emit(ev dataType.GossipEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) byKind(kind dataType.EventKind) []dataType.GossipEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dataType.GossipEvent
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type memStore struct {
	mu    sync.Mutex
	edges []dataType.NeighborEdge
	fail  atomic.Bool
}

func (s *memStore) Load() ([]dataType.NeighborEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges, nil
}

func (s *memStore) Save(edges []dataType.NeighborEdge) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = edges
	return nil
}

func testConfig(addr string) *config.MainConfig {
	cfg := config.DefaultConfig()
	cfg.NodeName = addr
	cfg.SelfAddr = addr
	cfg.PersistNeighbors = false
	cfg.RelayTimeout = time.Second
	return &cfg
}

func newTestNode(t *testing.T, netw *memNetwork, addr string) (*GossipNode, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	node := NewGossipNode(testConfig(addr), Deps{Relayer: netw, Events: sink})
	netw.mu.Lock()
	netw.nodes[addr] = node
	netw.mu.Unlock()
	t.Cleanup(node.Close)
	return node, sink
}

func edges(pairs ...any) []dataType.NeighborEdge {
	var out []dataType.NeighborEdge
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, dataType.NeighborEdge{PeerAddr: pairs[i].(string), Weight: float64(pairs[i+1].(int))})
	}
	return out
}

const (
	addrX = "10.0.0.1:5050"
	addrY = "10.0.0.2:5050"
	addrZ = "10.0.0.3:5050"
	addrW = "10.0.0.4:5050"
)

func TestDeliver_OriginateFansOutToAllNeighbors(t *testing.T) {
	netw := newMemNetwork()
	x, xs := newTestNode(t, netw, addrX)
	_, err := x.Replace(edges(addrY, 10, addrZ, 20))
	require.NoError(t, err)

	start := time.Now()
	ack := x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: start.UnixNano()})
	require.Equal(t, dataType.AckInitiated, ack.Status)
	x.Wait()

	initiated := xs.byKind(dataType.EventInitiate)
	require.Len(t, initiated, 1)
	require.Equal(t, 0, initiated[0].Round)
	require.Nil(t, initiated[0].PropagationTime)
	require.Nil(t, initiated[0].IncomingEdgeWeight)
	require.Equal(t, addrX, initiated[0].ReceiverAddr)

	toY, toZ := netw.callsTo(addrY), netw.callsTo(addrZ)
	require.Len(t, toY, 1)
	require.Len(t, toZ, 1)
	for _, c := range append(toY, toZ...) {
		require.Equal(t, 0, c.msg.Round)
		require.Equal(t, addrX, c.msg.SenderAddr)
		require.Equal(t, "m1", c.msg.MessageID)
	}
	require.Equal(t, 10.0, toY[0].msg.Weight)
	require.Equal(t, 20.0, toZ[0].msg.Weight)
	require.GreaterOrEqual(t, toY[0].at.Sub(start), 10*time.Millisecond)
	require.GreaterOrEqual(t, toZ[0].at.Sub(start), 20*time.Millisecond)
}

func TestDeliver_ReceivedRelaysToOthersAtNextRound(t *testing.T) {
	netw := newMemNetwork()
	y, ys := newTestNode(t, netw, addrY)
	_, err := y.Replace(edges(addrX, 0, addrZ, 0, addrW, 0))
	require.NoError(t, err)

	sentAt := time.Now().Add(-3 * time.Millisecond).UnixNano()
	ack := y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: sentAt, Weight: 10, Round: 0})
	require.Equal(t, dataType.AckPropagated, ack.Status)
	y.Wait()

	received := ys.byKind(dataType.EventReceived)
	require.Len(t, received, 1)
	require.Equal(t, 0, received[0].Round)
	require.Equal(t, addrX, received[0].SenderAddr)
	require.NotNil(t, received[0].PropagationTime)
	require.GreaterOrEqual(t, *received[0].PropagationTime, 3.0)
	require.Equal(t, 10.0, *received[0].IncomingEdgeWeight)

	require.Empty(t, netw.callsTo(addrX))
	for _, to := range []string{addrZ, addrW} {
		calls := netw.callsTo(to)
		require.Len(t, calls, 1)
		require.Equal(t, 1, calls[0].msg.Round)
		require.Equal(t, addrY, calls[0].msg.SenderAddr)
	}
}

func TestDeliver_DuplicateIsLoggedNotRelayed(t *testing.T) {
	netw := newMemNetwork()
	y, ys := newTestNode(t, netw, addrY)
	_, err := y.Replace(edges(addrZ, 0))
	require.NoError(t, err)

	y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: time.Now().UnixNano()})
	y.Wait()
	before := netw.callCount()

	ack := y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrW, SentAt: time.Now().UnixNano(), Weight: 7, Round: 1})
	y.Wait()
	require.Equal(t, dataType.AckDuplicate, ack.Status)
	require.Contains(t, ack.Detail, "Duplicate")
	require.Equal(t, before, netw.callCount())

	dups := ys.byKind(dataType.EventDuplicate)
	require.Len(t, dups, 1)
	require.Equal(t, 1, dups[0].Round)
	require.Equal(t, addrW, dups[0].SenderAddr)
	require.Nil(t, dups[0].PropagationTime)
	require.Equal(t, 7.0, *dups[0].IncomingEdgeWeight)
}

func TestDeliver_ReplaceStartsFreshEpoch(t *testing.T) {
	netw := newMemNetwork()
	y, ys := newTestNode(t, netw, addrY)

	y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: time.Now().UnixNano()})
	require.Equal(t, dataType.AckDuplicate,
		y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: time.Now().UnixNano()}).Status)

	ack := y.UpdateNeighbors(edges("10.0.1.1:5050", 5, "10.0.1.2:5050", 15))
	require.Equal(t, dataType.AckUpdated, ack.Status)
	require.EqualValues(t, 1, y.Epoch())

	ack = y.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX, SentAt: time.Now().UnixNano()})
	require.Equal(t, dataType.AckPropagated, ack.Status)
	y.Wait()
	require.Len(t, ys.byKind(dataType.EventReceived), 2)
	require.Len(t, netw.callsTo("10.0.1.1:5050"), 1)
	require.Len(t, netw.callsTo("10.0.1.2:5050"), 1)
}

func TestDeliver_ConcurrentSameIDHasOneWinner(t *testing.T) {
	netw := newMemNetwork()
	y, ys := newTestNode(t, netw, addrY)
	_, err := y.Replace(edges(addrZ, 0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var propagated atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack := y.Deliver(dataType.GossipMessage{MessageID: "race", SenderAddr: addrX, SentAt: time.Now().UnixNano()})
			if ack.Status == dataType.AckPropagated {
				propagated.Add(1)
			}
		}()
	}
	wg.Wait()
	y.Wait()

	require.EqualValues(t, 1, propagated.Load())
	require.Len(t, ys.byKind(dataType.EventReceived), 1)
	require.Len(t, ys.byKind(dataType.EventDuplicate), 49)
	require.Len(t, netw.callsTo(addrZ), 1)
}

func TestDeliver_SelfOriginateTwiceIsDuplicate(t *testing.T) {
	netw := newMemNetwork()
	x, xs := newTestNode(t, netw, addrX)
	_, err := x.Replace(edges(addrY, 0))
	require.NoError(t, err)

	require.Equal(t, dataType.AckInitiated, x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX}).Status)
	require.Equal(t, dataType.AckDuplicate, x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX}).Status)
	x.Wait()

	require.Len(t, xs.byKind(dataType.EventInitiate), 1)
	require.Len(t, netw.callsTo(addrY), 1)
}

func TestDeliver_EmptyIDRejected(t *testing.T) {
	netw := newMemNetwork()
	x, xs := newTestNode(t, netw, addrX)

	ack := x.Deliver(dataType.GossipMessage{SenderAddr: addrY})
	require.Equal(t, dataType.AckRejected, ack.Status)
	require.False(t, ack.OK())
	require.Empty(t, xs.events)
}

func TestDeliver_SenderAddressIsNormalized(t *testing.T) {
	netw := newMemNetwork()
	x, xs := newTestNode(t, netw, addrX)

	ack := x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: "http://10.0.0.1"})
	require.Equal(t, dataType.AckInitiated, ack.Status)
	require.Len(t, xs.byKind(dataType.EventInitiate), 1)
}

func TestFlood_ReachesEveryNodeOnce(t *testing.T) {
	// ring of five with one chord; every node must log exactly one
	// initiate-or-received for the id
	netw := newMemNetwork()
	addrs := []string{"10.1.0.1:5050", "10.1.0.2:5050", "10.1.0.3:5050", "10.1.0.4:5050", "10.1.0.5:5050"}
	nodes := make([]*GossipNode, len(addrs))
	sinks := make([]*recordingSink, len(addrs))
	for i, a := range addrs {
		nodes[i], sinks[i] = newTestNode(t, netw, a)
	}
	for i := range addrs {
		next := addrs[(i+1)%len(addrs)]
		prev := addrs[(i+len(addrs)-1)%len(addrs)]
		_, err := nodes[i].Replace(edges(next, 1, prev, 2))
		require.NoError(t, err)
	}
	_, err := nodes[0].Replace(edges(addrs[1], 1, addrs[4], 2, addrs[2], 3))
	require.NoError(t, err)

	nodes[0].Deliver(dataType.GossipMessage{MessageID: "flood", SenderAddr: addrs[0]})

	require.Eventually(t, func() bool {
		for _, s := range sinks[1:] {
			if len(s.byKind(dataType.EventReceived)) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	for _, n := range nodes {
		n.Wait()
	}

	require.Len(t, sinks[0].byKind(dataType.EventInitiate), 1)
	require.Empty(t, sinks[0].byKind(dataType.EventReceived))
	for i, s := range sinks[1:] {
		require.Len(t, s.byKind(dataType.EventReceived), 1, "node %s", addrs[i+1])
		require.Empty(t, s.byKind(dataType.EventInitiate))
	}
}

func TestPropagate_NoNeighborsIsNoop(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)

	require.Equal(t, 0, x.Propagate("m1", 0, ""))
	ack := x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrX})
	require.Equal(t, dataType.AckInitiated, ack.Status)
	x.Wait()
	require.Zero(t, netw.callCount())
}

func TestPropagate_UnreachablePeerDoesNotStopSiblings(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)
	_, ys := newTestNode(t, netw, addrY)
	_, zs := newTestNode(t, netw, addrZ)
	_, err := x.Replace(edges("10.9.9.9:5050", 0, addrY, 1, addrZ, 2))
	require.NoError(t, err)

	n := x.Propagate("m1", 0, "")
	require.Equal(t, 3, n)
	x.Wait()

	require.Len(t, netw.callsTo("10.9.9.9:5050"), 1)
	require.Len(t, ys.byKind(dataType.EventReceived), 1)
	require.Len(t, zs.byKind(dataType.EventReceived), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(x.metrics.RelaysTotal.WithLabelValues("error")))
	require.Equal(t, 2.0, testutil.ToFloat64(x.metrics.RelaysTotal.WithLabelValues("ok")))
}

// blockingRelayer holds every call until release is closed and records the
// highest number of calls it saw at once.
type blockingRelayer struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	total    atomic.Int32
}

func (b *blockingRelayer) SendMessage(ctx context.Context, peerAddr string, msg dataType.GossipMessage) (dataType.Acknowledgment, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	b.total.Add(1)
	for {
		p := b.peak.Load()
		if cur <= p || b.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	select {
	case <-b.release:
		return dataType.Acknowledgment{Status: dataType.AckPropagated}, nil
	case <-ctx.Done():
		return dataType.Acknowledgment{}, ctx.Err()
	}
}

func TestPropagate_ConcurrencyIsBounded(t *testing.T) {
	relayer := &blockingRelayer{release: make(chan struct{})}
	cfg := testConfig(addrX)
	cfg.MaxConcurrentSends = 3
	cfg.RelayTimeout = 10 * time.Second
	x := NewGossipNode(cfg, Deps{Relayer: relayer})
	t.Cleanup(x.Close)

	var list []dataType.NeighborEdge
	for i := 0; i < 10; i++ {
		list = append(list, dataType.NeighborEdge{PeerAddr: fmt.Sprintf("10.2.0.%d:5050", i+1)})
	}
	_, err := x.Replace(list)
	require.NoError(t, err)

	require.Equal(t, 10, x.Propagate("m1", 0, ""))
	require.Eventually(t, func() bool { return relayer.inFlight.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 3, relayer.peak.Load())

	close(relayer.release)
	x.Wait()
	require.EqualValues(t, 10, relayer.total.Load())
	require.EqualValues(t, 3, relayer.peak.Load())
}

func TestClose_AbandonsInFlightRelays(t *testing.T) {
	relayer := &blockingRelayer{release: make(chan struct{})}
	cfg := testConfig(addrX)
	cfg.RelayTimeout = time.Minute
	x := NewGossipNode(cfg, Deps{Relayer: relayer})
	_, err := x.Replace(edges(addrY, 0, addrZ, 60000))
	require.NoError(t, err)

	x.Propagate("m1", 0, "")
	require.Eventually(t, func() bool { return relayer.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		x.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	require.EqualValues(t, 1, relayer.total.Load())
	require.Equal(t, 0, x.Propagate("m2", 0, ""))
}

func TestReplace_ValidationLeavesTableUntouched(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)
	_, err := x.Replace(edges(addrY, 1))
	require.NoError(t, err)

	tests := map[string][]dataType.NeighborEdge{
		"duplicate":       edges(addrZ, 1, addrZ, 2),
		"negative weight": edges(addrZ, -1),
		"self edge":       edges(addrX, 1),
		"empty address":   {{PeerAddr: "", Weight: 1}},
	}
	for name, list := range tests {
		t.Run(name, func(t *testing.T) {
			ack := x.UpdateNeighbors(list)
			require.Equal(t, dataType.AckRejected, ack.Status)
			require.Equal(t, edges(addrY, 1), x.Snapshot().Edges())
			require.EqualValues(t, 1, x.Epoch())
		})
	}
}

func TestReplace_DuplicateDetailNamesAddress(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)

	ack := x.UpdateNeighbors(edges(addrZ, 1, addrZ, 2))
	require.Equal(t, dataType.AckRejected, ack.Status)
	require.Contains(t, ack.Detail, addrZ)
}

func TestReplace_IsIdempotent(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)

	list := edges(addrZ, 20, addrY, 10)
	first, err := x.Replace(list)
	require.NoError(t, err)
	second, err := x.Replace(list)
	require.NoError(t, err)

	require.Equal(t, first.Edges(), second.Edges())
	require.Equal(t, 2, second.Len())
	require.EqualValues(t, 2, x.Epoch())
}

func TestReplace_EmptyListClearsTable(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)
	_, err := x.Replace(edges(addrY, 1))
	require.NoError(t, err)

	ack := x.UpdateNeighbors(nil)
	require.Equal(t, dataType.AckUpdated, ack.Status)
	require.Zero(t, x.Snapshot().Len())
}

func TestReplace_NormalizesPeerAddresses(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)

	tbl, err := x.Replace([]dataType.NeighborEdge{{PeerAddr: "http://10.0.0.2", Weight: 3}})
	require.NoError(t, err)
	w, ok := tbl.Weight(addrY)
	require.True(t, ok)
	require.Equal(t, 3.0, w)
}

func TestReplace_SnapshotIsStableAcrossReplace(t *testing.T) {
	netw := newMemNetwork()
	x, _ := newTestNode(t, netw, addrX)
	_, err := x.Replace(edges(addrY, 1))
	require.NoError(t, err)

	snap := x.Snapshot()
	_, err = x.Replace(edges(addrZ, 2, addrW, 3))
	require.NoError(t, err)

	require.Equal(t, edges(addrY, 1), snap.Edges())
	require.Equal(t, 2, x.Snapshot().Len())
}

func TestReplace_PersistFailureKeepsOldTable(t *testing.T) {
	store := &memStore{}
	x := NewGossipNode(testConfig(addrX), Deps{Store: store, Relayer: newMemNetwork()})
	t.Cleanup(x.Close)

	_, err := x.Replace(edges(addrY, 1))
	require.NoError(t, err)
	x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrZ})

	store.fail.Store(true)
	_, err = x.Replace(edges(addrZ, 2))
	require.ErrorIs(t, err, ErrPersist)

	ack := x.UpdateNeighbors(edges(addrZ, 2))
	require.Equal(t, dataType.AckError, ack.Status)

	require.Equal(t, edges(addrY, 1), x.Snapshot().Edges())
	require.Equal(t, edges(addrY, 1), store.edges)
	require.EqualValues(t, 1, x.Epoch())
	// the epoch did not advance, so m1 is still seen
	require.Equal(t, dataType.AckDuplicate, x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrZ}).Status)
}

func TestLoad_RestoresPersistedTable(t *testing.T) {
	store := &memStore{edges: edges(addrY, 4, addrZ, 8)}
	x := NewGossipNode(testConfig(addrX), Deps{Store: store, Relayer: newMemNetwork()})
	t.Cleanup(x.Close)

	x.Load()
	require.Equal(t, edges(addrY, 4, addrZ, 8), x.Snapshot().Edges())
	require.Zero(t, x.Epoch())
}

func TestLoad_InvalidPersistedTableStartsEmpty(t *testing.T) {
	store := &memStore{edges: edges(addrY, 4, addrY, 8)}
	x := NewGossipNode(testConfig(addrX), Deps{Store: store, Relayer: newMemNetwork()})
	t.Cleanup(x.Close)

	x.Load()
	require.Zero(t, x.Snapshot().Len())
}

func TestLoad_DropsEdgeToSelf(t *testing.T) {
	store := &memStore{edges: edges(addrX, 1, addrY, 4)}
	x := NewGossipNode(testConfig(addrX), Deps{Store: store, Relayer: newMemNetwork()})
	t.Cleanup(x.Close)

	x.Load()
	require.Equal(t, edges(addrY, 4), x.Snapshot().Edges())
}

func TestReplace_AtMostOneReceivePerEpoch(t *testing.T) {
	// Deliveries racing an epoch switch must never see one id twice within
	// the same epoch, so receives can not outnumber epochs.
	sink := &recordingSink{}
	x := NewGossipNode(testConfig(addrX), Deps{Relayer: newMemNetwork(), Events: sink})
	t.Cleanup(x.Close)

	const replaces = 200
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					x.Deliver(dataType.GossipMessage{MessageID: "m1", SenderAddr: addrY})
				}
			}
		}()
	}
	for i := 0; i < replaces; i++ {
		_, err := x.Replace(nil)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	require.LessOrEqual(t, len(sink.byKind(dataType.EventReceived)), replaces+1)
}
