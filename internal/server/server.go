package server

import (
	"encoding/json"
	"fmt"
	"gossip_sim/internal/config"
	"gossip_sim/internal/dataType"
	"gossip_sim/internal/telemetry"
	"gossip_sim/internal/utils"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxAdminBody = 1 << 20

type adminHandler struct {
	node *GossipNode
	lg   *zap.Logger
}

// NewAdminServer builds the HTTP admin surface mounted under cfg.WebPath plus
// /metrics. The caller runs ListenAndServe.
func NewAdminServer(cfg *config.MainConfig, node *GossipNode, metrics *telemetry.Metrics, lg *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           NewAdminHandler(cfg.WebPath, node, metrics, lg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func NewAdminHandler(webPath string, node *GossipNode, metrics *telemetry.Metrics, lg *zap.Logger) http.Handler {
	if lg == nil {
		lg = zap.NewNop()
	}
	h := &adminHandler{node: node, lg: lg}

	mux := http.NewServeMux()
	mux.Handle("GET "+webPath+"/health_check", metrics.Instrument("health_check", http.HandlerFunc(h.handleHealthCheck)))
	mux.Handle("GET "+webPath+"/neighbors", metrics.Instrument("get_neighbors", http.HandlerFunc(h.handleGetNeighbors)))
	mux.Handle("POST "+webPath+"/neighbors", metrics.Instrument("update_neighbors", http.HandlerFunc(h.handleUpdateNeighbors)))
	mux.Handle("POST "+webPath+"/send_message", metrics.Instrument("send_message", http.HandlerFunc(h.handleSendMessage)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (h *adminHandler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "ok\nversion: %s\nepoch: %d\n", dataType.GossipSimVersion, h.node.Epoch()); err != nil {
		h.lg.Error("failed to write health check response", zap.Error(err))
	}
}

// handleGetNeighbors reports the node and its table, or one edge when the
// peer query parameter is set.
func (h *adminHandler) handleGetNeighbors(w http.ResponseWriter, r *http.Request) {
	peer := r.URL.Query().Get("peer")
	if peer == "" {
		h.writeJSON(w, http.StatusOK, h.node.Info())
		return
	}
	addr := utils.NormalizeHostPort(peer, h.node.defaultPeerPort)
	weight, ok := h.node.Snapshot().Weight(addr)
	if !ok {
		http.Error(w, "Unknown peer", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, dataType.NeighborEdge{PeerAddr: addr, Weight: weight})
}

func (h *adminHandler) handleUpdateNeighbors(w http.ResponseWriter, r *http.Request) {
	var req dataType.UpdateNeighborsRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.writeAck(w, h.node.UpdateNeighbors(req.Edges))
}

// handleSendMessage injects a message as if it arrived over RPC. An empty
// sender means this node originates it; an empty id is generated.
func (h *adminHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg dataType.GossipMessage
	if !h.decode(w, r, &msg) {
		return
	}
	if msg.SenderAddr == "" {
		msg.SenderAddr = h.node.SelfAddr()
	}
	if msg.MessageID == "" && msg.SenderAddr == h.node.SelfAddr() {
		msg.MessageID = uuid.NewString()
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().UnixNano()
	}
	ack := h.node.Deliver(msg)
	h.writeJSON(w, ackHTTPStatus(ack), struct {
		MessageID string `json:"message_id"`
		dataType.Acknowledgment
	}{msg.MessageID, ack})
}

func (h *adminHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *adminHandler) writeAck(w http.ResponseWriter, ack dataType.Acknowledgment) {
	h.writeJSON(w, ackHTTPStatus(ack), ack)
}

func (h *adminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.lg.Error("failed to write response", zap.Error(err))
	}
}

func ackHTTPStatus(ack dataType.Acknowledgment) int {
	switch ack.Status {
	case dataType.AckRejected:
		return http.StatusBadRequest
	case dataType.AckError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
