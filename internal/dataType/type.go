package dataType

const GossipSimVersion = "1.0.0"

// NodeInfo is reported by the neighbors endpoint.
type NodeInfo struct {
	NodeName  string         `json:"node_name"`
	SelfAddr  string         `json:"self_addr"`
	Epoch     uint64         `json:"epoch"`
	Seen      int            `json:"seen"`
	Neighbors []NeighborEdge `json:"neighbors"`
}
