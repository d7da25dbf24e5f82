package dataType

import (
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrDuplicatePeer = errors.New("duplicate peer address")
	ErrInvalidEdge   = errors.New("invalid neighbor edge")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// NeighborEdge is a directed fan-out target. Weight is an injected delay in
// milliseconds, not a measured latency.
type NeighborEdge struct {
	PeerAddr string  `json:"peer_addr" validate:"required"`
	Weight   float64 `json:"weight" validate:"gte=0"`
}

type edgeList struct {
	Edges []NeighborEdge `validate:"unique=PeerAddr,dive"`
}

// ValidateEdges checks a full neighbor list as pushed by the control plane.
func ValidateEdges(edges []NeighborEdge) error {
	if err := validate.Struct(edgeList{Edges: edges}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "unique" {
				return fmt.Errorf("%w: %s", ErrDuplicatePeer, duplicateAddr(edges))
			}
			return fmt.Errorf("%w: %s failed %q", ErrInvalidEdge, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEdge, err)
	}

	for i, e := range edges {
		if math.IsInf(e.Weight, 0) || math.IsNaN(e.Weight) {
			return fmt.Errorf("%w: edge %d (%s) has non-finite weight", ErrInvalidEdge, i, e.PeerAddr)
		}
		host, port, err := net.SplitHostPort(e.PeerAddr)
		if err != nil || strings.TrimSpace(host) == "" || port == "" {
			return fmt.Errorf("%w: edge %d has malformed address %q", ErrInvalidEdge, i, e.PeerAddr)
		}
	}
	return nil
}

func duplicateAddr(edges []NeighborEdge) string {
	seen := make(map[string]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := seen[e.PeerAddr]; ok {
			return e.PeerAddr
		}
		seen[e.PeerAddr] = struct{}{}
	}
	return ""
}

// NeighborTable is an immutable set of edges keyed by peer address. A new
// table is built for every replacement; a held pointer never changes.
type NeighborTable struct {
	edges []NeighborEdge
}

var emptyTable = &NeighborTable{}

func EmptyNeighborTable() *NeighborTable {
	return emptyTable
}

// NewNeighborTable validates edges and returns them as a table sorted by address.
func NewNeighborTable(edges []NeighborEdge) (*NeighborTable, error) {
	if err := ValidateEdges(edges); err != nil {
		return nil, err
	}
	sorted := slices.Clone(edges)
	slices.SortFunc(sorted, func(a, b NeighborEdge) int {
		return strings.Compare(a.PeerAddr, b.PeerAddr)
	})
	return &NeighborTable{edges: sorted}, nil
}

func (t *NeighborTable) Len() int {
	return len(t.edges)
}

// Edges returns a copy of the table content.
func (t *NeighborTable) Edges() []NeighborEdge {
	return slices.Clone(t.edges)
}

// Targets returns every edge except the one leading to excluded.
func (t *NeighborTable) Targets(excluded string) []NeighborEdge {
	out := make([]NeighborEdge, 0, len(t.edges))
	for _, e := range t.edges {
		if e.PeerAddr == excluded {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *NeighborTable) Weight(peerAddr string) (float64, bool) {
	i, ok := slices.BinarySearchFunc(t.edges, peerAddr, func(e NeighborEdge, addr string) int {
		return strings.Compare(e.PeerAddr, addr)
	})
	if !ok {
		return 0, false
	}
	return t.edges[i].Weight, true
}
