// Package trustgraph maintains the tenant-scoped directed graph of
// supply-chain entities and computes its analytics: centrality, structural
// anomalies, integrity scoring, risk propagation and immutable snapshots.
//
// Analytics are pure functions over a loaded Graph value; nothing here
// mutates shared state.
package trustgraph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/store"
)

// Valid node and edge types. Anything else is rejected at the boundary.
var (
	NodeTypes = map[string]bool{
		"company":        true,
		"distributor":    true,
		"warehouse":      true,
		"sku":            true,
		"batch":          true,
		"route":          true,
		"device":         true,
		"shipment":       true,
		"carbon_project": true,
		"wallet":         true,
	}

	EdgeTypes = map[string]bool{
		"ships_to":        true,
		"supplied_by":     true,
		"scanned_by":      true,
		"transferred_to":  true,
		"associated_with": true,
		"emits_from":      true,
		"certified_by":    true,
		"overrides":       true,
		"escalated_to":    true,
	}
)

// Graph is an in-memory adjacency view of one tenant's persisted graph.
// Adjacency lists hold indexes into Edges. NodeOrder is the sorted node id
// list so that iteration, and therefore every derived hash, is stable.
type Graph struct {
	TenantID  string
	Nodes     map[string]store.NodeRow
	NodeOrder []string
	Edges     []store.EdgeRow
	Adj       map[string][]int
	Rev       map[string][]int
}

// Degree returns in, out and total degree for a node.
func (g *Graph) Degree(nodeID string) (in, out, total int) {
	in = len(g.Rev[nodeID])
	out = len(g.Adj[nodeID])
	return in, out, in + out
}

// Engine loads graphs and persists structural changes and snapshots.
type Engine struct {
	store *store.Store
}

// NewEngine wires the engine to its store.
func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// LoadGraph builds the adjacency view of a tenant's graph.
func (e *Engine) LoadGraph(ctx context.Context, tenantID string) (*Graph, error) {
	nodes, err := e.store.ListNodes(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	edges, err := e.store.ListEdges(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}

	g := &Graph{
		TenantID: tenantID,
		Nodes:    make(map[string]store.NodeRow, len(nodes)),
		Edges:    edges,
		Adj:      make(map[string][]int),
		Rev:      make(map[string][]int),
	}
	for _, n := range nodes {
		g.Nodes[n.ID] = n
		g.NodeOrder = append(g.NodeOrder, n.ID)
	}
	sort.Strings(g.NodeOrder)

	for i, edge := range edges {
		g.Adj[edge.FromID] = append(g.Adj[edge.FromID], i)
		g.Rev[edge.ToID] = append(g.Rev[edge.ToID], i)
	}
	return g, nil
}

// NodeInput is the caller-supplied part of a new node.
type NodeInput struct {
	EntityID   string
	NodeType   string
	EntityName string
	TrustScore float64
	RiskLevel  string
}

// AddNode validates and persists a new node, returning its row.
func (e *Engine) AddNode(ctx context.Context, tenantID string, in NodeInput) (*store.NodeRow, error) {
	if !NodeTypes[in.NodeType] {
		return nil, fmt.Errorf("invalid node type %q", in.NodeType)
	}
	if in.RiskLevel == "" {
		in.RiskLevel = "medium"
	}
	row := &store.NodeRow{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityID:   in.EntityID,
		NodeType:   in.NodeType,
		EntityName: in.EntityName,
		TrustScore: in.TrustScore,
		RiskLevel:  in.RiskLevel,
		CreatedAt:  e.store.NowString(),
	}
	if err := e.store.InsertNode(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

// EdgeInput is the caller-supplied part of a new edge. Weight,
// risk contribution and confidence are clamped to [0,1].
type EdgeInput struct {
	FromID           string
	ToID             string
	EdgeType         string
	Weight           float64
	RiskContribution float64
	Confidence       float64
	EvidenceHash     string
	CreatedByRole    string
}

// AddEdge validates endpoints and type, then persists an append-only edge.
func (e *Engine) AddEdge(ctx context.Context, tenantID string, in EdgeInput) (*store.EdgeRow, error) {
	if !EdgeTypes[in.EdgeType] {
		return nil, fmt.Errorf("invalid edge type %q", in.EdgeType)
	}
	if _, err := e.store.GetNode(ctx, tenantID, in.FromID); err != nil {
		return nil, fmt.Errorf("from node %s: %w", in.FromID, err)
	}
	if _, err := e.store.GetNode(ctx, tenantID, in.ToID); err != nil {
		return nil, fmt.Errorf("to node %s: %w", in.ToID, err)
	}
	row := &store.EdgeRow{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		FromID:           in.FromID,
		ToID:             in.ToID,
		EdgeType:         in.EdgeType,
		Weight:           clamp01(in.Weight),
		RiskContribution: clamp01(in.RiskContribution),
		Confidence:       clamp01(in.Confidence),
		EvidenceHash:     in.EvidenceHash,
		CreatedByRole:    in.CreatedByRole,
		CreatedAt:        e.store.NowString(),
	}
	if err := e.store.InsertEdge(ctx, row); err != nil {
		return nil, err
	}
	return row, nil
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// edgeTime parses an edge's creation timestamp. Zero time when missing.
func edgeTime(e store.EdgeRow) time.Time {
	t, err := store.ParseTime(e.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
