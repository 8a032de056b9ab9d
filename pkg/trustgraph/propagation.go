package trustgraph

import (
	"fmt"
	"sort"
)

// riskCutoff is the propagated-risk floor below which a path stops
// expanding.
const riskCutoff = 0.01

// Exposure is the propagated risk reaching one node.
type Exposure struct {
	NodeID string   `json:"node_id"`
	Risk   float64  `json:"risk"`
	Hops   int      `json:"hops"`
	Path   []string `json:"path"`
}

// SimulateRiskPropagation spreads risk breadth-first from a source node.
// At each hop the carried risk decays multiplicatively by
// weight * risk_contribution of the traversed edge. A node's recorded
// exposure is the strongest path that reached it.
func (g *Graph) SimulateRiskPropagation(sourceID string, initialRisk float64, maxHops int) ([]Exposure, error) {
	if _, ok := g.Nodes[sourceID]; !ok {
		return nil, fmt.Errorf("source node %s not in graph", sourceID)
	}

	type frontier struct {
		nodeID string
		risk   float64
		hops   int
		path   []string
	}

	best := make(map[string]Exposure)
	queue := []frontier{{nodeID: sourceID, risk: initialRisk, path: []string{sourceID}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.hops >= maxHops {
			continue
		}
		for _, i := range g.Adj[cur.nodeID] {
			edge := g.Edges[i]
			risk := cur.risk * edge.Weight * edge.RiskContribution
			if risk < riskCutoff {
				continue
			}
			path := append(append([]string(nil), cur.path...), edge.ToID)
			if prev, ok := best[edge.ToID]; !ok || risk > prev.Risk {
				best[edge.ToID] = Exposure{
					NodeID: edge.ToID,
					Risk:   risk,
					Hops:   cur.hops + 1,
					Path:   path,
				}
			}
			queue = append(queue, frontier{nodeID: edge.ToID, risk: risk, hops: cur.hops + 1, path: path})
		}
	}

	out := make([]Exposure, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

// carbonMintThreshold is the minimum linkage integrity for minting.
const carbonMintThreshold = 60.0

// CarbonLinkage is the trust assessment of a carbon project's connected
// component.
type CarbonLinkage struct {
	ProjectID      string   `json:"project_id"`
	ConnectedNodes []string `json:"connected_nodes"`
	Integrity      float64  `json:"integrity"`
	MintAllowed    bool     `json:"mint_allowed"`
}

// ComputeCarbonLinkage walks the undirected component around a carbon
// project node and averages the trust deficit of its members. Minting is
// blocked below an integrity of 60.
func (g *Graph) ComputeCarbonLinkage(projectID string) (*CarbonLinkage, error) {
	node, ok := g.Nodes[projectID]
	if !ok {
		return nil, fmt.Errorf("carbon project node %s not in graph", projectID)
	}
	if node.NodeType != "carbon_project" {
		return nil, fmt.Errorf("node %s is %s, not carbon_project", projectID, node.NodeType)
	}

	seen := map[string]bool{projectID: true}
	queue := []string{projectID}
	var component []string
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		component = append(component, v)
		for _, i := range g.Adj[v] {
			if w := g.Edges[i].ToID; !seen[w] {
				seen[w] = true
				queue = append(queue, w)
			}
		}
		for _, i := range g.Rev[v] {
			if w := g.Edges[i].FromID; !seen[w] {
				seen[w] = true
				queue = append(queue, w)
			}
		}
	}
	sort.Strings(component)

	var deficit float64
	var counted int
	for _, id := range component {
		n := g.Nodes[id]
		if n.TrustScore <= 0 {
			continue
		}
		deficit += (100 - n.TrustScore) / 100
		counted++
	}

	integrity := 100.0
	if counted > 0 {
		integrity = 100 * (1 - deficit/float64(counted))
	}

	return &CarbonLinkage{
		ProjectID:      projectID,
		ConnectedNodes: component,
		Integrity:      integrity,
		MintAllowed:    integrity >= carbonMintThreshold,
	}, nil
}
