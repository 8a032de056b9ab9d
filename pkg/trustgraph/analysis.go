package trustgraph

import (
	"fmt"
	"sort"
	"time"
)

// Anomaly severities and types.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"

	AnomalyCircularFlow     = "CIRCULAR_FLOW"
	AnomalyHubConcentration = "HUB_CONCENTRATION"
	AnomalyVelocityCluster  = "VELOCITY_CLUSTER"
)

// Anomaly is one detected structural irregularity.
type Anomaly struct {
	Type     string   `json:"type"`
	Severity string   `json:"severity"`
	NodeIDs  []string `json:"node_ids,omitempty"`
	EdgeIDs  []string `json:"edge_ids,omitempty"`
	Detail   string   `json:"detail"`
}

// Centrality holds per-node degree metrics.
type Centrality struct {
	NodeID             string  `json:"node_id"`
	InDegree           int     `json:"in_degree"`
	OutDegree          int     `json:"out_degree"`
	TotalDegree        int     `json:"total_degree"`
	RiskWeightedDegree float64 `json:"risk_weighted_degree"`
	Normalized         float64 `json:"normalized"`
}

// ComputeCentrality returns degree metrics for every node, in node id
// order. Normalized degree divides by 2|E| so values stay in [0,1].
func (g *Graph) ComputeCentrality() []Centrality {
	out := make([]Centrality, 0, len(g.NodeOrder))
	denom := float64(2 * len(g.Edges))
	for _, id := range g.NodeOrder {
		in, outDeg, total := g.Degree(id)
		var riskWeighted float64
		for _, i := range g.Adj[id] {
			riskWeighted += g.Edges[i].RiskContribution * g.Edges[i].Weight
		}
		for _, i := range g.Rev[id] {
			riskWeighted += g.Edges[i].RiskContribution * g.Edges[i].Weight
		}
		c := Centrality{
			NodeID:             id,
			InDegree:           in,
			OutDegree:          outDeg,
			TotalDegree:        total,
			RiskWeightedDegree: riskWeighted,
		}
		if denom > 0 {
			c.Normalized = float64(total) / denom
		}
		out = append(out, c)
	}
	return out
}

// ComputeBetweenness runs Brandes' unweighted betweenness accumulation,
// normalized by (n-1)(n-2).
func (g *Graph) ComputeBetweenness() map[string]float64 {
	between := make(map[string]float64, len(g.NodeOrder))
	for _, id := range g.NodeOrder {
		between[id] = 0
	}

	for _, source := range g.NodeOrder {
		var stack []string
		preds := make(map[string][]string)
		sigma := map[string]float64{source: 1}
		dist := map[string]int{source: 0}

		queue := []string{source}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, i := range g.Adj[v] {
				w := g.Edges[i].ToID
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		delta := make(map[string]float64)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != source {
				between[w] += delta[w]
			}
		}
	}

	n := float64(len(g.NodeOrder))
	if norm := (n - 1) * (n - 2); norm > 0 {
		for id := range between {
			between[id] /= norm
		}
	}
	return between
}

// DetectCycles walks the graph with recursion-stack tracking; every
// back-edge yields one CIRCULAR_FLOW anomaly carrying the cycle's nodes.
// Cycles of length 3 or less are critical.
func (g *Graph) DetectCycles() []Anomaly {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.NodeOrder))
	var stack []string
	var anomalies []Anomaly

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		for _, i := range g.Adj[id] {
			next := g.Edges[i].ToID
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// back-edge: the cycle is the stack suffix from next
				start := 0
				for j, n := range stack {
					if n == next {
						start = j
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				severity := SeverityHigh
				if len(cycle) <= 3 {
					severity = SeverityCritical
				}
				anomalies = append(anomalies, Anomaly{
					Type:     AnomalyCircularFlow,
					Severity: severity,
					NodeIDs:  cycle,
					Detail:   fmt.Sprintf("circular flow through %d nodes", len(cycle)),
				})
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.NodeOrder {
		if color[id] == white {
			visit(id)
		}
	}
	return anomalies
}

// minHubEdges gates hub detection: below this edge count the share
// thresholds would flag every node of a sparse graph.
const minHubEdges = 10

// DetectHubAnomalies flags nodes whose total degree exceeds 30% of the
// edge count, critical above 50%.
func (g *Graph) DetectHubAnomalies() []Anomaly {
	total := len(g.Edges)
	if total < minHubEdges {
		return nil
	}
	var anomalies []Anomaly
	for _, id := range g.NodeOrder {
		_, _, degree := g.Degree(id)
		share := float64(degree) / float64(total)
		if share <= 0.30 {
			continue
		}
		severity := SeverityHigh
		if share > 0.50 {
			severity = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyHubConcentration,
			Severity: severity,
			NodeIDs:  []string{id},
			Detail:   fmt.Sprintf("node carries %.0f%% of all edges", share*100),
		})
	}
	return anomalies
}

// DetectVelocityClusters buckets edges into one-hour windows; a bucket
// with more than 10 edges is anomalous, critical above 20.
func (g *Graph) DetectVelocityClusters() []Anomaly {
	buckets := make(map[int64][]string)
	for _, e := range g.Edges {
		t := edgeTime(e)
		if t.IsZero() {
			continue
		}
		key := t.Truncate(time.Hour).Unix()
		buckets[key] = append(buckets[key], e.ID)
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var anomalies []Anomaly
	for _, k := range keys {
		ids := buckets[k]
		if len(ids) <= 10 {
			continue
		}
		severity := SeverityHigh
		if len(ids) > 20 {
			severity = SeverityCritical
		}
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyVelocityCluster,
			Severity: severity,
			EdgeIDs:  ids,
			Detail:   fmt.Sprintf("%d edges created within one hour", len(ids)),
		})
	}
	return anomalies
}

// DetectAnomalies runs all detectors.
func (g *Graph) DetectAnomalies() []Anomaly {
	var out []Anomaly
	out = append(out, g.DetectCycles()...)
	out = append(out, g.DetectHubAnomalies()...)
	out = append(out, g.DetectVelocityClusters()...)
	return out
}

// connectedComponents counts components treating edges as undirected.
func (g *Graph) connectedComponents() int {
	if len(g.NodeOrder) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(g.NodeOrder))
	count := 0
	for _, start := range g.NodeOrder {
		if seen[start] {
			continue
		}
		count++
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
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
	}
	return count
}

// Integrity is the scored structural health of a graph.
type Integrity struct {
	Score            int     `json:"score"`
	Grade            string  `json:"grade"`
	CycleCount       int     `json:"cycle_count"`
	HubCount         int     `json:"hub_count"`
	ClusterCount     int     `json:"cluster_count"`
	Components       int     `json:"components"`
	EvidenceCoverage float64 `json:"evidence_coverage"`
}

// ComputeIntegrityScore scores the graph from 100 down: 20 per cycle,
// 15 per hub, 10 per velocity cluster, 5 per extra component, 10 more
// when fewer than half the edges carry evidence hashes.
func (g *Graph) ComputeIntegrityScore() Integrity {
	cycles := g.DetectCycles()
	hubs := g.DetectHubAnomalies()
	clusters := g.DetectVelocityClusters()
	components := g.connectedComponents()

	coverage := 1.0
	if len(g.Edges) > 0 {
		withEvidence := 0
		for _, e := range g.Edges {
			if e.EvidenceHash != "" {
				withEvidence++
			}
		}
		coverage = float64(withEvidence) / float64(len(g.Edges))
	}

	score := 100
	score -= 20 * len(cycles)
	score -= 15 * len(hubs)
	score -= 10 * len(clusters)
	if components > 1 {
		score -= 5 * (components - 1)
	}
	if coverage < 0.5 {
		score -= 10
	}
	if score < 0 {
		score = 0
	}

	return Integrity{
		Score:            score,
		Grade:            integrityGrade(score),
		CycleCount:       len(cycles),
		HubCount:         len(hubs),
		ClusterCount:     len(clusters),
		Components:       components,
		EvidenceCoverage: coverage,
	}
}

func integrityGrade(score int) string {
	switch {
	case score >= 80:
		return "A"
	case score >= 60:
		return "B"
	case score >= 40:
		return "C"
	default:
		return "D"
	}
}
