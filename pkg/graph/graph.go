// Package graph turns a WorkStatus into a small DAG of agent nodes and
// runs it wave by wave. The graph here is never more than four nodes and
// one edge, so building it is a direct topological sort rather than a
// general-purpose DAG library.
package graph

import "stackforge/pkg/store"

// Node is one agent selected to run this cycle.
type Node struct {
	Agent    store.AgentType
	Priority int
	Reason   string
}

// Edge is a same-cycle ordering constraint: From must run in an earlier
// (or the same, if no ordering applies) wave than To.
type Edge struct {
	From store.AgentType
	To   store.AgentType
}

// Graph is the per-cycle execution plan: which agents run, in which
// waves, and any ordering edges between them.
type Graph struct {
	Nodes []Node
	Edges []Edge
	Waves [][]store.AgentType
}

// Empty reports whether no agent has work this cycle.
func (g Graph) Empty() bool {
	return len(g.Nodes) == 0
}

// Build lays out an ExecutionGraph from a per-agent WorkStatus (the same
// map[store.AgentType]store.WorkEntry shape workdetect.Detect and the
// WorkDetectionCache both use, so callers pass either straight through).
// The only edge the spec defines is builder -> reviewer, added only when
// both the Builder and the Reviewer have work — so that if the Builder
// produces a fresh artifact this cycle, the Reviewer sees it rather than
// reviewing stale state. Wave assignment is a standard
// Kahn's-algorithm topological layering over that single possible edge.
func Build(status map[store.AgentType]store.WorkEntry) Graph {
	var g Graph

	selected := map[store.AgentType]bool{}
	for _, agentType := range store.AllAgentTypes {
		entry, ok := status[agentType]
		if !ok || !entry.HasWork {
			continue
		}
		selected[agentType] = true
		g.Nodes = append(g.Nodes, Node{Agent: agentType, Priority: entry.Priority, Reason: entry.Reason})
	}

	if selected[store.AgentBuilder] && selected[store.AgentReviewer] {
		g.Edges = append(g.Edges, Edge{From: store.AgentBuilder, To: store.AgentReviewer})
	}

	g.Waves = layerWaves(g.Nodes, g.Edges)
	return g
}

// layerWaves performs Kahn's algorithm: wave 0 is every selected node
// with zero in-edges among selected nodes, then repeatedly peels off
// nodes whose predecessors have all been placed.
func layerWaves(nodes []Node, edges []Edge) [][]store.AgentType {
	if len(nodes) == 0 {
		return nil
	}

	inDegree := map[store.AgentType]int{}
	dependents := map[store.AgentType][]store.AgentType{}
	for _, n := range nodes {
		inDegree[n.Agent] = 0
	}
	for _, e := range edges {
		inDegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}

	remaining := map[store.AgentType]bool{}
	for _, n := range nodes {
		remaining[n.Agent] = true
	}

	var waves [][]store.AgentType
	for len(remaining) > 0 {
		var wave []store.AgentType
		for _, n := range nodes {
			if remaining[n.Agent] && inDegree[n.Agent] == 0 {
				wave = append(wave, n.Agent)
			}
		}
		if len(wave) == 0 {
			// A cycle would land here; the spec's graph never has one
			// (at most one edge), but fail safe by draining everything
			// left into a final wave rather than looping forever.
			for _, n := range nodes {
				if remaining[n.Agent] {
					wave = append(wave, n.Agent)
				}
			}
		}
		for _, agentType := range wave {
			delete(remaining, agentType)
			for _, dep := range dependents[agentType] {
				inDegree[dep]--
			}
		}
		waves = append(waves, wave)
	}
	return waves
}
