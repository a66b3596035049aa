package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
)

// Edge labels with a fixed meaning.
const (
	LabelDefault = "default"
	LabelTimeout = "timeout"
	LabelTrue    = "true"
	LabelFalse   = "false"
	LabelSuccess = "success"
	LabelFailure = "failure"
)

// Edge connects two nodes. The editor stores the branch either as a label or
// as the source handle id.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label"`
	SourceHandle string `json:"sourceHandle"`
}

// Branch returns the normalized label of the edge, "" when unlabeled.
func (e Edge) Branch() string {
	label := e.Label
	if label == "" {
		label = e.SourceHandle
	}
	return strings.ToLower(strings.TrimSpace(label))
}

// Graph is a decoded flow.
type Graph struct {
	order    []string
	nodes    map[string]Node
	edges    []Edge
	outgoing map[string][]Edge
	incoming map[string]int
}

// Parse decodes a stored flow.
func Parse(f *models.Flow) (*Graph, error) {
	if f == nil {
		return nil, failure.FlowStructure("flow is missing")
	}
	return Decode(f.Nodes, f.Edges)
}

// Decode builds a graph from the editor's node and edge documents. Unknown
// node types and duplicate ids are rejected here; dangling edges are only
// detected when traversed (or by Lint).
func Decode(nodesJSON, edgesJSON []byte) (*Graph, error) {
	var rawNodes []rawNode
	if err := json.Unmarshal(nodesJSON, &rawNodes); err != nil {
		return nil, failure.Wrap(failure.KindFlowStructure, "decode nodes", err)
	}
	var edges []Edge
	if len(edgesJSON) > 0 && string(edgesJSON) != "null" {
		if err := json.Unmarshal(edgesJSON, &edges); err != nil {
			return nil, failure.Wrap(failure.KindFlowStructure, "decode edges", err)
		}
	}

	g := &Graph{
		nodes:    make(map[string]Node, len(rawNodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string]int),
		edges:    edges,
	}
	for _, raw := range rawNodes {
		if raw.ID == "" {
			return nil, failure.FlowStructure("node without id")
		}
		if _, dup := g.nodes[raw.ID]; dup {
			return nil, failure.FlowStructure("duplicate node id %q", raw.ID)
		}
		n, err := decodeNode(raw)
		if err != nil {
			return nil, failure.Wrap(failure.KindFlowStructure, "decode node", err)
		}
		g.nodes[raw.ID] = n
		g.order = append(g.order, raw.ID)
	}
	for _, e := range edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
		g.incoming[e.Target]++
	}
	return g, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the nodes in document order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Outgoing returns the edges leaving id.
func (g *Graph) Outgoing(id string) []Edge {
	return g.outgoing[id]
}

// Entry returns the single node without incoming edges.
func (g *Graph) Entry() (string, error) {
	var entries []string
	for _, id := range g.order {
		if g.incoming[id] == 0 {
			entries = append(entries, id)
		}
	}
	switch len(entries) {
	case 1:
		return entries[0], nil
	case 0:
		return "", failure.FlowStructure("flow has no entry node")
	default:
		return "", failure.FlowStructure("flow has %d entry nodes: %s", len(entries), strings.Join(entries, ", "))
	}
}

// next selects the sole continuation of a linear node. ok is false when the
// node has no outgoing edge.
func (g *Graph) next(id string) (target string, ok bool, err error) {
	out := g.outgoing[id]
	switch len(out) {
	case 0:
		return "", false, nil
	case 1:
		return out[0].Target, true, nil
	}
	var fallback []Edge
	for _, e := range out {
		if b := e.Branch(); b == "" || b == LabelDefault {
			fallback = append(fallback, e)
		}
	}
	if len(fallback) == 1 {
		return fallback[0].Target, true, nil
	}
	return "", false, failure.FlowStructure("node %q has %d ambiguous outgoing edges", id, len(out))
}

// labeled returns the target of the first edge out of id whose branch is one
// of labels, tried in order.
func (g *Graph) labeled(id string, labels ...string) (string, bool) {
	for _, label := range labels {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		for _, e := range g.outgoing[id] {
			if e.Branch() == label {
				return e.Target, true
			}
		}
	}
	return "", false
}

// fallback returns the default or unlabeled continuation of id.
func (g *Graph) fallback(id string) (string, bool) {
	if target, ok := g.labeled(id, LabelDefault); ok {
		return target, true
	}
	for _, e := range g.outgoing[id] {
		if e.Branch() == "" {
			return e.Target, true
		}
	}
	return "", false
}

func (g *Graph) edgeTargetExists(e Edge) error {
	if _, ok := g.nodes[e.Target]; !ok {
		return fmt.Errorf("edge %q points to missing node %q", e.ID, e.Target)
	}
	return nil
}
