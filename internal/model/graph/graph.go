// Package graph is the node/link workflow graph edited inside the client
// frame, in the editor's JSON layout.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrSlotNotFound = errors.New("slot not found")
)

// Graph is a serialized editor workflow.
type Graph struct {
	LastNodeID int             `json:"last_node_id"`
	LastLinkID int             `json:"last_link_id"`
	Nodes      []*Node         `json:"nodes"`
	Links      []*Link         `json:"links"`
	Groups     json.RawMessage `json:"groups,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
	Version    float64         `json:"version"`
}

// Node is one graph vertex.
type Node struct {
	ID            int             `json:"id"`
	Type          string          `json:"type"`
	Title         string          `json:"title,omitempty"`
	Pos           json.RawMessage `json:"pos,omitempty"`
	Size          json.RawMessage `json:"size,omitempty"`
	Inputs        []*Input        `json:"inputs,omitempty"`
	Outputs       []*Output       `json:"outputs,omitempty"`
	WidgetsValues json.RawMessage `json:"widgets_values,omitempty"`
}

// Input is a node input slot; at most one link feeds it.
type Input struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Link *int   `json:"link"`
}

// Output is a node output slot; it may feed many links.
type Output struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Links     []int  `json:"links"`
	SlotIndex int    `json:"slot_index"`
}

// Link connects an output slot to an input slot.
type Link struct {
	ID         int
	OriginID   int
	OriginSlot int
	TargetID   int
	TargetSlot int
	Type       string
}

// MarshalJSON writes the link as [id, origin, originSlot, target, targetSlot, type].
func (l Link) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.ID, l.OriginID, l.OriginSlot, l.TargetID, l.TargetSlot, l.Type})
}

// UnmarshalJSON reads the six-element array form.
func (l *Link) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if len(parts) != 6 {
		return fmt.Errorf("link: expected 6 elements, got %d", len(parts))
	}
	ints := []*int{&l.ID, &l.OriginID, &l.OriginSlot, &l.TargetID, &l.TargetSlot}
	for i, dst := range ints {
		if err := json.Unmarshal(parts[i], dst); err != nil {
			return fmt.Errorf("link element %d: %w", i, err)
		}
	}
	if err := json.Unmarshal(parts[5], &l.Type); err != nil {
		return fmt.Errorf("link type: %w", err)
	}
	return nil
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: []*Node{}, Links: []*Link{}, Version: 0.4}
}

// Parse validates raw against the workflow schema and decodes it.
func Parse(raw []byte) (*Graph, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	g := New()
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWorkflow, err)
	}
	if g.Nodes == nil {
		g.Nodes = []*Node{}
	}
	if g.Links == nil {
		g.Links = []*Link{}
	}
	return g, nil
}

// Marshal encodes the graph.
func (g *Graph) Marshal() (json.RawMessage, error) {
	return json.Marshal(g)
}

// Clone deep-copies the graph through its JSON form.
func (g *Graph) Clone() *Graph {
	raw, err := json.Marshal(g)
	if err != nil {
		panic(fmt.Sprintf("graph: clone: %v", err))
	}
	out := New()
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("graph: clone: %v", err))
	}
	return out
}

// IsEmpty reports whether the graph has no nodes.
func (g *Graph) IsEmpty() bool {
	return len(g.Nodes) == 0
}

// AddNode appends a node and assigns it the next id.
func (g *Graph) AddNode(n *Node) *Node {
	g.LastNodeID++
	n.ID = g.LastNodeID
	g.Nodes = append(g.Nodes, n)
	return n
}

// Node finds a node by id.
func (g *Graph) Node(id int) (*Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// NodesOfType returns the nodes of the given type in graph order.
func (g *Graph) NodesOfType(nodeType string) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.Type == nodeType {
			out = append(out, n)
		}
	}
	return out
}

// Link finds a link by id.
func (g *Graph) Link(id int) (*Link, bool) {
	for _, l := range g.Links {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// AddLink connects origin output slot to target input slot. An existing link
// into the target input is replaced.
func (g *Graph) AddLink(originID, originSlot, targetID, targetSlot int) (*Link, error) {
	origin, ok := g.Node(originID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, originID)
	}
	target, ok := g.Node(targetID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, targetID)
	}
	if originSlot < 0 || originSlot >= len(origin.Outputs) {
		return nil, fmt.Errorf("%w: output %d of node %d", ErrSlotNotFound, originSlot, originID)
	}
	if targetSlot < 0 || targetSlot >= len(target.Inputs) {
		return nil, fmt.Errorf("%w: input %d of node %d", ErrSlotNotFound, targetSlot, targetID)
	}

	if existing := target.Inputs[targetSlot].Link; existing != nil {
		g.RemoveLink(*existing)
	}

	g.LastLinkID++
	link := &Link{
		ID:         g.LastLinkID,
		OriginID:   originID,
		OriginSlot: originSlot,
		TargetID:   targetID,
		TargetSlot: targetSlot,
		Type:       origin.Outputs[originSlot].Type,
	}
	g.Links = append(g.Links, link)

	id := link.ID
	target.Inputs[targetSlot].Link = &id
	origin.Outputs[originSlot].Links = append(origin.Outputs[originSlot].Links, id)
	return link, nil
}

// RemoveLink deletes a link and clears both slot references. Unknown ids are
// ignored.
func (g *Graph) RemoveLink(id int) {
	idx := -1
	for i, l := range g.Links {
		if l.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	link := g.Links[idx]
	g.Links = append(g.Links[:idx], g.Links[idx+1:]...)

	if origin, ok := g.Node(link.OriginID); ok && link.OriginSlot < len(origin.Outputs) {
		out := origin.Outputs[link.OriginSlot]
		kept := out.Links[:0]
		for _, lid := range out.Links {
			if lid != id {
				kept = append(kept, lid)
			}
		}
		out.Links = kept
	}
	if target, ok := g.Node(link.TargetID); ok && link.TargetSlot < len(target.Inputs) {
		in := target.Inputs[link.TargetSlot]
		if in.Link != nil && *in.Link == id {
			in.Link = nil
		}
	}
}

// LinksFrom returns links leaving the given output slot.
func (g *Graph) LinksFrom(nodeID, slot int) []*Link {
	var out []*Link
	for _, l := range g.Links {
		if l.OriginID == nodeID && l.OriginSlot == slot {
			out = append(out, l)
		}
	}
	return out
}

// LinksInto returns links arriving at the given node, any slot.
func (g *Graph) LinksInto(nodeID int) []*Link {
	var out []*Link
	for _, l := range g.Links {
		if l.TargetID == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// LinksOutOf returns links leaving the given node, any slot.
func (g *Graph) LinksOutOf(nodeID int) []*Link {
	var out []*Link
	for _, l := range g.Links {
		if l.OriginID == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// NodeCount is a required number of nodes of one type.
type NodeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ContainsExactly reports whether every listed type occurs exactly Count times.
func (g *Graph) ContainsExactly(required []NodeCount) bool {
	counts := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		counts[n.Type]++
	}
	for _, r := range required {
		if counts[r.Type] != r.Count {
			return false
		}
	}
	return true
}

// IsEquivalent reports whether both graphs have the same node types wired the
// same way, ignoring ids, positions and widget values.
func IsEquivalent(a, b *Graph) bool {
	if len(a.Nodes) != len(b.Nodes) || len(a.Links) != len(b.Links) {
		return false
	}

	an, bn := sortedNodes(a), sortedNodes(b)
	for i := range an {
		if an[i].Type != bn[i].Type {
			return false
		}
	}

	am, bm := adjacency(a, an), adjacency(b, bn)
	for i := range am {
		for j := range am[i] {
			if am[i][j] != bm[i][j] {
				return false
			}
		}
	}
	return true
}

func sortedNodes(g *Graph) []*Node {
	nodes := append([]*Node(nil), g.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type < nodes[j].Type
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes
}

func adjacency(g *Graph, nodes []*Node) [][]bool {
	index := make(map[int]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	m := make([][]bool, len(nodes))
	for i := range m {
		m[i] = make([]bool, len(nodes))
	}
	for _, l := range g.Links {
		from, okFrom := index[l.OriginID]
		to, okTo := index[l.TargetID]
		if okFrom && okTo && from != to {
			m[from][to] = true
		}
	}
	return m
}

// Adapter node types bridging the graph to the host page.
const (
	// FromHostType nodes expose data sent in by the host on their outputs.
	FromHostType = "FromHost"
	// ToHostType nodes collect data for the host on their inputs.
	ToHostType = "ToHost"
	// AnyType is compatible with every slot type.
	AnyType = "*"
)

// Compatible reports whether an output of type out may feed an input of type in.
func Compatible(out, in string) bool {
	return out == in || out == AnyType || in == AnyType
}
