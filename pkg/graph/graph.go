// Package graph assembles in-memory snapshots of the content tree and
// provides traversal over them. Snapshots are read-only: mutations go
// through the entity store, and callers rebuild per query rather than
// holding a snapshot across writes.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/trelliscms/trellis/pkg/ucg"
)

// Node is one entity in a snapshot, with the edge it hangs from and its
// assembled children. Root nodes carry a synthetic association.
type Node struct {
	Entity      *ucg.Entity      `json:"entity"`
	Association *ucg.Association `json:"association,omitempty"`
	Path        string           `json:"path"`
	Children    []*Node          `json:"children,omitempty"`
}

// Graph is an assembled snapshot with lookup indices. It is immutable
// after Build returns and safe for concurrent reads.
type Graph struct {
	Roots []*Node

	byID       map[string]*Node
	byPath     map[string]string
	bySemantic map[string]string
}

// NodeByID returns the node for an entity id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	return g.byID[id]
}

// NodeByPath returns the node at a canonical numeric path, or nil.
func (g *Graph) NodeByPath(path string) *Node {
	return g.byID[g.byPath[path]]
}

// NodeBySemanticName returns the node for a (type, name) pair, or nil.
func (g *Graph) NodeBySemanticName(entityType, name string) *Node {
	return g.byID[g.bySemantic[entityType+"/"+name]]
}

// NodeCount returns the number of nodes in the snapshot.
func (g *Graph) NodeCount() int {
	return len(g.byID)
}

// BFS visits nodes breadth-first, roots in position order. The visitor
// returns false to stop early.
func (g *Graph) BFS(visit func(*Node) bool) {
	queue := make([]*Node, len(g.Roots))
	copy(queue, g.Roots)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if !visit(node) {
			return
		}
		queue = append(queue, node.Children...)
	}
}

// DFS visits nodes depth-first pre-order. The visitor returns false to
// stop early.
func (g *Graph) DFS(visit func(*Node) bool) {
	for _, root := range g.Roots {
		if !dfs(root, visit) {
			return
		}
	}
}

func dfs(node *Node, visit func(*Node) bool) bool {
	if !visit(node) {
		return false
	}
	for _, child := range node.Children {
		if !dfs(child, visit) {
			return false
		}
	}
	return true
}

// FindPath returns the ordered id chain from one node down to another,
// or nil when no such chain exists. Both endpoints are included.
func (g *Graph) FindPath(fromID, toID string) []string {
	start := g.byID[fromID]
	if start == nil || g.byID[toID] == nil {
		return nil
	}

	visited := make(map[string]bool)
	var chain []string
	if findPath(start, toID, visited, &chain) {
		return chain
	}
	return nil
}

func findPath(node *Node, toID string, visited map[string]bool, chain *[]string) bool {
	if visited[node.Entity.ID] {
		return false
	}
	visited[node.Entity.ID] = true

	*chain = append(*chain, node.Entity.ID)
	if node.Entity.ID == toID {
		return true
	}
	for _, child := range node.Children {
		if findPath(child, toID, visited, chain) {
			return true
		}
	}
	*chain = (*chain)[:len(*chain)-1]
	return false
}

// Descendants returns every node strictly below id, deepest first, so
// callers can delete child-before-parent. Nil when id is absent.
func (g *Graph) Descendants(id string) []*Node {
	node := g.byID[id]
	if node == nil {
		return nil
	}
	// Post-order puts the deepest nodes first within each branch.
	var ordered []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		for _, child := range n.Children {
			walk(child)
		}
		if n != node {
			ordered = append(ordered, n)
		}
	}
	walk(node)
	return ordered
}

// Export serializes the snapshot as indented JSON.
func (g *Graph) Export() ([]byte, error) {
	raw, err := json.MarshalIndent(g.Roots, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to export graph: %w", err)
	}
	return raw, nil
}
