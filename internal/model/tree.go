package model

import (
	"fmt"

	"github.com/google/uuid"
)

// Health is the assessed state of a context tree node.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
	HealthUnknown  Health = "unknown"
)

// MaxTreeDepth bounds how deeply a synthesized tree may nest.
const MaxTreeDepth = 8

// TreeNode is one node of a synthesized context tree.
type TreeNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	Health   Health     `json:"health"`
	Children []TreeNode `json:"children"`
}

// TreeSource records which generation run fed a tree and how many documents it contributed.
type TreeSource struct {
	Module          ModuleKind `json:"module"`
	RunID           uuid.UUID  `json:"run_id"`
	GenerationRunID uuid.UUID  `json:"generation_run_id"`
	DocumentCount   int        `json:"document_count"`
}

// ContextTree is stored as the generated_output of a tree run.
type ContextTree struct {
	Root         TreeNode     `json:"root"`
	Sources      []TreeSource `json:"sources"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
}

// Validate checks structural rules on the tree rooted at n: non-empty
// unique ids, known health values, and bounded depth.
// Unknown or empty health is normalized to HealthUnknown in place.
func (n *TreeNode) Validate() error {
	seen := make(map[string]struct{})
	return n.validate(seen, 1)
}

func (n *TreeNode) validate(seen map[string]struct{}, depth int) error {
	if depth > MaxTreeDepth {
		return fmt.Errorf("tree exceeds maximum depth of %d", MaxTreeDepth)
	}
	if n.ID == "" {
		return fmt.Errorf("node %q has empty id", n.Name)
	}
	if _, dup := seen[n.ID]; dup {
		return fmt.Errorf("duplicate node id %q", n.ID)
	}
	seen[n.ID] = struct{}{}
	if n.Name == "" {
		return fmt.Errorf("node %q has empty name", n.ID)
	}
	switch n.Health {
	case HealthHealthy, HealthDegraded, HealthCritical, HealthUnknown:
	default:
		n.Health = HealthUnknown
	}
	if n.Children == nil {
		n.Children = []TreeNode{}
	}
	for i := range n.Children {
		if err := n.Children[i].validate(seen, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of nodes in the tree rooted at n.
func (n TreeNode) Count() int {
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}
