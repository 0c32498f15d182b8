package model

// Node captures a worker's logical identity as the external inventory knows
// it. Index is assigned by the inventory system, unique across all nodes ever
// enrolled, and drives deterministic address allocation on every plane.
type Node struct {
	ID    string `json:"id"`
	Group string `json:"group,omitempty"`
	Index int    `json:"index"`
}
