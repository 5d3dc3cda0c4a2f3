package custody

import (
	"fmt"

	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

// NodeKind discriminates the three custody node variants.
type NodeKind string

const (
	KindLot            NodeKind = "lot"
	KindStock          NodeKind = "stock"
	KindTransformation NodeKind = "transformation"
)

// Node wraps one ledger record together with its resolved typed children,
// so the checker can walk the three kinds polymorphically. Parent is a
// back-reference into the materialized tree, never an owning pointer; the
// store owns record lifetime.
type Node struct {
	Kind           NodeKind
	Lot            *ledger.Lot
	Stock          *ledger.Stock
	Transformation *ledger.Transformation

	Parent   *Node
	Children []*Node
	Depth    int

	// Cycle marks a corrupted back-reference discovered during traversal:
	// this node was reached a second time within its own tree.
	Cycle bool
}

// ID returns the row id of the wrapped record.
func (n *Node) ID() int64 {
	switch n.Kind {
	case KindLot:
		return n.Lot.ID
	case KindStock:
		return n.Stock.ID
	default:
		return n.Transformation.ID
	}
}

// Label returns the external identifier where one exists, falling back to
// kind/row-id for transformations.
func (n *Node) Label() string {
	switch n.Kind {
	case KindLot:
		if n.Lot.ExternalID != "" {
			return n.Lot.ExternalID
		}
	case KindStock:
		if n.Stock.ExternalID != "" {
			return n.Stock.ExternalID
		}
	}
	return fmt.Sprintf("%s/%d", n.Kind, n.ID())
}

// OriginLot walks parent links to the nearest ancestor lot, which carries
// the delivery period a stock identifier inherits. Returns nil for a
// detached node.
func (n *Node) OriginLot() *ledger.Lot {
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if cur.Kind == KindLot {
			return cur.Lot
		}
	}
	if n.Kind == KindLot {
		return n.Lot
	}
	return nil
}

// OriginPeriod resolves the delivery period inherited from the ultimate
// originating lot; zero when unknown.
func (n *Node) OriginPeriod() int {
	if lot := n.OriginLot(); lot != nil {
		return lot.Period
	}
	return 0
}

// Walk visits the node and every descendant, depth first.
func (n *Node) Walk(visit func(*Node)) {
	visit(n)
	for _, child := range n.Children {
		child.Walk(visit)
	}
}
