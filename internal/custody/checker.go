package custody

import (
	"github.com/shopspring/decimal"

	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

// ErrorKind classifies a ledger inconsistency. These are data findings, not
// operational errors: the store being unreachable is an error, a stock whose
// remaining volume no longer matches its children is a finding.
type ErrorKind string

const (
	DoubleParent    ErrorKind = "DoubleParent"
	OrphanedChild   ErrorKind = "OrphanedChild"
	VolumeDrift     ErrorKind = "VolumeDrift"
	IdentifierDrift ErrorKind = "IdentifierDrift"
	OverConsumption ErrorKind = "OverConsumption"
	CycleDetected   ErrorKind = "CycleDetected"
)

// AutoFixable reports whether the kind has an unambiguous deterministic
// repair. Structural kinds require an administrative decision and are never
// auto-repaired.
func (k ErrorKind) AutoFixable() bool {
	return k == VolumeDrift || k == IdentifierDrift
}

// Finding is one inconsistency on one node, with enough metadata to explain
// and, for fixable kinds, to repair it.
type Finding struct {
	Node *Node
	Kind ErrorKind
	Meta map[string]interface{}
}

// Checker evaluates conservation and consistency invariants per node. Every
// applicable check runs even after one fails, so a single pass reports all
// problems on a node.
type Checker struct{}

func NewChecker() *Checker {
	return &Checker{}
}

// CheckTree runs Check over a whole custody tree.
func (c *Checker) CheckTree(root *Node) []Finding {
	var findings []Finding
	root.Walk(func(n *Node) {
		findings = append(findings, c.Check(n)...)
	})
	return findings
}

// Check evaluates all invariants on a single node, independent of its
// position in the tree.
func (c *Checker) Check(node *Node) []Finding {
	var findings []Finding
	add := func(kind ErrorKind, meta map[string]interface{}) {
		findings = append(findings, Finding{Node: node, Kind: kind, Meta: meta})
	}

	if node.Cycle {
		add(CycleDetected, map[string]interface{}{"depth": node.Depth})
	}

	switch node.Kind {
	case KindLot:
		c.checkLot(node, add)
	case KindStock:
		c.checkStock(node, add)
	}
	return findings
}

func (c *Checker) checkLot(node *Node, add func(ErrorKind, map[string]interface{})) {
	lot := node.Lot

	if lot.ParentLotID != nil && lot.ParentStockID != nil {
		add(DoubleParent, map[string]interface{}{
			"parent_lot_id":   *lot.ParentLotID,
			"parent_stock_id": *lot.ParentStockID,
		})
	}

	if origin := orphanedBy(node); origin != nil && lot.Status != ledger.StatusDeleted {
		add(OrphanedChild, map[string]interface{}{
			"deleted_ancestor": origin.ID,
			"status":           string(lot.Status),
		})
	}

	if expected := ledger.GenerateLotID(lot); lot.ExternalID != expected {
		add(IdentifierDrift, map[string]interface{}{
			"stored":   lot.ExternalID,
			"expected": expected,
		})
	}
}

func (c *Checker) checkStock(node *Node, add func(ErrorKind, map[string]interface{})) {
	stock := node.Stock

	// Exactly one originating parent; both missing and both set are the
	// same structural defect.
	hasLot := stock.ParentLotID != nil
	hasTr := stock.ParentTransformationID != nil
	if hasLot == hasTr {
		reason := "missing_parent"
		if hasLot {
			reason = "both_parents"
		}
		add(DoubleParent, map[string]interface{}{"reason": reason})
	}

	if initial, ok := initialAmount(node); ok {
		consumed := consumedAmount(node)
		expected := initial.Sub(consumed).Round(2)
		stored := decimal.NewFromFloat(stock.RemainingVolume).Round(2)
		if !expected.Equal(stored) {
			add(VolumeDrift, map[string]interface{}{
				"stored":   stored.InexactFloat64(),
				"expected": expected.InexactFloat64(),
			})
		}
		if consumed.Round(2).GreaterThan(initial.Round(2)) {
			add(OverConsumption, map[string]interface{}{
				"initial":  initial.InexactFloat64(),
				"consumed": consumed.InexactFloat64(),
			})
		}
	}

	if expected := ledger.GenerateStockID(stock, node.OriginPeriod()); stock.ExternalID != expected {
		add(IdentifierDrift, map[string]interface{}{
			"stored":   stock.ExternalID,
			"expected": expected,
		})
	}
}

// initialAmount resolves what was originally placed into a stock: its
// parent lot's volume or its parent transformation's credited volume.
func initialAmount(node *Node) (decimal.Decimal, bool) {
	parent := node.Parent
	if parent == nil {
		return decimal.Zero, false
	}
	switch parent.Kind {
	case KindLot:
		return decimal.NewFromFloat(parent.Lot.Volume), true
	case KindTransformation:
		return decimal.NewFromFloat(parent.Transformation.VolumeCredited), true
	}
	return decimal.Zero, false
}

// orphanedBy returns the nearest deleted ancestor lot, if any. A node below
// a deleted lot must itself be deleted.
func orphanedBy(node *Node) *ledger.Lot {
	for cur := node.Parent; cur != nil; cur = cur.Parent {
		if cur.Kind == KindLot && cur.Lot.Status == ledger.StatusDeleted {
			return cur.Lot
		}
	}
	return nil
}

// ExpectedRemaining recomputes a stock node's remaining volume from its
// children, for use by repairs. ok is false when the initial amount cannot
// be resolved.
func ExpectedRemaining(node *Node) (float64, bool) {
	if node.Kind != KindStock {
		return 0, false
	}
	initial, ok := initialAmount(node)
	if !ok {
		return 0, false
	}
	return initial.Sub(consumedAmount(node)).Round(2).InexactFloat64(), true
}

// consumedAmount sums what non-deleted child lots draw and what child
// transformations deduct from a stock.
func consumedAmount(node *Node) decimal.Decimal {
	consumed := decimal.Zero
	for _, child := range node.Children {
		switch child.Kind {
		case KindLot:
			if child.Lot.Status != ledger.StatusDeleted {
				consumed = consumed.Add(decimal.NewFromFloat(child.Lot.Volume))
			}
		case KindTransformation:
			consumed = consumed.Add(decimal.NewFromFloat(child.Transformation.VolumeDeducted))
		}
	}
	return consumed
}
