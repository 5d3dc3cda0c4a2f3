package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

func kinds(findings []Finding) []ErrorKind {
	out := make([]ErrorKind, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Kind)
	}
	return out
}

// stockUnder builds a stock node consuming from a parent lot, with child
// lot draws, wired the way the graph builder would.
func stockUnder(parentVolume float64, stored float64, draws ...float64) *Node {
	parentID := int64(1)
	parent := &Node{
		Kind: KindLot,
		Lot: &ledger.Lot{
			ID:               parentID,
			Period:           202403,
			Volume:           parentVolume,
			Status:           ledger.StatusAccepted,
			CountryOfOrigin:  "FR",
			DeliverySiteCode: "D01",
		},
	}
	parent.Lot.ExternalID = ledger.GenerateLotID(parent.Lot)

	stock := &Node{
		Kind: KindStock,
		Stock: &ledger.Stock{
			ID:              1,
			RemainingVolume: stored,
			CountryOfOrigin: "FR",
			DepotCode:       "T01",
			ParentLotID:     &parentID,
		},
		Parent: parent,
		Depth:  1,
	}
	stock.Stock.ExternalID = ledger.GenerateStockID(stock.Stock, 202403)
	parent.Children = []*Node{stock}

	for i, volume := range draws {
		stockID := stock.Stock.ID
		child := &Node{
			Kind: KindLot,
			Lot: &ledger.Lot{
				ID:            int64(10 + i),
				Period:        202404,
				Volume:        volume,
				Status:        ledger.StatusAccepted,
				ParentStockID: &stockID,
			},
			Parent: stock,
			Depth:  2,
		}
		child.Lot.ExternalID = ledger.GenerateLotID(child.Lot)
		stock.Children = append(stock.Children, child)
	}
	return stock
}

func TestVolumeConservation(t *testing.T) {
	checker := NewChecker()

	// 1000 initial, draws of 400 and 300: remaining must be 300.
	clean := stockUnder(1000, 300, 400, 300)
	assert.Empty(t, checker.Check(clean))

	drifted := stockUnder(1000, 250, 400, 300)
	findings := checker.Check(drifted)
	require.Len(t, findings, 1)
	assert.Equal(t, VolumeDrift, findings[0].Kind)
	assert.Equal(t, 250.0, findings[0].Meta["stored"])
	assert.Equal(t, 300.0, findings[0].Meta["expected"])
}

func TestDeletedDrawsDoNotConsume(t *testing.T) {
	checker := NewChecker()
	stock := stockUnder(1000, 600, 400, 250)
	stock.Children[1].Lot.Status = ledger.StatusDeleted

	assert.Empty(t, checker.Check(stock))
}

func TestOverConsumption(t *testing.T) {
	checker := NewChecker()
	stock := stockUnder(1000, 0, 700, 400)

	findings := checker.Check(stock)
	assert.Contains(t, kinds(findings), OverConsumption)
	// Checks are independent: the drifted remaining is reported too.
	assert.Contains(t, kinds(findings), VolumeDrift)
}

func TestDoubleParentLot(t *testing.T) {
	checker := NewChecker()
	parentLot, parentStock := int64(1), int64(2)
	node := &Node{
		Kind: KindLot,
		Lot: &ledger.Lot{
			ID:            5,
			Period:        202403,
			Status:        ledger.StatusPending,
			ParentLotID:   &parentLot,
			ParentStockID: &parentStock,
		},
	}
	node.Lot.ExternalID = ledger.GenerateLotID(node.Lot)

	findings := checker.Check(node)
	require.Len(t, findings, 1)
	assert.Equal(t, DoubleParent, findings[0].Kind)
}

func TestStockParentExclusivity(t *testing.T) {
	checker := NewChecker()
	node := &Node{
		Kind:  KindStock,
		Stock: &ledger.Stock{ID: 3},
	}
	node.Stock.ExternalID = ledger.GenerateStockID(node.Stock, 0)

	findings := checker.Check(node)
	require.Len(t, findings, 1)
	assert.Equal(t, DoubleParent, findings[0].Kind)
	assert.Equal(t, "missing_parent", findings[0].Meta["reason"])
}

func TestOrphanedChildAndCorrection(t *testing.T) {
	checker := NewChecker()
	stock := stockUnder(1000, 600, 400)
	parent := stock.Parent
	parent.Lot.Status = ledger.StatusDeleted

	child := stock.Children[0]
	findings := checker.Check(child)
	assert.Contains(t, kinds(findings), OrphanedChild)

	// Once the descendant is cascaded to deleted, a rerun is clean.
	child.Lot.Status = ledger.StatusDeleted
	assert.NotContains(t, kinds(checker.Check(child)), OrphanedChild)
}

func TestIdentifierDrift(t *testing.T) {
	checker := NewChecker()
	node := &Node{
		Kind: KindLot,
		Lot: &ledger.Lot{
			ID:               8,
			Period:           202403,
			CountryOfOrigin:  "FR",
			DeliverySiteCode: "D01",
			Status:           ledger.StatusAccepted,
			ExternalID:       "L202403-FR-8", // legacy format without the site segment
		},
	}

	findings := checker.Check(node)
	require.Len(t, findings, 1)
	assert.Equal(t, IdentifierDrift, findings[0].Kind)
	assert.Equal(t, "L202403-FR-D01-8", findings[0].Meta["expected"])
}

func TestEndToEndScenario(t *testing.T) {
	// Lot A (1000) -> stock S; lot B (400) drawn from S; transformation T
	// deducts 200 and credits stock S2 with 180. S must hold 400.
	checker := NewChecker()
	stock := stockUnder(1000, 1000, 400)

	tr := &Node{
		Kind: KindTransformation,
		Transformation: &ledger.Transformation{
			ID:             1,
			Type:           ledger.TransformEthToETBE,
			SourceStockID:  stock.Stock.ID,
			DestStockID:    2,
			VolumeDeducted: 200,
			VolumeCredited: 180,
		},
		Parent: stock,
		Depth:  2,
	}
	trID := tr.Transformation.ID
	dest := &Node{
		Kind: KindStock,
		Stock: &ledger.Stock{
			ID:                     2,
			RemainingVolume:        180,
			CountryOfOrigin:        "FR",
			DepotCode:              "T01",
			ParentTransformationID: &trID,
		},
		Parent: tr,
		Depth:  3,
	}
	dest.Stock.ExternalID = ledger.GenerateStockID(dest.Stock, 202403)
	tr.Children = []*Node{dest}
	stock.Children = append(stock.Children, tr)

	findings := checker.CheckTree(stock.Parent)
	require.Len(t, findings, 1)
	assert.Equal(t, VolumeDrift, findings[0].Kind)
	assert.Equal(t, 400.0, findings[0].Meta["expected"])

	stock.Stock.RemainingVolume = 400
	assert.Empty(t, checker.CheckTree(stock.Parent))
}

func TestCycleFinding(t *testing.T) {
	checker := NewChecker()
	stock := stockUnder(1000, 1000)
	stock.Cycle = true

	findings := checker.Check(stock)
	assert.Contains(t, kinds(findings), CycleDetected)
}

func TestAutoFixableTable(t *testing.T) {
	assert.True(t, VolumeDrift.AutoFixable())
	assert.True(t, IdentifierDrift.AutoFixable())
	assert.False(t, DoubleParent.AutoFixable())
	assert.False(t, OrphanedChild.AutoFixable())
	assert.False(t, OverConsumption.AutoFixable())
	assert.False(t, CycleDetected.AutoFixable())
}
