package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo, zap.NewNop()), repo
}

func declareTestLot(t *testing.T, svc Service, supplierID, clientID int64) *Lot {
	t.Helper()
	lot, err := svc.DeclareLot(context.Background(), DeclareLotRequest{
		Period:           202403,
		Volume:           1000,
		Weight:           900,
		LHVAmount:        8000,
		FeedstockCode:    "COLZA",
		BiofuelCode:      "EMHV",
		CountryOfOrigin:  "FR",
		GHGTotal:         20,
		GHGReference:     80,
		SupplierID:       &supplierID,
		ClientID:         &clientID,
		DeliverySiteCode: "D01",
	})
	require.NoError(t, err)
	return lot
}

func TestDeclareLot(t *testing.T) {
	svc, repo := newTestService(t)
	lot := declareTestLot(t, svc, 10, 20)

	// Both parties known at creation: pending immediately.
	assert.Equal(t, StatusPending, lot.Status)
	assert.Equal(t, "L202403-FR-D01-1", lot.ExternalID)
	assert.Equal(t, 75.0, lot.GHGReduction)

	events, err := repo.ListEvents(context.Background(), lot.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventCreated, events[0].Type)
}

func TestDeclareLotWithoutClientStaysDraft(t *testing.T) {
	svc, _ := newTestService(t)
	lot, err := svc.DeclareLot(context.Background(), DeclareLotRequest{Period: 202403, Volume: 500})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, lot.Status)
}

func TestSendLotRequiresClient(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot, err := svc.DeclareLot(ctx, DeclareLotRequest{Period: 202403, Volume: 500})
	require.NoError(t, err)

	err = svc.SendLot(ctx, lot.ID, nil, "", nil)
	assert.Error(t, err)

	err = svc.SendLot(ctx, lot.ID, nil, "Unknown Trader GmbH", nil)
	require.NoError(t, err)

	sent, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sent.Status)
	assert.Equal(t, "Unknown Trader GmbH", sent.UnknownClient)
}

func TestAcceptRejectResubmit(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := declareTestLot(t, svc, 10, 20)

	require.NoError(t, svc.RejectLot(ctx, lot.ID, nil))
	require.NoError(t, svc.StartCorrection(ctx, lot.ID, nil))
	require.NoError(t, svc.FixCorrection(ctx, lot.ID, nil))

	fixed, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fixed.Status)
	assert.Equal(t, CorrectionFixed, fixed.CorrectionStatus)

	require.NoError(t, svc.AcceptLot(ctx, lot.ID, nil))
	// Accepting twice is an illegal transition, never silently ignored.
	err = svc.AcceptLot(ctx, lot.ID, nil)
	assert.True(t, IsInvalidTransition(err))
}

func TestStockAndDraw(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := declareTestLot(t, svc, 10, 20)
	require.NoError(t, svc.AcceptLot(ctx, lot.ID, nil))

	stock, err := svc.StockLot(ctx, lot.ID, 20, "T01", nil)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, stock.RemainingVolume)
	assert.Equal(t, "S202403-FR-T01-1", stock.ExternalID)

	client := int64(30)
	drawn, err := svc.DrawFromStock(ctx, DrawRequest{
		StockID:          stock.ID,
		Volume:           400,
		Period:           202404,
		ClientID:         &client,
		DeliverySiteCode: "D02",
	})
	require.NoError(t, err)
	require.NotNil(t, drawn.ParentStockID)
	assert.Equal(t, stock.ID, *drawn.ParentStockID)

	// The drawn share carries its proportional weight and energy content.
	assert.Equal(t, 360.0, drawn.Weight)
	assert.Equal(t, 3200.0, drawn.LHVAmount)

	updated, err := repo.GetStock(ctx, stock.ID)
	require.NoError(t, err)
	assert.Equal(t, 600.0, updated.RemainingVolume)
	assert.Equal(t, 540.0, updated.RemainingWeight)
	assert.Equal(t, 4800.0, updated.RemainingLHV)

	// Drawing more than remains is refused at the mutation path.
	_, err = svc.DrawFromStock(ctx, DrawRequest{StockID: stock.ID, Volume: 601})
	assert.Error(t, err)
}

func TestTransform(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := declareTestLot(t, svc, 10, 20)
	require.NoError(t, svc.AcceptLot(ctx, lot.ID, nil))
	stock, err := svc.StockLot(ctx, lot.ID, 20, "T01", nil)
	require.NoError(t, err)

	tr, err := svc.Transform(ctx, TransformRequest{
		SourceStockID:  stock.ID,
		Type:           TransformEthToETBE,
		VolumeDeducted: 200,
		VolumeCredited: 180,
	})
	require.NoError(t, err)
	require.NotZero(t, tr.DestStockID)

	source, err := repo.GetStock(ctx, stock.ID)
	require.NoError(t, err)
	assert.Equal(t, 800.0, source.RemainingVolume)

	dest, err := repo.GetStock(ctx, tr.DestStockID)
	require.NoError(t, err)
	assert.Equal(t, 180.0, dest.RemainingVolume)
	require.NotNil(t, dest.ParentTransformationID)
	assert.Equal(t, tr.ID, *dest.ParentTransformationID)

	// The destination identifier carries the origin lot's period, so a
	// fresh transformation never shows up as identifier drift.
	assert.Equal(t, "S202403-FR-T01-2", dest.ExternalID)

	chained, err := svc.Transform(ctx, TransformRequest{
		SourceStockID:  tr.DestStockID,
		Type:           TransformOther,
		VolumeDeducted: 100,
		VolumeCredited: 90,
	})
	require.NoError(t, err)
	dest2, err := repo.GetStock(ctx, chained.DestStockID)
	require.NoError(t, err)
	assert.Equal(t, "S202403-FR-T01-3", dest2.ExternalID)
}

func TestDeleteLotCascade(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	parent := declareTestLot(t, svc, 10, 20)
	require.NoError(t, svc.AcceptLot(ctx, parent.ID, nil))

	child, err := NewLot(202403, 100, &parent.ID, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateLot(ctx, child))

	// A lot drawn from a transformation's destination stock is part of the
	// custody chain and must cascade too.
	stock, err := svc.StockLot(ctx, parent.ID, 20, "T01", nil)
	require.NoError(t, err)
	tr, err := svc.Transform(ctx, TransformRequest{
		SourceStockID:  stock.ID,
		Type:           TransformEthToETBE,
		VolumeDeducted: 200,
		VolumeCredited: 180,
	})
	require.NoError(t, err)
	derived, err := svc.DrawFromStock(ctx, DrawRequest{StockID: tr.DestStockID, Volume: 100, Period: 202404})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteLot(ctx, parent.ID, true, nil))

	for _, id := range []int64{parent.ID, child.ID, derived.ID} {
		deleted, err := repo.GetLot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDeleted, deleted.Status)
	}
}

func TestDeclarationFreezeFlow(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := declareTestLot(t, svc, 10, 20)
	require.NoError(t, svc.AcceptLot(ctx, lot.ID, nil))

	// Supplier declares first: one acknowledgement is not enough.
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 10, Period: 202403}))
	afterSupplier, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, afterSupplier.DeclaredBySupplier)
	assert.Equal(t, StatusAccepted, afterSupplier.Status)

	// Client declares: dual acknowledgement reached, lot freezes.
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 20, Period: 202403}))
	frozen, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.True(t, frozen.DeclaredByClient)
	assert.Equal(t, StatusFrozen, frozen.Status)

	// Invalidating one declaration reverts the freeze.
	require.NoError(t, svc.InvalidateDeclaration(ctx, Declaration{EntityID: 20, Period: 202403}))
	reverted, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.False(t, reverted.DeclaredByClient)
	assert.Equal(t, StatusAccepted, reverted.Status)
}

func TestDeclarationCoversLotsDerivedInLaterPeriods(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	root := declareTestLot(t, svc, 10, 20)
	require.NoError(t, svc.AcceptLot(ctx, root.ID, nil))
	stock, err := svc.StockLot(ctx, root.ID, 20, "T01", nil)
	require.NoError(t, err)

	client := int64(30)
	drawn, err := svc.DrawFromStock(ctx, DrawRequest{
		StockID:          stock.ID,
		Volume:           400,
		Period:           202404,
		ClientID:         &client,
		DeliverySiteCode: "D02",
	})
	require.NoError(t, err)
	require.NoError(t, svc.AcceptLot(ctx, drawn.ID, nil))

	// The drawn lot sits under a root of an earlier period; declarations
	// for its own period must still reach it.
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 20, Period: 202404}))
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 30, Period: 202404}))

	frozen, err := repo.GetLot(ctx, drawn.ID)
	require.NoError(t, err)
	assert.True(t, frozen.DeclaredBySupplier)
	assert.True(t, frozen.DeclaredByClient)
	assert.Equal(t, StatusFrozen, frozen.Status)

	// The root belongs to another period and is left untouched.
	untouched, err := repo.GetLot(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, untouched.DeclaredByClient)
	assert.Equal(t, StatusAccepted, untouched.Status)
}

func TestAcceptFreezesWhenDeclarationsPrecede(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	lot := declareTestLot(t, svc, 10, 20)

	// Both parties declare while the lot is still pending: the flags are
	// recorded but the lot cannot freeze yet.
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 10, Period: 202403}))
	require.NoError(t, svc.ValidateDeclaration(ctx, Declaration{EntityID: 20, Period: 202403}))
	pending, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)
	assert.True(t, pending.DeclaredBySupplier)
	assert.True(t, pending.DeclaredByClient)

	// Acceptance recomputes the gate and freezes immediately.
	require.NoError(t, svc.AcceptLot(ctx, lot.ID, nil))
	frozen, err := repo.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, frozen.Status)

	events, err := repo.ListEvents(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, EventFrozen, events[len(events)-1].Type)
}
