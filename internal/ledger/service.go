package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service exposes every mutation path of the ledger. Invariants are
// enforced here on each write, not only by the batch checker.
type Service interface {
	DeclareLot(ctx context.Context, req DeclareLotRequest) (*Lot, error)
	DuplicateLot(ctx context.Context, lotID int64, actorID *int64) (*Lot, error)
	StockLot(ctx context.Context, lotID int64, holderID int64, depotCode string, actorID *int64) (*Stock, error)
	DrawFromStock(ctx context.Context, req DrawRequest) (*Lot, error)
	Transform(ctx context.Context, req TransformRequest) (*Transformation, error)

	SendLot(ctx context.Context, lotID int64, clientID *int64, unknownClient string, actorID *int64) error
	AcceptLot(ctx context.Context, lotID int64, actorID *int64) error
	RejectLot(ctx context.Context, lotID int64, actorID *int64) error
	DeleteLot(ctx context.Context, lotID int64, cascade bool, actorID *int64) error

	StartCorrection(ctx context.Context, lotID int64, actorID *int64) error
	FixCorrection(ctx context.Context, lotID int64, actorID *int64) error

	ValidateDeclaration(ctx context.Context, d Declaration) error
	InvalidateDeclaration(ctx context.Context, d Declaration) error
}

// DeclareLotRequest carries a manual lot declaration. Either party may be
// an unregistered counterparty recorded as free text.
type DeclareLotRequest struct {
	Period           int
	Volume           float64
	Weight           float64
	LHVAmount        float64
	FeedstockCode    string
	BiofuelCode      string
	CountryOfOrigin  string
	GHGTotal         float64
	GHGReference     float64
	SupplierID       *int64
	UnknownSupplier  string
	ClientID         *int64
	UnknownClient    string
	DeliverySiteCode string
	ActorID          *int64
}

// DrawRequest derives a child lot from a stock, consuming part of it.
type DrawRequest struct {
	StockID          int64
	Volume           float64
	Period           int
	ClientID         *int64
	UnknownClient    string
	DeliverySiteCode string
	ActorID          *int64
}

// TransformRequest converts part of a source stock into a new destination
// stock, e.g. dehydrating ethanol into ETBE.
type TransformRequest struct {
	SourceStockID  int64
	Type           TransformationType
	VolumeDeducted float64
	VolumeCredited float64
	DepotCode      string
	ActorID        *int64
}

// Declaration identifies one party's validated monthly declaration. The
// lifecycle consumes these events instead of ambient flags: each one sets
// or clears a side's acknowledgement and recomputes freeze eligibility.
type Declaration struct {
	EntityID int64
	Period   int
	ActorID  *int64
}

type ledgerService struct {
	repo   Repository
	sm     *StateMachine
	logger *zap.Logger
}

// NewService wires the ledger service over a store.
func NewService(repo Repository, logger *zap.Logger) Service {
	return &ledgerService{
		repo:   repo,
		sm:     NewStateMachine(),
		logger: logger,
	}
}

func (s *ledgerService) DeclareLot(ctx context.Context, req DeclareLotRequest) (*Lot, error) {
	lot, err := NewLot(req.Period, req.Volume, nil, nil)
	if err != nil {
		return nil, err
	}
	lot.Weight = req.Weight
	lot.LHVAmount = req.LHVAmount
	lot.FeedstockCode = req.FeedstockCode
	lot.BiofuelCode = req.BiofuelCode
	lot.CountryOfOrigin = req.CountryOfOrigin
	lot.GHGTotal = req.GHGTotal
	lot.GHGReference = req.GHGReference
	lot.GHGReduction = ComputeGHGReduction(req.GHGTotal, req.GHGReference)
	lot.SupplierID = req.SupplierID
	lot.UnknownSupplier = req.UnknownSupplier
	lot.ClientID = req.ClientID
	lot.UnknownClient = req.UnknownClient
	lot.DeliverySiteCode = req.DeliverySiteCode
	if req.ClientID != nil || req.UnknownClient != "" {
		lot.Status = StatusPending
	}

	if err := s.repo.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("create lot: %w", err)
	}
	lot.ExternalID = GenerateLotID(lot)
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("assign lot identifier: %w", err)
	}
	s.emit(ctx, lot.ID, EventCreated, req.ActorID, map[string]interface{}{"volume": lot.Volume, "period": lot.Period})
	return lot, nil
}

func (s *ledgerService) DuplicateLot(ctx context.Context, lotID int64, actorID *int64) (*Lot, error) {
	src, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	dup := *src
	dup.ID = 0
	dup.ExternalID = ""
	dup.Status = StatusDraft
	dup.CorrectionStatus = CorrectionNone
	dup.DeclaredBySupplier = false
	dup.DeclaredByClient = false
	dup.CreatedAt = time.Now()
	dup.UpdatedAt = dup.CreatedAt
	if err := s.repo.CreateLot(ctx, &dup); err != nil {
		return nil, fmt.Errorf("duplicate lot %d: %w", lotID, err)
	}
	dup.ExternalID = GenerateLotID(&dup)
	if err := s.repo.UpdateLot(ctx, &dup); err != nil {
		return nil, err
	}
	s.emit(ctx, dup.ID, EventCreated, actorID, map[string]interface{}{"duplicated_from": lotID})
	return &dup, nil
}

func (s *ledgerService) StockLot(ctx context.Context, lotID int64, holderID int64, depotCode string, actorID *int64) (*Stock, error) {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status != StatusAccepted && lot.Status != StatusFrozen {
		return nil, &InvalidTransitionError{From: lot.Status, To: lot.Status, Why: "only an accepted or frozen lot can be placed into storage"}
	}
	stock, err := NewStock(lot.Volume, &lot.ID, nil)
	if err != nil {
		return nil, err
	}
	stock.RemainingWeight = lot.Weight
	stock.RemainingLHV = lot.LHVAmount
	stock.FeedstockCode = lot.FeedstockCode
	stock.BiofuelCode = lot.BiofuelCode
	stock.CountryOfOrigin = lot.CountryOfOrigin
	stock.HolderID = holderID
	stock.DepotCode = depotCode
	if err := s.repo.CreateStock(ctx, stock); err != nil {
		return nil, fmt.Errorf("create stock: %w", err)
	}
	stock.ExternalID = GenerateStockID(stock, lot.Period)
	if err := s.repo.UpdateStock(ctx, stock); err != nil {
		return nil, fmt.Errorf("assign stock identifier: %w", err)
	}
	s.emit(ctx, lot.ID, EventUpdated, actorID, map[string]interface{}{"stocked_as": stock.ExternalID})
	return stock, nil
}

func (s *ledgerService) DrawFromStock(ctx context.Context, req DrawRequest) (*Lot, error) {
	stock, err := s.repo.GetStock(ctx, req.StockID)
	if err != nil {
		return nil, err
	}
	if req.Volume <= 0 || req.Volume > stock.RemainingVolume {
		return nil, fmt.Errorf("cannot draw %f from stock %d holding %f", req.Volume, stock.ID, stock.RemainingVolume)
	}
	lot, err := NewLot(req.Period, req.Volume, nil, &stock.ID)
	if err != nil {
		return nil, err
	}
	// Weight and energy content follow the drawn share of the stock.
	ratio := req.Volume / stock.RemainingVolume
	lot.Weight = roundVolume(stock.RemainingWeight * ratio)
	lot.LHVAmount = roundVolume(stock.RemainingLHV * ratio)
	lot.FeedstockCode = stock.FeedstockCode
	lot.BiofuelCode = stock.BiofuelCode
	lot.CountryOfOrigin = stock.CountryOfOrigin
	lot.SupplierID = &stock.HolderID
	lot.ClientID = req.ClientID
	lot.UnknownClient = req.UnknownClient
	lot.DeliverySiteCode = req.DeliverySiteCode
	if req.ClientID != nil || req.UnknownClient != "" {
		lot.Status = StatusPending
	}
	if err := s.repo.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("create drawn lot: %w", err)
	}
	lot.ExternalID = GenerateLotID(lot)
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return nil, err
	}

	stock.RemainingVolume = roundVolume(stock.RemainingVolume - req.Volume)
	stock.RemainingWeight = roundVolume(stock.RemainingWeight - lot.Weight)
	stock.RemainingLHV = roundVolume(stock.RemainingLHV - lot.LHVAmount)
	stock.UpdatedAt = time.Now()
	if err := s.repo.UpdateStock(ctx, stock); err != nil {
		return nil, fmt.Errorf("decrement stock %d: %w", stock.ID, err)
	}
	s.emit(ctx, lot.ID, EventCreated, req.ActorID, map[string]interface{}{"drawn_from_stock": stock.ID, "volume": req.Volume})
	return lot, nil
}

func (s *ledgerService) Transform(ctx context.Context, req TransformRequest) (*Transformation, error) {
	source, err := s.repo.GetStock(ctx, req.SourceStockID)
	if err != nil {
		return nil, err
	}
	tr, err := NewTransformation(req.Type, source, req.VolumeDeducted, req.VolumeCredited)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateTransformation(ctx, tr); err != nil {
		return nil, fmt.Errorf("create transformation: %w", err)
	}

	dest, err := NewStock(req.VolumeCredited, nil, &tr.ID)
	if err != nil {
		return nil, err
	}
	dest.FeedstockCode = source.FeedstockCode
	dest.BiofuelCode = derivedBiofuel(req.Type, source.BiofuelCode)
	dest.CountryOfOrigin = source.CountryOfOrigin
	dest.HolderID = source.HolderID
	dest.DepotCode = req.DepotCode
	if dest.DepotCode == "" {
		dest.DepotCode = source.DepotCode
	}
	if err := s.repo.CreateStock(ctx, dest); err != nil {
		return nil, fmt.Errorf("create destination stock: %w", err)
	}
	tr.DestStockID = dest.ID
	if err := s.repo.UpdateTransformation(ctx, tr); err != nil {
		return nil, fmt.Errorf("link destination stock: %w", err)
	}
	// The destination inherits its period from the origin lot of the source
	// chain, matching what reconciliation expects.
	originPeriod, err := s.stockOriginPeriod(ctx, source)
	if err != nil {
		return nil, err
	}
	dest.ExternalID = GenerateStockID(dest, originPeriod)
	if err := s.repo.UpdateStock(ctx, dest); err != nil {
		return nil, err
	}

	source.RemainingVolume = roundVolume(source.RemainingVolume - req.VolumeDeducted)
	source.UpdatedAt = time.Now()
	if err := s.repo.UpdateStock(ctx, source); err != nil {
		return nil, fmt.Errorf("decrement source stock %d: %w", source.ID, err)
	}
	s.logger.Info("stock transformed",
		zap.Int64("source_stock", source.ID),
		zap.Int64("dest_stock", dest.ID),
		zap.Float64("deducted", req.VolumeDeducted),
		zap.Float64("credited", req.VolumeCredited))
	return tr, nil
}

func (s *ledgerService) SendLot(ctx context.Context, lotID int64, clientID *int64, unknownClient string, actorID *int64) error {
	return s.transition(ctx, lotID, StatusPending, EventSent, actorID, func(lot *Lot) error {
		if clientID == nil && unknownClient == "" {
			return fmt.Errorf("sending lot %d requires a named client", lotID)
		}
		lot.ClientID = clientID
		lot.UnknownClient = unknownClient
		return nil
	})
}

func (s *ledgerService) AcceptLot(ctx context.Context, lotID int64, actorID *int64) error {
	if err := s.transition(ctx, lotID, StatusAccepted, EventAccepted, actorID, nil); err != nil {
		return err
	}
	// Both monthly declarations may already have validated while the lot
	// was still pending; the freeze gate is recomputed on acceptance.
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if !FreezeEligible(lot) {
		return nil
	}
	if err := s.sm.Transition(lot, StatusFrozen); err != nil {
		return err
	}
	lot.UpdatedAt = time.Now()
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return err
	}
	s.emit(ctx, lot.ID, EventFrozen, actorID, nil)
	return nil
}

func (s *ledgerService) RejectLot(ctx context.Context, lotID int64, actorID *int64) error {
	return s.transition(ctx, lotID, StatusRejected, EventRejected, actorID, nil)
}

func (s *ledgerService) DeleteLot(ctx context.Context, lotID int64, cascade bool, actorID *int64) error {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if err := s.sm.Transition(lot, StatusDeleted); err != nil {
		return err
	}
	lot.UpdatedAt = time.Now()
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return err
	}
	s.emit(ctx, lot.ID, EventDeleted, actorID, nil)
	if !cascade {
		return nil
	}
	children, err := s.repo.GetChildLotsOfLot(ctx, lot.ID)
	if err != nil {
		return err
	}
	stocks, err := s.repo.GetChildStocksOfLot(ctx, lot.ID)
	if err != nil {
		return err
	}
	for _, stock := range stocks {
		drawn, err := s.drawnLotsUnderStock(ctx, stock.ID, maxChainDepth)
		if err != nil {
			return err
		}
		children = append(children, drawn...)
	}
	for _, child := range children {
		if child.Status == StatusDeleted {
			continue
		}
		if err := s.DeleteLot(ctx, child.ID, true, actorID); err != nil {
			return err
		}
	}
	return nil
}

func (s *ledgerService) StartCorrection(ctx context.Context, lotID int64, actorID *int64) error {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if lot.Status == StatusFrozen || lot.Status == StatusDeleted {
		return &InvalidTransitionError{From: lot.Status, To: lot.Status, Why: "lot can no longer be corrected"}
	}
	lot.CorrectionStatus = CorrectionInProgress
	lot.UpdatedAt = time.Now()
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return err
	}
	s.emit(ctx, lot.ID, EventCorrected, actorID, map[string]interface{}{"correction": "started"})
	return nil
}

func (s *ledgerService) FixCorrection(ctx context.Context, lotID int64, actorID *int64) error {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if lot.CorrectionStatus != CorrectionInProgress {
		return fmt.Errorf("lot %d has no correction in progress", lotID)
	}
	lot.CorrectionStatus = CorrectionFixed
	if lot.Status == StatusRejected {
		// Resubmission after correction.
		if err := s.sm.Transition(lot, StatusPending); err != nil {
			return err
		}
	}
	lot.UpdatedAt = time.Now()
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return err
	}
	s.emit(ctx, lot.ID, EventCorrected, actorID, map[string]interface{}{"correction": "fixed"})
	return nil
}

// ValidateDeclaration marks every accepted lot of the entity's period as
// declared by the corresponding side and freezes the lots for which both
// acknowledgements are now present.
func (s *ledgerService) ValidateDeclaration(ctx context.Context, d Declaration) error {
	return s.applyDeclaration(ctx, d, true)
}

// InvalidateDeclaration clears the entity's acknowledgement for the period
// and reverts affected frozen lots to accepted.
func (s *ledgerService) InvalidateDeclaration(ctx context.Context, d Declaration) error {
	return s.applyDeclaration(ctx, d, false)
}

func (s *ledgerService) applyDeclaration(ctx context.Context, d Declaration, validated bool) error {
	lots, err := s.lotsForDeclaration(ctx, d)
	if err != nil {
		return err
	}
	for i := range lots {
		lot := &lots[i]
		touched := false
		if lot.SupplierID != nil && *lot.SupplierID == d.EntityID && lot.DeclaredBySupplier != validated {
			lot.DeclaredBySupplier = validated
			touched = true
		}
		if lot.ClientID != nil && *lot.ClientID == d.EntityID && lot.DeclaredByClient != validated {
			lot.DeclaredByClient = validated
			touched = true
		}
		if !touched {
			continue
		}
		eventType := EventDeclared
		if validated && FreezeEligible(lot) {
			if err := s.sm.Transition(lot, StatusFrozen); err != nil {
				return err
			}
			eventType = EventFrozen
		}
		if !validated && lot.Status == StatusFrozen {
			if err := s.sm.Transition(lot, StatusAccepted); err != nil {
				return err
			}
			eventType = EventUnfrozen
		}
		lot.UpdatedAt = time.Now()
		if err := s.repo.UpdateLot(ctx, lot); err != nil {
			return err
		}
		s.emit(ctx, lot.ID, eventType, d.ActorID, map[string]interface{}{
			"entity": d.EntityID,
			"period": d.Period,
		})
	}
	return nil
}

// lotsForDeclaration collects every lot of the declared period, roots and
// derived lots alike. A derived lot routinely lives under a root of an
// earlier period, so roots are paged without a period filter and the
// period is matched on each collected lot instead.
func (s *ledgerService) lotsForDeclaration(ctx context.Context, d Declaration) ([]Lot, error) {
	var out []Lot
	const page = 500
	for offset := 0; ; offset += page {
		roots, err := s.repo.GetRoots(ctx, RootFilter{}, page, offset)
		if err != nil {
			return nil, err
		}
		if len(roots) == 0 {
			return out, nil
		}
		for _, root := range roots {
			descendants, err := s.descendantLots(ctx, root, maxChainDepth)
			if err != nil {
				return nil, err
			}
			for _, c := range append([]Lot{root}, descendants...) {
				if c.Period == d.Period {
					out = append(out, c)
				}
			}
		}
	}
}

// maxChainDepth bounds custody chain walks; legitimate chains stay far
// below it.
const maxChainDepth = 64

func (s *ledgerService) descendantLots(ctx context.Context, lot Lot, depth int) ([]Lot, error) {
	if depth <= 0 {
		return nil, nil
	}
	var out []Lot
	children, err := s.repo.GetChildLotsOfLot(ctx, lot.ID)
	if err != nil {
		return nil, err
	}
	stocks, err := s.repo.GetChildStocksOfLot(ctx, lot.ID)
	if err != nil {
		return nil, err
	}
	for _, stock := range stocks {
		drawn, err := s.drawnLotsUnderStock(ctx, stock.ID, depth)
		if err != nil {
			return nil, err
		}
		children = append(children, drawn...)
	}
	for _, child := range children {
		out = append(out, child)
		deeper, err := s.descendantLots(ctx, child, depth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, deeper...)
	}
	return out, nil
}

// drawnLotsUnderStock collects the lots drawn from a stock and from every
// destination stock reachable through its transformation chain.
func (s *ledgerService) drawnLotsUnderStock(ctx context.Context, stockID int64, depth int) ([]Lot, error) {
	if depth <= 0 {
		return nil, nil
	}
	out, err := s.repo.GetChildLotsOfStock(ctx, stockID)
	if err != nil {
		return nil, err
	}
	transformations, err := s.repo.GetChildTransformations(ctx, stockID)
	if err != nil {
		return nil, err
	}
	for _, tr := range transformations {
		if tr.DestStockID == 0 {
			continue
		}
		deeper, err := s.drawnLotsUnderStock(ctx, tr.DestStockID, depth-1)
		if err != nil {
			return nil, err
		}
		out = append(out, deeper...)
	}
	return out, nil
}

// stockOriginPeriod walks a stock's parent chain back to its origin lot.
// Returns zero when the chain never reaches a lot.
func (s *ledgerService) stockOriginPeriod(ctx context.Context, stock *Stock) (int, error) {
	for depth := 0; depth < maxChainDepth; depth++ {
		if stock.ParentLotID != nil {
			lot, err := s.repo.GetLot(ctx, *stock.ParentLotID)
			if err != nil {
				return 0, err
			}
			return lot.Period, nil
		}
		if stock.ParentTransformationID == nil {
			return 0, nil
		}
		tr, err := s.repo.GetTransformation(ctx, *stock.ParentTransformationID)
		if err != nil {
			return 0, err
		}
		stock, err = s.repo.GetStock(ctx, tr.SourceStockID)
		if err != nil {
			return 0, err
		}
	}
	return 0, nil
}

func (s *ledgerService) transition(ctx context.Context, lotID int64, to LotStatus, eventType EventType, actorID *int64, mutate func(*Lot) error) error {
	lot, err := s.repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	if mutate != nil {
		if err := mutate(lot); err != nil {
			return err
		}
	}
	if err := s.sm.Transition(lot, to); err != nil {
		return err
	}
	lot.UpdatedAt = time.Now()
	if err := s.repo.UpdateLot(ctx, lot); err != nil {
		return err
	}
	s.emit(ctx, lot.ID, eventType, actorID, nil)
	return nil
}

func (s *ledgerService) emit(ctx context.Context, lotID int64, eventType EventType, actorID *int64, meta map[string]interface{}) {
	var raw json.RawMessage
	if meta != nil {
		raw, _ = json.Marshal(meta)
	}
	event := &Event{
		ID:        uuid.New(),
		LotID:     lotID,
		Type:      eventType,
		ActorID:   actorID,
		Metadata:  raw,
		CreatedAt: time.Now(),
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		s.logger.Error("failed to append audit event",
			zap.Int64("lot_id", lotID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}

func derivedBiofuel(t TransformationType, source string) string {
	if t == TransformEthToETBE && source == "ETH" {
		return "ETBE"
	}
	return source
}
