package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LotStatus is the lifecycle state of a declared lot.
type LotStatus string

const (
	StatusDraft    LotStatus = "draft"
	StatusPending  LotStatus = "pending"
	StatusAccepted LotStatus = "accepted"
	StatusRejected LotStatus = "rejected"
	StatusFrozen   LotStatus = "frozen"
	StatusDeleted  LotStatus = "deleted"
)

type CorrectionStatus string

const (
	CorrectionNone       CorrectionStatus = "none"
	CorrectionInProgress CorrectionStatus = "in_correction"
	CorrectionFixed      CorrectionStatus = "fixed"
)

type TransformationType string

const (
	TransformEthToETBE TransformationType = "ETH_ETBE"
	TransformOther     TransformationType = "OTHER"
)

type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventSent      EventType = "sent"
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventDeclared  EventType = "declared"
	EventFrozen    EventType = "frozen"
	EventUnfrozen  EventType = "unfrozen"
	EventDeleted   EventType = "deleted"
	EventCorrected EventType = "corrected"
	EventRepaired  EventType = "repaired"
)

// Lot is a declared quantity of a biofuel/feedstock pair moving between two
// parties (or declared by a producer with no upstream party) for a delivery
// period. At most one of ParentLotID/ParentStockID is set; a root lot has
// neither.
type Lot struct {
	ID         int64  `json:"id" db:"id"`
	ExternalID string `json:"external_id" db:"external_id"`
	Period     int    `json:"period" db:"period"` // YYYYMM

	Volume    float64 `json:"volume" db:"volume"`
	Weight    float64 `json:"weight" db:"weight"`
	LHVAmount float64 `json:"lhv_amount" db:"lhv_amount"`

	FeedstockCode   string  `json:"feedstock_code" db:"feedstock_code"`
	BiofuelCode     string  `json:"biofuel_code" db:"biofuel_code"`
	CountryOfOrigin string  `json:"country_of_origin" db:"country_of_origin"`
	GHGTotal        float64 `json:"ghg_total" db:"ghg_total"`
	GHGReference    float64 `json:"ghg_reference" db:"ghg_reference"`
	GHGReduction    float64 `json:"ghg_reduction" db:"ghg_reduction"`

	Status             LotStatus        `json:"status" db:"status"`
	CorrectionStatus   CorrectionStatus `json:"correction_status" db:"correction_status"`
	DeclaredBySupplier bool             `json:"declared_by_supplier" db:"declared_by_supplier"`
	DeclaredByClient   bool             `json:"declared_by_client" db:"declared_by_client"`

	SupplierID      *int64 `json:"supplier_id,omitempty" db:"supplier_id"`
	UnknownSupplier string `json:"unknown_supplier" db:"unknown_supplier"`
	ClientID        *int64 `json:"client_id,omitempty" db:"client_id"`
	UnknownClient   string `json:"unknown_client" db:"unknown_client"`

	DeliverySiteCode string `json:"delivery_site_code" db:"delivery_site_code"`

	ParentLotID   *int64 `json:"parent_lot_id,omitempty" db:"parent_lot_id"`
	ParentStockID *int64 `json:"parent_stock_id,omitempty" db:"parent_stock_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Stock is a quantity of biofuel held at a depot by one owning entity,
// consumable by later lots or transformations. Exactly one of ParentLotID
// or ParentTransformationID is set.
type Stock struct {
	ID         int64  `json:"id" db:"id"`
	ExternalID string `json:"external_id" db:"external_id"`

	RemainingVolume float64 `json:"remaining_volume" db:"remaining_volume"`
	RemainingWeight float64 `json:"remaining_weight" db:"remaining_weight"`
	RemainingLHV    float64 `json:"remaining_lhv" db:"remaining_lhv"`

	FeedstockCode   string `json:"feedstock_code" db:"feedstock_code"`
	BiofuelCode     string `json:"biofuel_code" db:"biofuel_code"`
	CountryOfOrigin string `json:"country_of_origin" db:"country_of_origin"`

	HolderID  int64  `json:"holder_id" db:"holder_id"`
	DepotCode string `json:"depot_code" db:"depot_code"`

	ParentLotID            *int64 `json:"parent_lot_id,omitempty" db:"parent_lot_id"`
	ParentTransformationID *int64 `json:"parent_transformation_id,omitempty" db:"parent_transformation_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transformation converts a volume from one stock into another, deducting
// from the source and crediting a conversion-ratio-adjusted volume to the
// destination.
type Transformation struct {
	ID             int64              `json:"id" db:"id"`
	Type           TransformationType `json:"type" db:"type"`
	SourceStockID  int64              `json:"source_stock_id" db:"source_stock_id"`
	DestStockID    int64              `json:"dest_stock_id" db:"dest_stock_id"`
	VolumeDeducted float64            `json:"volume_deducted" db:"volume_deducted"`
	VolumeCredited float64            `json:"volume_credited" db:"volume_credited"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
}

// Event is one row of the append-only audit log. Never mutated or deleted.
type Event struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	LotID     int64           `json:"lot_id" db:"lot_id"`
	Type      EventType       `json:"type" db:"type"`
	ActorID   *int64          `json:"actor_id,omitempty" db:"actor_id"`
	Metadata  json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// IsTerminal reports whether a status admits no further ordinary edits.
func (s LotStatus) IsTerminal() bool {
	return s == StatusDeleted
}

// ValidPeriod reports whether p is a plausible YYYYMM encoding.
func ValidPeriod(p int) bool {
	if p < 190001 || p > 299912 {
		return false
	}
	month := p % 100
	return month >= 1 && month <= 12
}

// NewLot builds a lot in its initial lifecycle state, rejecting structurally
// invalid parentage up front rather than leaving it for the batch checker.
func NewLot(period int, volume float64, parentLot, parentStock *int64) (*Lot, error) {
	if parentLot != nil && parentStock != nil {
		return nil, ErrDoubleParent
	}
	if period != 0 && !ValidPeriod(period) {
		return nil, fmt.Errorf("invalid delivery period %d", period)
	}
	if volume < 0 {
		return nil, fmt.Errorf("negative volume %f", volume)
	}
	now := time.Now()
	return &Lot{
		Period:           period,
		Volume:           volume,
		Status:           StatusDraft,
		CorrectionStatus: CorrectionNone,
		ParentLotID:      parentLot,
		ParentStockID:    parentStock,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// NewStock builds a stock, requiring exactly one originating parent.
func NewStock(initialVolume float64, parentLot, parentTransformation *int64) (*Stock, error) {
	if (parentLot == nil) == (parentTransformation == nil) {
		return nil, ErrStockParent
	}
	if initialVolume < 0 {
		return nil, fmt.Errorf("negative volume %f", initialVolume)
	}
	now := time.Now()
	return &Stock{
		RemainingVolume:        initialVolume,
		ParentLotID:            parentLot,
		ParentTransformationID: parentTransformation,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// NewTransformation builds a transformation, bounding the deduction by what
// the source stock currently holds.
func NewTransformation(t TransformationType, source *Stock, deducted, credited float64) (*Transformation, error) {
	if deducted <= 0 || credited <= 0 {
		return nil, fmt.Errorf("transformation volumes must be positive (deducted=%f credited=%f)", deducted, credited)
	}
	if deducted > source.RemainingVolume {
		return nil, fmt.Errorf("cannot deduct %f from stock %d holding %f", deducted, source.ID, source.RemainingVolume)
	}
	return &Transformation{
		Type:           t,
		SourceStockID:  source.ID,
		VolumeDeducted: deducted,
		VolumeCredited: credited,
		CreatedAt:      time.Now(),
	}, nil
}

// ComputeGHGReduction returns the percentage reduction of total emissions
// against the fossil reference, rounded to two decimals.
func ComputeGHGReduction(total, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	r := (reference - total) / reference * 100
	return math.Round(r*100) / 100
}

// roundVolume applies the ledger-wide convention of volumes held to two
// decimal places.
func roundVolume(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
