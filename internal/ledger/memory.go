package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository is an in-memory Repository used by tests and local
// tooling. Writes inside WithTx are staged and applied only on success,
// mirroring the transactional semantics of the Postgres store.
type MemoryRepository struct {
	mu sync.RWMutex

	lots            map[int64]Lot
	stocks          map[int64]Stock
	transformations map[int64]Transformation
	events          []Event

	nextLotID            int64
	nextStockID          int64
	nextTransformationID int64

	// WriteCount tracks corrective writes, used to assert reconciliation
	// idempotence.
	writeCount int
}

// NewMemoryRepository returns an empty in-memory ledger store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		lots:                 make(map[int64]Lot),
		stocks:               make(map[int64]Stock),
		transformations:      make(map[int64]Transformation),
		nextLotID:            1,
		nextStockID:          1,
		nextTransformationID: 1,
	}
}

// WriteCount reports the number of corrective writes applied through
// transactions so far.
func (r *MemoryRepository) WriteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writeCount
}

func (r *MemoryRepository) CreateLot(_ context.Context, lot *Lot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lot.ID == 0 {
		lot.ID = r.nextLotID
		r.nextLotID++
	} else if lot.ID >= r.nextLotID {
		r.nextLotID = lot.ID + 1
	}
	r.lots[lot.ID] = *lot
	return nil
}

func (r *MemoryRepository) GetLot(_ context.Context, id int64) (*Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lot, ok := r.lots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &lot, nil
}

func (r *MemoryRepository) UpdateLot(_ context.Context, lot *Lot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lots[lot.ID]; !ok {
		return ErrNotFound
	}
	r.lots[lot.ID] = *lot
	return nil
}

func (r *MemoryRepository) CreateStock(_ context.Context, stock *Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stock.ID == 0 {
		stock.ID = r.nextStockID
		r.nextStockID++
	} else if stock.ID >= r.nextStockID {
		r.nextStockID = stock.ID + 1
	}
	r.stocks[stock.ID] = *stock
	return nil
}

func (r *MemoryRepository) GetStock(_ context.Context, id int64) (*Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stock, ok := r.stocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &stock, nil
}

func (r *MemoryRepository) UpdateStock(_ context.Context, stock *Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stocks[stock.ID]; !ok {
		return ErrNotFound
	}
	r.stocks[stock.ID] = *stock
	return nil
}

func (r *MemoryRepository) CreateTransformation(_ context.Context, tr *Transformation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr.ID == 0 {
		tr.ID = r.nextTransformationID
		r.nextTransformationID++
	} else if tr.ID >= r.nextTransformationID {
		r.nextTransformationID = tr.ID + 1
	}
	r.transformations[tr.ID] = *tr
	return nil
}

func (r *MemoryRepository) GetTransformation(_ context.Context, id int64) (*Transformation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.transformations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tr, nil
}

func (r *MemoryRepository) UpdateTransformation(_ context.Context, tr *Transformation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transformations[tr.ID]; !ok {
		return ErrNotFound
	}
	r.transformations[tr.ID] = *tr
	return nil
}

func (r *MemoryRepository) GetRoots(_ context.Context, filter RootFilter, limit, offset int) ([]Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roots []Lot
	for _, lot := range r.lots {
		if lot.ParentLotID != nil || lot.ParentStockID != nil {
			continue
		}
		if filter.Period != 0 && lot.Period != filter.Period {
			continue
		}
		roots = append(roots, lot)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	if offset >= len(roots) {
		return nil, nil
	}
	roots = roots[offset:]
	if limit < len(roots) {
		roots = roots[:limit]
	}
	return roots, nil
}

func (r *MemoryRepository) GetChildLotsOfLot(_ context.Context, lotID int64) ([]Lot, error) {
	return r.childLots(func(l Lot) bool { return l.ParentLotID != nil && *l.ParentLotID == lotID })
}

func (r *MemoryRepository) GetChildLotsOfStock(_ context.Context, stockID int64) ([]Lot, error) {
	return r.childLots(func(l Lot) bool { return l.ParentStockID != nil && *l.ParentStockID == stockID })
}

func (r *MemoryRepository) childLots(match func(Lot) bool) ([]Lot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lots []Lot
	for _, lot := range r.lots {
		if match(lot) {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots, nil
}

func (r *MemoryRepository) GetChildStocksOfLot(_ context.Context, lotID int64) ([]Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stocks []Stock
	for _, stock := range r.stocks {
		if stock.ParentLotID != nil && *stock.ParentLotID == lotID {
			stocks = append(stocks, stock)
		}
	}
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].ID < stocks[j].ID })
	return stocks, nil
}

func (r *MemoryRepository) GetChildTransformations(_ context.Context, sourceStockID int64) ([]Transformation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var trs []Transformation
	for _, tr := range r.transformations {
		if tr.SourceStockID == sourceStockID {
			trs = append(trs, tr)
		}
	}
	sort.Slice(trs, func(i, j int) bool { return trs[i].ID < trs[j].ID })
	return trs, nil
}

func (r *MemoryRepository) AppendEvent(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *event)
	return nil
}

func (r *MemoryRepository) ListEvents(_ context.Context, lotID int64) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var events []Event
	for _, e := range r.events {
		if e.LotID == lotID {
			events = append(events, e)
		}
	}
	return events, nil
}

func (r *MemoryRepository) WithTx(_ context.Context, fn func(tx Tx) error) error {
	staged := &memoryTx{}
	if err := fn(staged); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, externalID := range staged.lotIDs {
		lot := r.lots[id]
		lot.ExternalID = externalID
		r.lots[id] = lot
		r.writeCount++
	}
	for id, externalID := range staged.stockIDs {
		stock := r.stocks[id]
		stock.ExternalID = externalID
		r.stocks[id] = stock
		r.writeCount++
	}
	for id, volume := range staged.stockVolumes {
		stock := r.stocks[id]
		stock.RemainingVolume = volume
		r.stocks[id] = stock
		r.writeCount++
	}
	r.events = append(r.events, staged.events...)
	return nil
}

type memoryTx struct {
	lotIDs       map[int64]string
	stockIDs     map[int64]string
	stockVolumes map[int64]float64
	events       []Event
}

func (t *memoryTx) UpdateLotExternalIDs(_ context.Context, ids map[int64]string) error {
	if t.lotIDs == nil {
		t.lotIDs = make(map[int64]string)
	}
	for id, externalID := range ids {
		t.lotIDs[id] = externalID
	}
	return nil
}

func (t *memoryTx) UpdateStockExternalIDs(_ context.Context, ids map[int64]string) error {
	if t.stockIDs == nil {
		t.stockIDs = make(map[int64]string)
	}
	for id, externalID := range ids {
		t.stockIDs[id] = externalID
	}
	return nil
}

func (t *memoryTx) UpdateStockRemaining(_ context.Context, volumes map[int64]float64) error {
	if t.stockVolumes == nil {
		t.stockVolumes = make(map[int64]float64)
	}
	for id, volume := range volumes {
		t.stockVolumes[id] = volume
	}
	return nil
}

func (t *memoryTx) AppendEvent(_ context.Context, event *Event) error {
	t.events = append(t.events, *event)
	return nil
}
