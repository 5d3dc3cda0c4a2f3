package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// RootFilter narrows root-lot selection for reconciliation runs.
type RootFilter struct {
	Period int // YYYYMM, 0 selects all periods
}

// Repository is the durable ledger store. Lots, stocks and transformations
// are exclusively owned by the store; the custody graph only holds
// back-references between them.
type Repository interface {
	CreateLot(ctx context.Context, lot *Lot) error
	GetLot(ctx context.Context, id int64) (*Lot, error)
	UpdateLot(ctx context.Context, lot *Lot) error

	CreateStock(ctx context.Context, stock *Stock) error
	GetStock(ctx context.Context, id int64) (*Stock, error)
	UpdateStock(ctx context.Context, stock *Stock) error

	CreateTransformation(ctx context.Context, tr *Transformation) error
	GetTransformation(ctx context.Context, id int64) (*Transformation, error)
	UpdateTransformation(ctx context.Context, tr *Transformation) error

	// GetRoots pages over parentless lots ordered by id, so reconciliation
	// memory stays bounded regardless of corpus size.
	GetRoots(ctx context.Context, filter RootFilter, limit, offset int) ([]Lot, error)
	GetChildLotsOfLot(ctx context.Context, lotID int64) ([]Lot, error)
	GetChildLotsOfStock(ctx context.Context, stockID int64) ([]Lot, error)
	GetChildStocksOfLot(ctx context.Context, lotID int64) ([]Stock, error)
	GetChildTransformations(ctx context.Context, sourceStockID int64) ([]Transformation, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, lotID int64) ([]Event, error)

	// WithTx runs fn inside one transaction; all of a batch's corrective
	// writes commit together or not at all.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the bulk corrective writes available inside a repair
// transaction.
type Tx interface {
	UpdateLotExternalIDs(ctx context.Context, ids map[int64]string) error
	UpdateStockExternalIDs(ctx context.Context, ids map[int64]string) error
	UpdateStockRemaining(ctx context.Context, volumes map[int64]float64) error
	AppendEvent(ctx context.Context, event *Event) error
}

type postgresRepository struct {
	db *sqlx.DB
}

// NewRepository returns the Postgres-backed ledger store.
func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) CreateLot(ctx context.Context, lot *Lot) error {
	query := `
		INSERT INTO lots (
			external_id, period, volume, weight, lhv_amount,
			feedstock_code, biofuel_code, country_of_origin,
			ghg_total, ghg_reference, ghg_reduction,
			status, correction_status, declared_by_supplier, declared_by_client,
			supplier_id, unknown_supplier, client_id, unknown_client,
			delivery_site_code, parent_lot_id, parent_stock_id,
			created_at, updated_at
		) VALUES (
			:external_id, :period, :volume, :weight, :lhv_amount,
			:feedstock_code, :biofuel_code, :country_of_origin,
			:ghg_total, :ghg_reference, :ghg_reduction,
			:status, :correction_status, :declared_by_supplier, :declared_by_client,
			:supplier_id, :unknown_supplier, :client_id, :unknown_client,
			:delivery_site_code, :parent_lot_id, :parent_stock_id,
			:created_at, :updated_at
		) RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, lot)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&lot.ID)
	}
	return fmt.Errorf("insert lot: no id returned")
}

func (r *postgresRepository) GetLot(ctx context.Context, id int64) (*Lot, error) {
	var lot Lot
	err := r.db.GetContext(ctx, &lot, "SELECT * FROM lots WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &lot, err
}

func (r *postgresRepository) UpdateLot(ctx context.Context, lot *Lot) error {
	query := `
		UPDATE lots SET
			external_id = :external_id,
			period = :period,
			volume = :volume,
			weight = :weight,
			lhv_amount = :lhv_amount,
			ghg_total = :ghg_total,
			ghg_reference = :ghg_reference,
			ghg_reduction = :ghg_reduction,
			status = :status,
			correction_status = :correction_status,
			declared_by_supplier = :declared_by_supplier,
			declared_by_client = :declared_by_client,
			client_id = :client_id,
			unknown_client = :unknown_client,
			delivery_site_code = :delivery_site_code,
			updated_at = :updated_at
		WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, lot)
	return err
}

func (r *postgresRepository) CreateStock(ctx context.Context, stock *Stock) error {
	query := `
		INSERT INTO stocks (
			external_id, remaining_volume, remaining_weight, remaining_lhv,
			feedstock_code, biofuel_code, country_of_origin,
			holder_id, depot_code, parent_lot_id, parent_transformation_id,
			created_at, updated_at
		) VALUES (
			:external_id, :remaining_volume, :remaining_weight, :remaining_lhv,
			:feedstock_code, :biofuel_code, :country_of_origin,
			:holder_id, :depot_code, :parent_lot_id, :parent_transformation_id,
			:created_at, :updated_at
		) RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, stock)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&stock.ID)
	}
	return fmt.Errorf("insert stock: no id returned")
}

func (r *postgresRepository) GetStock(ctx context.Context, id int64) (*Stock, error) {
	var stock Stock
	err := r.db.GetContext(ctx, &stock, "SELECT * FROM stocks WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &stock, err
}

func (r *postgresRepository) UpdateStock(ctx context.Context, stock *Stock) error {
	query := `
		UPDATE stocks SET
			external_id = :external_id,
			remaining_volume = :remaining_volume,
			remaining_weight = :remaining_weight,
			remaining_lhv = :remaining_lhv,
			depot_code = :depot_code,
			updated_at = :updated_at
		WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, stock)
	return err
}

func (r *postgresRepository) CreateTransformation(ctx context.Context, tr *Transformation) error {
	query := `
		INSERT INTO transformations (
			type, source_stock_id, dest_stock_id, volume_deducted, volume_credited, created_at
		) VALUES (
			:type, :source_stock_id, :dest_stock_id, :volume_deducted, :volume_credited, :created_at
		) RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, tr)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&tr.ID)
	}
	return fmt.Errorf("insert transformation: no id returned")
}

func (r *postgresRepository) GetTransformation(ctx context.Context, id int64) (*Transformation, error) {
	var tr Transformation
	err := r.db.GetContext(ctx, &tr, "SELECT * FROM transformations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &tr, err
}

func (r *postgresRepository) UpdateTransformation(ctx context.Context, tr *Transformation) error {
	query := `
		UPDATE transformations SET
			dest_stock_id = :dest_stock_id,
			volume_deducted = :volume_deducted,
			volume_credited = :volume_credited
		WHERE id = :id`
	_, err := r.db.NamedExecContext(ctx, query, tr)
	return err
}

func (r *postgresRepository) GetRoots(ctx context.Context, filter RootFilter, limit, offset int) ([]Lot, error) {
	var lots []Lot
	query := "SELECT * FROM lots WHERE parent_lot_id IS NULL AND parent_stock_id IS NULL"
	var args []interface{}
	argCount := 1

	if filter.Period != 0 {
		query += fmt.Sprintf(" AND period = $%d", argCount)
		args = append(args, filter.Period)
		argCount++
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, limit, offset)

	err := r.db.SelectContext(ctx, &lots, query, args...)
	return lots, err
}

func (r *postgresRepository) GetChildLotsOfLot(ctx context.Context, lotID int64) ([]Lot, error) {
	var lots []Lot
	err := r.db.SelectContext(ctx, &lots, "SELECT * FROM lots WHERE parent_lot_id = $1 ORDER BY id", lotID)
	return lots, err
}

func (r *postgresRepository) GetChildLotsOfStock(ctx context.Context, stockID int64) ([]Lot, error) {
	var lots []Lot
	err := r.db.SelectContext(ctx, &lots, "SELECT * FROM lots WHERE parent_stock_id = $1 ORDER BY id", stockID)
	return lots, err
}

func (r *postgresRepository) GetChildStocksOfLot(ctx context.Context, lotID int64) ([]Stock, error) {
	var stocks []Stock
	err := r.db.SelectContext(ctx, &stocks, "SELECT * FROM stocks WHERE parent_lot_id = $1 ORDER BY id", lotID)
	return stocks, err
}

func (r *postgresRepository) GetChildTransformations(ctx context.Context, sourceStockID int64) ([]Transformation, error) {
	var trs []Transformation
	err := r.db.SelectContext(ctx, &trs, "SELECT * FROM transformations WHERE source_stock_id = $1 ORDER BY id", sourceStockID)
	return trs, err
}

func (r *postgresRepository) AppendEvent(ctx context.Context, event *Event) error {
	return appendEvent(ctx, r.db, event)
}

func (r *postgresRepository) ListEvents(ctx context.Context, lotID int64) ([]Event, error) {
	var events []Event
	err := r.db.SelectContext(ctx, &events, "SELECT * FROM events WHERE lot_id = $1 ORDER BY created_at", lotID)
	return events, err
}

func (r *postgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

type postgresTx struct {
	tx *sqlx.Tx
}

func (t *postgresTx) UpdateLotExternalIDs(ctx context.Context, ids map[int64]string) error {
	for id, externalID := range ids {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE lots SET external_id = $2, updated_at = NOW() WHERE id = $1", id, externalID); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) UpdateStockExternalIDs(ctx context.Context, ids map[int64]string) error {
	for id, externalID := range ids {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE stocks SET external_id = $2, updated_at = NOW() WHERE id = $1", id, externalID); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) UpdateStockRemaining(ctx context.Context, volumes map[int64]float64) error {
	for id, volume := range volumes {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE stocks SET remaining_volume = $2, updated_at = NOW() WHERE id = $1", id, volume); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) AppendEvent(ctx context.Context, event *Event) error {
	return appendEvent(ctx, t.tx, event)
}

func appendEvent(ctx context.Context, e sqlx.ExtContext, event *Event) error {
	query := `
		INSERT INTO events (id, lot_id, type, actor_id, metadata, created_at)
		VALUES (:id, :lot_id, :type, :actor_id, :metadata, :created_at)`
	_, err := sqlx.NamedExecContext(ctx, e, query, event)
	return err
}
