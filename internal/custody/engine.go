package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

// RunOptions parameterize one reconciliation run.
type RunOptions struct {
	Period    int  // YYYYMM filter, 0 for all periods
	BatchSize int  // roots per page
	Workers   int  // parallel workers within a page
	Apply     bool // false = dry run, no writes
	MaxDepth  int  // traversal bound, 0 for default
}

// DefaultBatchSize keeps peak memory bounded regardless of corpus size.
const DefaultBatchSize = 1000

// Engine orchestrates graph building and checking over large record sets in
// bounded-memory batches, optionally applying corrective writes. Checking
// is stateless and idempotent: an interrupted run is safely resumable.
type Engine struct {
	repo    ledger.Repository
	checker *Checker
	logger  *zap.Logger
}

// NewEngine creates a reconciliation engine over a ledger store.
func NewEngine(repo ledger.Repository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:    repo,
		checker: NewChecker(),
		logger:  logger,
	}
}

// Run pages over root lots, building and checking each page fully before
// fetching the next. Roots within a page are partitioned across workers;
// distinct roots never share subtree nodes, so no locking is needed between
// them. Repairs for a page commit in a single transaction.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	builder := NewBuilder(e.repo, opts.MaxDepth)
	report := NewReport(opts)
	start := time.Now()

	for offset := 0; ; offset += opts.BatchSize {
		roots, err := e.repo.GetRoots(ctx, ledger.RootFilter{Period: opts.Period}, opts.BatchSize, offset)
		if err != nil {
			return nil, fmt.Errorf("fetch roots at offset %d: %w", offset, err)
		}
		if len(roots) == 0 {
			break
		}
		findings, nodes, err := e.checkBatch(ctx, builder, roots, opts.Workers)
		if err != nil {
			return nil, err
		}
		report.RootsChecked += len(roots)
		report.NodesChecked += nodes
		report.Absorb(findings)

		if opts.Apply {
			repaired, err := e.repair(ctx, findings)
			if err != nil {
				return nil, fmt.Errorf("repair batch at offset %d: %w", offset, err)
			}
			report.CountRepairs(repaired)
		}
		e.logger.Info("reconciled batch",
			zap.Int("offset", offset),
			zap.Int("roots", len(roots)),
			zap.Int("findings", len(findings)))
	}

	report.Duration = time.Since(start)
	e.logger.Info("reconciliation finished",
		zap.Int("roots", report.RootsChecked),
		zap.Int("nodes", report.NodesChecked),
		zap.Int("findings", report.TotalFindings()),
		zap.Bool("apply", opts.Apply),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (e *Engine) checkBatch(ctx context.Context, builder *Builder, roots []ledger.Lot, workers int) ([]Finding, int, error) {
	chunks := partition(roots, workers)
	results := make([][]Finding, len(chunks))
	var nodeCount int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			trees, err := builder.Build(gctx, chunk)
			if err != nil {
				return err
			}
			var findings []Finding
			counted := 0
			for _, tree := range trees {
				tree.Walk(func(*Node) { counted++ })
				findings = append(findings, e.checker.CheckTree(tree)...)
			}
			results[i] = findings
			mu.Lock()
			nodeCount += counted
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var merged []Finding
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nodeCount, nil
}

// repair applies the deterministic fixes for one batch atomically. Only
// VolumeDrift and IdentifierDrift have unambiguous repairs; structural
// findings are reported and left for an administrative decision.
func (e *Engine) repair(ctx context.Context, findings []Finding) (map[ErrorKind]int, error) {
	lotIDs := map[int64]string{}
	stockIDs := map[int64]string{}
	stockVolumes := map[int64]float64{}
	var events []*ledger.Event

	for _, f := range findings {
		if !f.Kind.AutoFixable() {
			continue
		}
		switch f.Kind {
		case IdentifierDrift:
			expected, _ := f.Meta["expected"].(string)
			if expected == "" {
				continue
			}
			switch f.Node.Kind {
			case KindLot:
				lotIDs[f.Node.ID()] = expected
			case KindStock:
				stockIDs[f.Node.ID()] = expected
			}
		case VolumeDrift:
			if expected, ok := ExpectedRemaining(f.Node); ok {
				stockVolumes[f.Node.ID()] = expected
			}
		}
		if event := repairEvent(f); event != nil {
			events = append(events, event)
		}
	}

	repaired := map[ErrorKind]int{
		IdentifierDrift: len(lotIDs) + len(stockIDs),
		VolumeDrift:     len(stockVolumes),
	}
	if repaired[IdentifierDrift] == 0 && repaired[VolumeDrift] == 0 {
		return repaired, nil
	}

	err := e.repo.WithTx(ctx, func(tx ledger.Tx) error {
		if len(lotIDs) > 0 {
			if err := tx.UpdateLotExternalIDs(ctx, lotIDs); err != nil {
				return err
			}
		}
		if len(stockIDs) > 0 {
			if err := tx.UpdateStockExternalIDs(ctx, stockIDs); err != nil {
				return err
			}
		}
		if len(stockVolumes) > 0 {
			if err := tx.UpdateStockRemaining(ctx, stockVolumes); err != nil {
				return err
			}
		}
		for _, event := range events {
			if err := tx.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, external := range lotIDs {
		e.logger.Info("repaired lot identifier", zap.Int64("lot_id", id), zap.String("external_id", external))
	}
	for id, external := range stockIDs {
		e.logger.Info("repaired stock identifier", zap.Int64("stock_id", id), zap.String("external_id", external))
	}
	for id, volume := range stockVolumes {
		e.logger.Info("repaired stock remaining volume", zap.Int64("stock_id", id), zap.Float64("remaining", volume))
	}
	return repaired, nil
}

// repairEvent records the repair on the nearest lot of the node's custody
// chain for the audit trail.
func repairEvent(f Finding) *ledger.Event {
	lot := f.Node.OriginLot()
	if lot == nil {
		return nil
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"kind":   string(f.Kind),
		"node":   f.Node.Label(),
		"detail": f.Meta,
	})
	return &ledger.Event{
		ID:        uuid.New(),
		LotID:     lot.ID,
		Type:      ledger.EventRepaired,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
}

// partition splits roots into up to n contiguous chunks.
func partition(roots []ledger.Lot, n int) [][]ledger.Lot {
	if n > len(roots) {
		n = len(roots)
	}
	if n <= 1 {
		return [][]ledger.Lot{roots}
	}
	chunks := make([][]ledger.Lot, 0, n)
	size := (len(roots) + n - 1) / n
	for start := 0; start < len(roots); start += size {
		end := start + size
		if end > len(roots) {
			end = len(roots)
		}
		chunks = append(chunks, roots[start:end])
	}
	return chunks
}
