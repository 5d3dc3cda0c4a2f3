package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/MTES-MCT/carbure-sub007/internal/ledger"
)

// DefaultMaxDepth bounds traversal of lot -> stock -> lot chains. Legitimate
// chains stay far below this; anything deeper is treated as corruption.
const DefaultMaxDepth = 64

// Builder materializes custody trees from the ledger store. Subtrees rooted
// at distinct root lots never share nodes, so builds for different roots are
// independent.
type Builder struct {
	repo     ledger.Repository
	maxDepth int
}

// NewBuilder creates a graph builder. maxDepth <= 0 selects DefaultMaxDepth.
func NewBuilder(repo ledger.Repository, maxDepth int) *Builder {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Builder{repo: repo, maxDepth: maxDepth}
}

// Build materializes the full descendant tree for each root lot. Corrupted
// cyclic references never loop: a node reached twice within its own tree is
// kept as a leaf flagged Cycle and not expanded further.
func (b *Builder) Build(ctx context.Context, roots []ledger.Lot) ([]*Node, error) {
	nodes := make([]*Node, 0, len(roots))
	for i := range roots {
		seen := map[string]bool{}
		root, err := b.buildLot(ctx, &roots[i], nil, 0, seen)
		if err != nil {
			return nil, fmt.Errorf("build tree for root lot %d: %w", roots[i].ID, err)
		}
		nodes = append(nodes, root)
	}
	return nodes, nil
}

func (b *Builder) buildLot(ctx context.Context, lot *ledger.Lot, parent *Node, depth int, seen map[string]bool) (*Node, error) {
	node := &Node{Kind: KindLot, Lot: lot, Parent: parent, Depth: depth}
	if b.guard(node, depth, seen) {
		return node, nil
	}

	childLots, err := b.repo.GetChildLotsOfLot(ctx, lot.ID)
	if err != nil {
		return nil, err
	}
	for i := range childLots {
		child, err := b.buildLot(ctx, &childLots[i], node, depth+1, seen)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	childStocks, err := b.repo.GetChildStocksOfLot(ctx, lot.ID)
	if err != nil {
		return nil, err
	}
	for i := range childStocks {
		child, err := b.buildStock(ctx, &childStocks[i], node, depth+1, seen)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func (b *Builder) buildStock(ctx context.Context, stock *ledger.Stock, parent *Node, depth int, seen map[string]bool) (*Node, error) {
	node := &Node{Kind: KindStock, Stock: stock, Parent: parent, Depth: depth}
	if b.guard(node, depth, seen) {
		return node, nil
	}

	childLots, err := b.repo.GetChildLotsOfStock(ctx, stock.ID)
	if err != nil {
		return nil, err
	}
	for i := range childLots {
		child, err := b.buildLot(ctx, &childLots[i], node, depth+1, seen)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	transformations, err := b.repo.GetChildTransformations(ctx, stock.ID)
	if err != nil {
		return nil, err
	}
	for i := range transformations {
		child, err := b.buildTransformation(ctx, &transformations[i], node, depth+1, seen)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// buildTransformation introduces the destination stock as a further node.
func (b *Builder) buildTransformation(ctx context.Context, tr *ledger.Transformation, parent *Node, depth int, seen map[string]bool) (*Node, error) {
	node := &Node{Kind: KindTransformation, Transformation: tr, Parent: parent, Depth: depth}
	if b.guard(node, depth, seen) {
		return node, nil
	}
	if tr.DestStockID == 0 {
		return node, nil
	}
	dest, err := b.repo.GetStock(ctx, tr.DestStockID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return node, nil
		}
		return nil, err
	}
	child, err := b.buildStock(ctx, dest, node, depth+1, seen)
	if err != nil {
		return nil, err
	}
	node.Children = append(node.Children, child)
	return node, nil
}

// guard enforces the cycle and depth bounds; a guarded node stays in the
// tree as a flagged leaf so the checker can report it.
func (b *Builder) guard(node *Node, depth int, seen map[string]bool) bool {
	key := fmt.Sprintf("%s:%d", node.Kind, node.ID())
	if seen[key] || depth > b.maxDepth {
		node.Cycle = true
		return true
	}
	seen[key] = true
	return false
}
