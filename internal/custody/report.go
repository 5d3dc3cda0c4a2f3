package custody

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// ReportEntry is one offending node with everything found on it.
type ReportEntry struct {
	Identifier string           `json:"identifier"`
	Kind       NodeKind         `json:"kind"`
	RowID      int64            `json:"row_id"`
	Findings   []FindingSummary `json:"findings"`
}

// FindingSummary is the externalized form of a finding.
type FindingSummary struct {
	Kind ErrorKind              `json:"kind"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// Report is the structured outcome of a reconciliation run.
type Report struct {
	Options      RunOptions        `json:"options"`
	RootsChecked int               `json:"roots_checked"`
	NodesChecked int               `json:"nodes_checked"`
	Entries      []ReportEntry     `json:"entries"`
	Summary      map[ErrorKind]int `json:"summary"`
	Repaired     map[ErrorKind]int `json:"repaired"`
	Duration     time.Duration     `json:"duration"`

	entryIndex map[string]int
}

// NewReport creates an empty report for a run.
func NewReport(opts RunOptions) *Report {
	return &Report{
		Options:    opts,
		Summary:    make(map[ErrorKind]int),
		Repaired:   make(map[ErrorKind]int),
		entryIndex: make(map[string]int),
	}
}

// Absorb folds a batch's findings into the report, grouping them by node.
func (r *Report) Absorb(findings []Finding) {
	for _, f := range findings {
		r.Summary[f.Kind]++
		key := fmt.Sprintf("%s:%d", f.Node.Kind, f.Node.ID())
		idx, ok := r.entryIndex[key]
		if !ok {
			r.Entries = append(r.Entries, ReportEntry{
				Identifier: f.Node.Label(),
				Kind:       f.Node.Kind,
				RowID:      f.Node.ID(),
			})
			idx = len(r.Entries) - 1
			r.entryIndex[key] = idx
		}
		r.Entries[idx].Findings = append(r.Entries[idx].Findings, FindingSummary{Kind: f.Kind, Meta: f.Meta})
	}
}

// CountRepairs accumulates per-kind repair counts for one batch.
func (r *Report) CountRepairs(repaired map[ErrorKind]int) {
	for kind, n := range repaired {
		r.Repaired[kind] += n
	}
}

// TotalFindings returns the number of findings across all kinds.
func (r *Report) TotalFindings() int {
	total := 0
	for _, n := range r.Summary {
		total += n
	}
	return total
}

// Write prints the report in a form suitable for the CLI surface.
func (r *Report) Write(w io.Writer) {
	mode := "dry-run"
	if r.Options.Apply {
		mode = "apply"
	}
	fmt.Fprintf(w, "reconciliation (%s): %d roots, %d nodes checked in %s\n",
		mode, r.RootsChecked, r.NodesChecked, r.Duration.Round(time.Millisecond))

	for _, entry := range r.Entries {
		fmt.Fprintf(w, "%s (%s/%d):\n", entry.Identifier, entry.Kind, entry.RowID)
		for _, f := range entry.Findings {
			if len(f.Meta) > 0 {
				fmt.Fprintf(w, "  - %s %v\n", f.Kind, f.Meta)
			} else {
				fmt.Fprintf(w, "  - %s\n", f.Kind)
			}
		}
	}

	fmt.Fprintln(w, "summary:")
	for _, kind := range sortedKinds(r.Summary) {
		fmt.Fprintf(w, "  %-16s %d\n", kind, r.Summary[kind])
	}
	if r.Options.Apply {
		fmt.Fprintln(w, "repaired:")
		for _, kind := range sortedKinds(r.Repaired) {
			if r.Repaired[kind] > 0 {
				fmt.Fprintf(w, "  %-16s %d\n", kind, r.Repaired[kind])
			}
		}
	}
}

func sortedKinds(m map[ErrorKind]int) []ErrorKind {
	kinds := make([]ErrorKind, 0, len(m))
	for kind := range m {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
