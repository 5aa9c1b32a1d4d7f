// Package merge detects conflicts between divergent graph definitions and
// folds non-conflicting change sets back into their common base.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/diff"
)

// Strategy decides what happens to conflicting changes.
type Strategy string

const (
	// StrategyAuto merges only when there is nothing to decide.
	StrategyAuto Strategy = "auto"
	// StrategyLastWriterWins takes the conflicting change from the later side.
	StrategyLastWriterWins Strategy = "last_writer_wins"
	// StrategyFirstWriterWins keeps the base value on conflicting paths.
	StrategyFirstWriterWins Strategy = "first_writer_wins"
	// StrategyManual applies everything that does not conflict and leaves
	// conflicting paths for a person.
	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAuto, StrategyLastWriterWins, StrategyFirstWriterWins, StrategyManual:
		return true
	}
	return false
}

// Side is one of the two divergent definitions being merged.
type Side struct {
	Definition flowsync.GraphDefinition `json:"definition"`
	Timestamp  time.Time                `json:"timestamp"`
}

// Conflict pairs the two changes that touch the same path with different outcomes.
type Conflict struct {
	Path  string                `json:"path"`
	Left  flowsync.ChangeRecord `json:"left"`
	Right flowsync.ChangeRecord `json:"right"`
}

// Result is the outcome of AttemptAutoMerge. Merged is nil only when the
// auto strategy refused to merge.
type Result struct {
	Success          bool                      `json:"success"`
	Merged           *flowsync.GraphDefinition `json:"mergedDefinition,omitempty"`
	ConflictingPaths []string                  `json:"conflictingPaths,omitempty"`
	Applied          int                       `json:"applied"`
}

// FindConflicts returns the paths changed by both sides to different values,
// in path order. Identical changes on the same path are not conflicts.
func FindConflicts(left, right []flowsync.ChangeRecord) []Conflict {
	rightByPath := make(map[string]flowsync.ChangeRecord, len(right))
	for _, c := range right {
		rightByPath[c.Path] = c
	}
	var out []Conflict
	for _, l := range left {
		r, ok := rightByPath[l.Path]
		if !ok {
			continue
		}
		if flowsync.Canonical(l.NewValue) != flowsync.Canonical(r.NewValue) {
			out = append(out, Conflict{Path: l.Path, Left: l, Right: r})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ConflictPaths extracts the paths of cs.
func ConflictPaths(cs []Conflict) []string {
	paths := make([]string, len(cs))
	for i, c := range cs {
		paths[i] = c.Path
	}
	return paths
}

// DetectConflicts diffs both versions against base and returns a pending
// conflict record, or nil when the two change sets agree. The caller assigns
// ID and CreatedAt.
func DetectConflicts(base, v1, v2 flowsync.WorkflowVersion) *flowsync.ConflictResolution {
	changes1 := diff.Diff(base.Definition, v1.Definition)
	changes2 := diff.Diff(base.Definition, v2.Definition)
	conflicts := FindConflicts(changes1, changes2)
	if len(conflicts) == 0 {
		return nil
	}
	return &flowsync.ConflictResolution{
		WorkflowID:  base.WorkflowID,
		BaseVersion: base.Version,
		Versions: [2]flowsync.ConflictingVersion{
			conflictingVersion(v1, changes1),
			conflictingVersion(v2, changes2),
		},
		ConflictingPaths: ConflictPaths(conflicts),
		Status:           flowsync.ConflictPending,
	}
}

func conflictingVersion(v flowsync.WorkflowVersion, changes []flowsync.ChangeRecord) flowsync.ConflictingVersion {
	return flowsync.ConflictingVersion{
		Version:    v.Version,
		AuthorID:   v.AuthorID,
		Definition: v.Definition.Clone(),
		Timestamp:  v.CreatedAt,
		Changes:    changes,
	}
}

// AttemptAutoMerge merges left and right into base under strategy.
//
// Without conflicts every change from both sides is applied and the merge
// succeeds. With conflicts, auto fails without a merged definition; the
// writer-wins strategies pick one outcome per path and succeed; manual
// applies the rest and reports the conflicting paths as unresolved. Equal
// timestamps under last_writer_wins go to right.
//
// A merged definition that leaves an edge pointing at a removed node is not
// repaired: the edge path is reported as conflicting and the merge fails.
func AttemptAutoMerge(base flowsync.GraphDefinition, left, right Side, strategy Strategy) (Result, error) {
	if !strategy.Valid() {
		return Result{}, flowsync.Validationf("attempt merge", "strategy", "unknown strategy %q", strategy)
	}
	for _, d := range []struct {
		path string
		def  flowsync.GraphDefinition
	}{{"base", base}, {"left", left.Definition}, {"right", right.Definition}} {
		if err := flowsync.ValidateDefinition(d.def); err != nil {
			return Result{}, fmt.Errorf("%s: %w", d.path, err)
		}
	}

	changes1 := diff.Diff(base, left.Definition)
	changes2 := diff.Diff(base, right.Definition)
	conflicts := FindConflicts(changes1, changes2)
	paths := ConflictPaths(conflicts)

	if len(conflicts) > 0 && strategy == StrategyAuto {
		return Result{Success: false, ConflictingPaths: paths}, nil
	}

	conflicting := make(map[string]Conflict, len(conflicts))
	for _, c := range conflicts {
		conflicting[c.Path] = c
	}

	var plan []flowsync.ChangeRecord
	seen := make(map[string]bool)
	for _, set := range [][]flowsync.ChangeRecord{changes1, changes2} {
		for _, c := range set {
			if _, ok := conflicting[c.Path]; ok || seen[c.Path] {
				continue
			}
			seen[c.Path] = true
			plan = append(plan, c)
		}
	}
	for _, c := range conflicts {
		switch strategy {
		case StrategyLastWriterWins:
			if left.Timestamp.After(right.Timestamp) {
				plan = append(plan, c.Left)
			} else {
				plan = append(plan, c.Right)
			}
		case StrategyFirstWriterWins, StrategyManual:
			// base value stays
		}
	}

	merged := ApplyAll(base, plan)
	if dangling := danglingEdges(merged); len(dangling) > 0 {
		return Result{Success: false, ConflictingPaths: append(paths, dangling...)}, nil
	}

	res := Result{Success: true, Merged: &merged, Applied: len(plan)}
	if strategy == StrategyManual && len(conflicts) > 0 {
		res.Success = false
		res.ConflictingPaths = paths
	}
	return res, nil
}

func danglingEdges(g flowsync.GraphDefinition) []string {
	nodes := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = struct{}{}
	}
	var out []string
	for _, e := range g.Edges {
		_, src := nodes[e.Source]
		_, dst := nodes[e.Target]
		if !src || !dst {
			out = append(out, flowsync.EdgePath(e.ID))
		}
	}
	return out
}
