package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/diff"
	"github.com/meikuraledutech/flowsync/fork"
	"github.com/meikuraledutech/flowsync/memstore"
	"github.com/meikuraledutech/flowsync/merge"
)

func main() {
	ctx := context.Background()

	// The in-memory store stands in for Postgres and access control.
	store := memstore.New()
	ids := flowsync.UUIDGenerator{}
	forks := fork.NewManager(store, store, ids)
	merges := merge.NewService(store, store, store, ids)

	// ── Create a workflow ─────────────────────────────────────────────
	onboarding := &flowsync.Workflow{
		ID:         ids.NewID(),
		Name:       "Onboarding",
		OwnerID:    "alice",
		EngineType: "form",
		Tags:       []string{"hr"},
		Visibility: flowsync.VisibilityPublic,
	}
	base := flowsync.GraphDefinition{
		Nodes: []flowsync.Node{
			{ID: "q1", Type: "select", Position: flowsync.Position{X: 0, Y: 0}, Data: json.RawMessage(`{"question":"What is your role?"}`)},
		},
		Edges: []flowsync.Edge{},
	}
	if err := store.CreateWorkflow(ctx, onboarding, base); err != nil {
		log.Fatalf("create workflow: %v", err)
	}
	fmt.Println("workflow created")
	printJSON(onboarding)

	// ── Bob forks it and adds a question ──────────────────────────────
	res, err := forks.ForkWorkflow(ctx, onboarding.ID, "bob", fork.ForkInput{})
	if err != nil {
		log.Fatalf("fork: %v", err)
	}
	fmt.Printf("\nforked into %s (%s)\n", res.Workflow.ID, res.Workflow.Name)

	edited := base.Clone()
	edited.Nodes = append(edited.Nodes, flowsync.Node{
		ID: "q2", Type: "select", Position: flowsync.Position{X: 0, Y: 120},
		Data: json.RawMessage(`{"question":"Preferred language?"}`),
	})
	edited.Edges = append(edited.Edges, flowsync.Edge{ID: "e1", Source: "q1", Target: "q2"})
	if _, err := store.CreateVersion(ctx, res.Workflow.ID, edited, "Ask about languages", "bob"); err != nil {
		log.Fatalf("create version: %v", err)
	}

	// ── Diff ──────────────────────────────────────────────────────────
	changes := diff.Diff(base, edited)
	fmt.Println("\nchanges in the fork:")
	printJSON(diff.Summarize(changes))

	// ── Merge request ─────────────────────────────────────────────────
	mr, err := forks.CreateMergeRequest(ctx, "bob", fork.CreateMergeRequestInput{
		SourceWorkflowID: res.Workflow.ID,
		TargetWorkflowID: onboarding.ID,
		Title:            "Ask about languages",
	})
	if err != nil {
		log.Fatalf("create merge request: %v", err)
	}
	preview, err := forks.PreviewMerge(ctx, mr.ID, "alice")
	if err != nil {
		log.Fatalf("preview: %v", err)
	}
	fmt.Printf("\npreview against version %d: %d changes, %d conflicts\n",
		preview.AncestorVersion, len(preview.Changes), len(preview.Conflicts))

	merged, err := forks.MergeBranch(ctx, mr.ID, "alice")
	if err != nil {
		log.Fatalf("merge: %v", err)
	}
	fmt.Printf("merged as version %d, request is %s\n", merged.Version.Version, merged.MergeRequest.Status)

	// ── Two divergent edits of q1 ─────────────────────────────────────
	current := merged.Version.Definition
	left := current.Clone()
	left.Nodes[0].Data = json.RawMessage(`{"question":"What is your job title?"}`)
	right := current.Clone()
	right.Nodes[0].Data = json.RawMessage(`{"question":"Which team are you joining?"}`)

	now := time.Now()
	auto, err := merges.AttemptAutoMerge(current,
		merge.Side{Definition: left, Timestamp: now},
		merge.Side{Definition: right, Timestamp: now.Add(time.Second)},
		merge.StrategyAuto)
	if err != nil {
		log.Fatalf("auto merge: %v", err)
	}
	fmt.Printf("\nauto merge succeeded: %v, conflicting: %v\n", auto.Success, auto.ConflictingPaths)

	v3, err := store.CreateVersion(ctx, onboarding.ID, left, "Rename q1", "alice")
	if err != nil {
		log.Fatalf("create version: %v", err)
	}
	v4, err := store.CreateVersion(ctx, onboarding.ID, right, "Reword q1", "alice")
	if err != nil {
		log.Fatalf("create version: %v", err)
	}

	// ── Record and resolve the conflict ───────────────────────────────
	conflict, err := merges.DetectConflicts(ctx, onboarding.ID, merged.Version.Version, v3.Version, v4.Version, "alice")
	if err != nil {
		log.Fatalf("detect conflicts: %v", err)
	}
	fmt.Printf("\nconflict %s on %v\n", conflict.ID, conflict.ConflictingPaths)

	if _, err := merges.ResolveConflictManually(ctx, conflict.ID, left, "alice"); err != nil {
		log.Fatalf("resolve: %v", err)
	}
	committed, err := merges.CommitResolution(ctx, conflict.ID, "alice")
	if err != nil {
		log.Fatalf("commit resolution: %v", err)
	}
	fmt.Printf("resolution committed as version %d\n", committed.Version)

	history, err := store.ListVersions(ctx, onboarding.ID, 1, 10)
	if err != nil {
		log.Fatalf("list versions: %v", err)
	}
	fmt.Printf("\nhistory (%d versions):\n", len(history))
	for _, v := range history {
		fmt.Printf("  v%d by %s: %s\n", v.Version, v.AuthorID, v.ChangeLog)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
