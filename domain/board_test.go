package domain

import (
	"errors"
	"testing"
)

func sampleBoard() *Board {
	return NewBoard(ProjectScope("p1"), []Task{
		task("A", StatusTodo, 0),
		task("B", StatusTodo, 1),
		task("C", StatusTodo, 2),
		task("R", StatusReview, 0),
		{ID: "X", OrganizationID: org, ProjectID: "p2", Status: StatusTodo},
	})
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewBoardGroupsByStatus(t *testing.T) {
	b := sampleBoard()
	cols := b.Columns()
	if len(cols) != len(Statuses) {
		t.Fatalf("expected %d columns, got %d", len(Statuses), len(cols))
	}
	if cols[0].Status != StatusTodo || cols[0].Title != "To Do" {
		t.Fatalf("unexpected first column: %#v", cols[0])
	}
	if got := ids(cols[0].Tasks); !equalIDs(got, []string{"A", "B", "C"}) {
		t.Fatalf("unexpected todo column: %v", got)
	}
	if _, ok := b.Find("X"); ok {
		t.Fatalf("task from another project should be filtered out")
	}
}

func TestResolveDropOnColumn(t *testing.T) {
	b := sampleBoard()

	req, err := b.ResolveDrop("R", DropTarget{Column: StatusTodo})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Status != StatusTodo || req.Position != 3 || req.Scope != ProjectScope("p1") {
		t.Fatalf("unexpected request: %#v", req)
	}

	// Dropping inside its own column excludes the dragged card from the count.
	req, err = b.ResolveDrop("A", DropTarget{Column: StatusTodo})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Position != 2 {
		t.Fatalf("expected position 2, got %d", req.Position)
	}
}

func TestResolveDropOnCard(t *testing.T) {
	b := sampleBoard()

	req, err := b.ResolveDrop("R", DropTarget{TaskID: "B"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Status != StatusTodo || req.Position != 1 {
		t.Fatalf("unexpected request: %#v", req)
	}

	req, err = b.ResolveDrop("A", DropTarget{TaskID: "C"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if req.Position != 1 {
		t.Fatalf("expected position 1, got %d", req.Position)
	}
}

func TestResolveDropOnItselfIsNoop(t *testing.T) {
	b := NewBoard(ProjectScope("p1"), []Task{task("A", StatusTodo, 0), task("B", StatusTodo, 4), task("C", StatusTodo, 9)})

	for _, id := range []string{"A", "B", "C"} {
		req, err := b.ResolveDrop(id, DropTarget{TaskID: id})
		if err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		want, _ := b.Find(id)
		if req.Status != StatusTodo || req.Position != want.Position {
			t.Fatalf("drop %s onto itself resolved to %#v", id, req)
		}
		cmd, err := b.Apply(req)
		if err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
		if cmd.Changed {
			t.Fatalf("drop %s onto itself changed the board", id)
		}
		if got := ids(b.Column(StatusTodo)); !equalIDs(got, []string{"A", "B", "C"}) {
			t.Fatalf("unexpected column after self drop: %v", got)
		}
	}
}

func TestResolveDropErrors(t *testing.T) {
	b := sampleBoard()
	if _, err := b.ResolveDrop("nope", DropTarget{Column: StatusTodo}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	for name, target := range map[string]DropTarget{
		"unknown_card":   {TaskID: "zzz"},
		"unknown_column": {Column: "blocked"},
		"empty":          {},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := b.ResolveDrop("A", target); !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestBoardApplyMatchesReconciler(t *testing.T) {
	tasks := []Task{task("A", StatusTodo, 0), task("B", StatusTodo, 1), task("C", StatusTodo, 2), task("R", StatusReview, 0)}
	b := NewBoard(ProjectScope("p1"), tasks)
	fs := newFakeStore(tasks...)
	req := MoveRequest{TaskID: "R", Status: StatusTodo, Position: 1, Scope: ProjectScope("p1")}

	cmd, err := b.Apply(req)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !cmd.Changed {
		t.Fatalf("expected a change")
	}
	if _, err := NewReconciler(fs).Reconcile(t.Context(), tenant, req); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	for _, tk := range b.Column(StatusTodo) {
		if fs.tasks[tk.ID].Position != tk.Position {
			t.Fatalf("task %s: board has %d, store has %d", tk.ID, tk.Position, fs.tasks[tk.ID].Position)
		}
	}
	if got := ids(b.Column(StatusTodo)); !equalIDs(got, []string{"A", "R", "B", "C"}) {
		t.Fatalf("unexpected order: %v", got)
	}
	if len(b.Column(StatusReview)) != 0 {
		t.Fatalf("expected review column to be empty")
	}
}

func TestBoardApplyNoop(t *testing.T) {
	b := sampleBoard()
	cmd, err := b.Apply(MoveRequest{TaskID: "B", Status: StatusTodo, Position: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cmd.Changed {
		t.Fatalf("expected no change")
	}
}

func TestMoveCommandRevert(t *testing.T) {
	b := sampleBoard()
	before := ids(b.Column(StatusTodo))

	cmd, err := b.Apply(MoveRequest{TaskID: "C", Status: StatusReview, Position: 0})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := ids(b.Column(StatusReview)); !equalIDs(got, []string{"C", "R"}) {
		t.Fatalf("unexpected review column: %v", got)
	}

	cmd.Revert()
	if got := ids(b.Column(StatusTodo)); !equalIDs(got, before) {
		t.Fatalf("expected %v after revert, got %v", before, got)
	}
	if got := ids(b.Column(StatusReview)); !equalIDs(got, []string{"R"}) {
		t.Fatalf("unexpected review column after revert: %v", got)
	}
	if r, _ := b.Find("R"); r.Position != 0 {
		t.Fatalf("expected R back at 0, got %d", r.Position)
	}
}
