package domain

import (
	"fmt"
	"time"
)

// Column is one status lane of a board.
type Column struct {
	Status Status `json:"status"`
	Title  string `json:"title"`
	Tasks  []Task `json:"tasks"`
}

// Board is an in-memory view of a scope's tasks grouped by status.
type Board struct {
	Scope   Scope
	columns map[Status][]Task
	now     func() time.Time
}

// NewBoard groups tasks into columns. Tasks outside scope are dropped.
func NewBoard(scope Scope, tasks []Task) *Board {
	b := &Board{Scope: scope, columns: make(map[Status][]Task, len(Statuses)), now: time.Now}
	for _, t := range tasks {
		if !scope.Contains(t) || !t.Status.Valid() {
			continue
		}
		b.columns[t.Status] = append(b.columns[t.Status], t)
	}
	for _, s := range Statuses {
		SortColumn(b.columns[s])
	}
	return b
}

// Columns returns every lane in board order.
func (b *Board) Columns() []Column {
	out := make([]Column, 0, len(Statuses))
	for _, s := range Statuses {
		tasks := append([]Task{}, b.columns[s]...)
		out = append(out, Column{Status: s, Title: s.Title(), Tasks: tasks})
	}
	return out
}

// Column returns a copy of one lane.
func (b *Board) Column(s Status) []Task {
	return append([]Task(nil), b.columns[s]...)
}

// Find looks a task up by id.
func (b *Board) Find(id string) (Task, bool) {
	for _, s := range Statuses {
		for _, t := range b.columns[s] {
			if t.ID == id {
				return t, true
			}
		}
	}
	return Task{}, false
}

// DropTarget is where a card was released: either a column or another card.
type DropTarget struct {
	Column Status `json:"column,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// ResolveDrop turns a drop gesture into a MoveRequest. Dropping on a column appends
// to its end; dropping on a card takes that card's index among the column's other tasks.
func (b *Board) ResolveDrop(taskID string, target DropTarget) (MoveRequest, error) {
	dragged, ok := b.Find(taskID)
	if !ok {
		return MoveRequest{}, ErrTaskNotFound
	}
	req := MoveRequest{TaskID: taskID, Scope: b.Scope}
	switch {
	case target.TaskID == taskID:
		// Released on itself: the card keeps its slot and the move is a no-op.
		req.Status = dragged.Status
		req.Position = dragged.Position
	case target.TaskID != "":
		over, ok := b.Find(target.TaskID)
		if !ok {
			return MoveRequest{}, invalid("drop.taskId", "unknown task")
		}
		req.Status = over.Status
		others := b.without(over.Status, taskID)
		req.Position = len(others)
		for i, t := range others {
			if t.ID == over.ID {
				req.Position = i
				break
			}
		}
	case target.Column != "":
		if !target.Column.Valid() {
			return MoveRequest{}, invalid("drop.column", fmt.Sprintf("unknown status %q", target.Column))
		}
		req.Status = target.Column
		req.Position = len(b.without(target.Column, taskID))
	default:
		return MoveRequest{}, invalid("drop", "column or taskId is required")
	}
	return req, nil
}

func (b *Board) without(s Status, id string) []Task {
	out := make([]Task, 0, len(b.columns[s]))
	for _, t := range b.columns[s] {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

// MoveCommand is an optimistic move applied to a Board. It keeps the pre-move
// snapshot so a failed server call can be undone.
type MoveCommand struct {
	Request  MoveRequest
	Changed  bool
	board    *Board
	snapshot map[Status][]Task
}

// Apply reorders the board locally exactly as the reconciler will on the server.
func (b *Board) Apply(req MoveRequest) (*MoveCommand, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	current, ok := b.Find(req.TaskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	cmd := &MoveCommand{Request: req, board: b, snapshot: b.snapshot()}

	plan, moved := PlanMove(current, b.without(req.Status, current.ID), req, b.now())
	if !moved {
		return cmd, nil
	}
	cmd.Changed = true

	b.columns[current.Status] = b.without(current.Status, current.ID)
	shifted := make(map[string]int, len(plan.Shifts))
	for _, s := range plan.Shifts {
		shifted[s.ID] = s.To
	}
	col := b.columns[req.Status]
	for i := range col {
		if to, ok := shifted[col[i].ID]; ok {
			col[i].Position = to
		}
	}
	b.columns[req.Status] = append(col, plan.Task)
	SortColumn(b.columns[req.Status])
	return cmd, nil
}

// Revert restores the board to the state captured before the move.
func (c *MoveCommand) Revert() {
	if c == nil || c.board == nil {
		return
	}
	c.board.columns = c.snapshot
	c.snapshot = c.board.snapshot()
}

func (b *Board) snapshot() map[Status][]Task {
	out := make(map[Status][]Task, len(b.columns))
	for s, tasks := range b.columns {
		out[s] = append([]Task(nil), tasks...)
	}
	return out
}
