package domain

import (
	"context"
	"errors"
)

type fakeStore struct {
	tasks    map[string]Task
	projects map[string]Project
	members  map[string]Role

	writes        int
	applyCalls    int
	conflictsLeft int
	applyErr      error
	beforeApply   func(f *fakeStore)
}

func newFakeStore(tasks ...Task) *fakeStore {
	f := &fakeStore{tasks: map[string]Task{}, projects: map[string]Project{}, members: map[string]Role{}}
	for _, t := range tasks {
		if t.Version == 0 {
			t.Version = 1
		}
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeStore) GetTask(ctx context.Context, orgID, taskID string) (*Task, error) {
	t, ok := f.tasks[taskID]
	if !ok || t.OrganizationID != orgID {
		return nil, ErrTaskNotFound
	}
	return &t, nil
}

func (f *fakeStore) column(orgID string, scope Scope, status Status, excludeID string) []Task {
	var out []Task
	for _, t := range f.tasks {
		if t.OrganizationID != orgID || t.Status != status || t.ID == excludeID || !scope.Contains(t) {
			continue
		}
		out = append(out, t)
	}
	SortColumn(out)
	return out
}

func (f *fakeStore) ListColumn(ctx context.Context, orgID string, scope Scope, status Status, excludeID string) ([]Task, error) {
	return f.column(orgID, scope, status, excludeID), nil
}

func (f *fakeStore) ApplyMove(ctx context.Context, orgID string, plan MovePlan) error {
	f.applyCalls++
	if f.beforeApply != nil {
		f.beforeApply(f)
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return ErrConcurrencyConflict
	}
	cur, ok := f.tasks[plan.Task.ID]
	if !ok || cur.Version != plan.Task.Version {
		return ErrConcurrencyConflict
	}
	col := f.column(orgID, plan.Scope, plan.Task.Status, plan.Task.ID)
	if len(col) != len(plan.Siblings) {
		return ErrConcurrencyConflict
	}
	for i, s := range col {
		if s.ID != plan.Siblings[i].ID || s.Version != plan.Siblings[i].Version {
			return ErrConcurrencyConflict
		}
	}

	moved := plan.Task
	moved.Version++
	f.tasks[moved.ID] = moved
	f.writes++
	for _, sh := range plan.Shifts {
		t := f.tasks[sh.ID]
		t.Position = sh.To
		t.Version++
		f.tasks[sh.ID] = t
		f.writes++
	}
	return nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t *Task) error {
	col := f.column(t.OrganizationID, ScopeOf(*t), t.Status, "")
	t.Position = 0
	if len(col) > 0 {
		t.Position = col[len(col)-1].Position + 1
	}
	t.Version = 1
	f.tasks[t.ID] = *t
	f.writes++
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t *Task, appendToColumn bool) error {
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		return ErrConcurrencyConflict
	}
	cur, ok := f.tasks[t.ID]
	if !ok || cur.OrganizationID != t.OrganizationID || cur.Version != t.Version {
		return ErrConcurrencyConflict
	}
	if appendToColumn {
		col := f.column(t.OrganizationID, ScopeOf(*t), t.Status, t.ID)
		t.Position = 0
		if len(col) > 0 {
			t.Position = col[len(col)-1].Position + 1
		}
	}
	t.Version++
	f.tasks[t.ID] = *t
	f.writes++
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, orgID, taskID string) error {
	t, ok := f.tasks[taskID]
	if !ok || t.OrganizationID != orgID {
		return ErrTaskNotFound
	}
	delete(f.tasks, taskID)
	f.writes++
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, orgID string, scope Scope) ([]Task, error) {
	var out []Task
	for _, t := range f.tasks {
		if t.OrganizationID == orgID && scope.Contains(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProject(ctx context.Context, orgID, projectID string) (*Project, error) {
	p, ok := f.projects[projectID]
	if !ok || p.OrganizationID != orgID {
		return nil, ErrProjectNotFound
	}
	return &p, nil
}

func (f *fakeStore) MemberRole(ctx context.Context, orgID, userID string) (Role, error) {
	r, ok := f.members[orgID+"/"+userID]
	if !ok {
		return "", ErrAccessDenied
	}
	return r, nil
}

var errBoom = errors.New("boom")
