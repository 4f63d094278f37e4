package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"taskboard/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

const taskColumns = `id, organization_id, project_id, title, description, priority, status,
	position, completed_at, due_date, tags, assigned_to, created_by, created_at, updated_at, version`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (organization_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		completed_at TIMESTAMP NULL,
		due_date TIMESTAMP NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		assigned_to TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_column_idx ON tasks (organization_id, status, project_id, position)`,
}

// SQLStore persists the board in a relational database.
type SQLStore struct {
	db        *sqlx.DB
	isolation sql.IsolationLevel
}

// OpenSQL connects to dsn using driver (DriverSQLite or DriverPostgres).
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return NewSQLStore(db), nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	s := &SQLStore{db: db, isolation: sql.LevelDefault}
	switch db.DriverName() {
	case DriverSQLite:
		// An in-memory database lives on a single connection.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		s.isolation = sql.LevelSerializable
	}
	return s
}

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema if it does not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetTask implements domain.MoveStore.
func (s *SQLStore) GetTask(ctx context.Context, orgID, taskID string) (*domain.Task, error) {
	var t domain.Task
	q := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE organization_id = ? AND id = ?`)
	if err := s.db.GetContext(ctx, &t, q, orgID, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	return &t, nil
}

func columnQuery(scope domain.Scope, excludeID string, orgID string, status domain.Status) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE organization_id = ? AND status = ?`)
	args := []any{orgID, string(status)}
	if !scope.OrganizationWide() {
		sb.WriteString(` AND project_id = ?`)
		args = append(args, scope.ProjectID)
	}
	if excludeID != "" {
		sb.WriteString(` AND id <> ?`)
		args = append(args, excludeID)
	}
	sb.WriteString(` ORDER BY position, id`)
	return sb.String(), args
}

// ListColumn implements domain.MoveStore.
func (s *SQLStore) ListColumn(ctx context.Context, orgID string, scope domain.Scope, status domain.Status, excludeID string) ([]domain.Task, error) {
	q, args := columnQuery(scope, excludeID, orgID, status)
	tasks := []domain.Task{}
	if err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ApplyMove implements domain.MoveStore. The whole plan is written in a single
// transaction that first re-reads the target column and compares it to the plan.
func (s *SQLStore) ApplyMove(ctx context.Context, orgID string, plan domain.MovePlan) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer tx.Rollback()

	q, args := columnQuery(plan.Scope, plan.Task.ID, orgID, plan.Task.Status)
	var current []domain.Task
	if err := tx.SelectContext(ctx, &current, tx.Rebind(q), args...); err != nil {
		return mapSQLError(err)
	}
	if !sameSiblings(current, plan.Siblings) {
		return domain.ErrConcurrencyConflict
	}

	t := plan.Task
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks
		SET status = ?, position = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND version = ?`),
		string(t.Status), t.Position, t.CompletedAt, t.UpdatedAt, orgID, t.ID, t.Version)
	if err := expectOneRow(res, err); err != nil {
		return err
	}

	for _, sh := range plan.Shifts {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks
			SET position = ?, updated_at = ?, version = version + 1
			WHERE organization_id = ? AND id = ? AND version = ?`),
			sh.To, t.UpdatedAt, orgID, sh.ID, sh.Version)
		if err := expectOneRow(res, err); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	log.WithFields(log.Fields{"task": t.ID, "org": orgID, "status": t.Status, "position": t.Position, "shifted": len(plan.Shifts)}).Debug("move applied")
	return nil
}

func sameSiblings(current []domain.Task, pinned []domain.RowVersion) bool {
	if len(current) != len(pinned) {
		return false
	}
	for i := range current {
		if current[i].ID != pinned[i].ID || current[i].Version != pinned[i].Version {
			return false
		}
	}
	return true
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return mapSQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

// mapSQLError turns serialization failures into domain.ErrConcurrencyConflict.
func mapSQLError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

// nextPosition returns the slot after the last task of t's column.
func nextPosition(ctx context.Context, tx *sqlx.Tx, t *domain.Task) (int, error) {
	scope := domain.ScopeOf(*t)
	q := `SELECT COALESCE(MAX(position), -1) + 1 FROM tasks WHERE organization_id = ? AND status = ? AND id <> ?`
	args := []any{t.OrganizationID, string(t.Status), t.ID}
	if !scope.OrganizationWide() {
		q += ` AND project_id = ?`
		args = append(args, scope.ProjectID)
	}
	var next int
	if err := tx.GetContext(ctx, &next, tx.Rebind(q), args...); err != nil {
		return 0, mapSQLError(err)
	}
	return next, nil
}

// InsertTask implements domain.Store. The position is computed inside the
// insert transaction so concurrent creates cannot share a slot.
func (s *SQLStore) InsertTask(ctx context.Context, t *domain.Task) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	next, err := nextPosition(ctx, tx, t)
	if err != nil {
		return err
	}
	t.Position = next
	t.Version = 1

	_, err = tx.NamedExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (
		:id, :organization_id, :project_id, :title, :description, :priority, :status,
		:position, :completed_at, :due_date, :tags, :assigned_to, :created_by, :created_at, :updated_at, :version)`, t)
	if err != nil {
		return mapSQLError(err)
	}
	return mapSQLError(tx.Commit())
}

// UpdateTask implements domain.Store.
func (s *SQLStore) UpdateTask(ctx context.Context, t *domain.Task, appendToColumn bool) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	if appendToColumn {
		if t.Position, err = nextPosition(ctx, tx, t); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE tasks
		SET title = ?, description = ?, priority = ?, status = ?, position = ?, completed_at = ?,
			due_date = ?, tags = ?, assigned_to = ?, updated_at = ?, version = version + 1
		WHERE organization_id = ? AND id = ? AND version = ?`),
		t.Title, t.Description, string(t.Priority), string(t.Status), t.Position, t.CompletedAt,
		t.DueDate, t.Tags, t.AssignedTo, t.UpdatedAt, t.OrganizationID, t.ID, t.Version)
	if err := expectOneRow(res, err); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLError(err)
	}
	t.Version++
	return nil
}

// DeleteTask implements domain.Store.
func (s *SQLStore) DeleteTask(ctx context.Context, orgID, taskID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE organization_id = ? AND id = ?`), orgID, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ListTasks implements domain.Store.
func (s *SQLStore) ListTasks(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE organization_id = ?`
	args := []any{orgID}
	if !scope.OrganizationWide() {
		q += ` AND project_id = ?`
		args = append(args, scope.ProjectID)
	}
	q += ` ORDER BY status, position, id`
	tasks := []domain.Task{}
	if err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetProject implements domain.Store.
func (s *SQLStore) GetProject(ctx context.Context, orgID, projectID string) (*domain.Project, error) {
	var p domain.Project
	q := s.db.Rebind(`SELECT id, organization_id, name FROM projects WHERE organization_id = ? AND id = ?`)
	if err := s.db.GetContext(ctx, &p, q, orgID, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

// MemberRole implements domain.Store.
func (s *SQLStore) MemberRole(ctx context.Context, orgID, userID string) (domain.Role, error) {
	var role string
	q := s.db.Rebind(`SELECT role FROM memberships WHERE organization_id = ? AND user_id = ?`)
	if err := s.db.GetContext(ctx, &role, q, orgID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrAccessDenied
		}
		return "", err
	}
	return domain.Role(role), nil
}

// SaveProject creates or renames a project.
func (s *SQLStore) SaveProject(ctx context.Context, p domain.Project) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO projects (id, organization_id, name) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`), p.ID, p.OrganizationID, p.Name)
	return err
}

// SaveMember grants userID a role in orgID.
func (s *SQLStore) SaveMember(ctx context.Context, orgID, userID string, role domain.Role) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO memberships (organization_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = excluded.role`), orgID, userID, string(role))
	return err
}
