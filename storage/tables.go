package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// maxTransactionActions is the entity group transaction limit of Azure Tables.
const maxTransactionActions = 100

const edmDateTime = "Edm.DateTime"

// TableStore keeps tasks in Azure Table Storage, one partition per organization.
// A move is submitted as a single entity group transaction guarded by ETags.
type TableStore struct {
	tasks    *aztables.Client
	projects *aztables.Client
	members  *aztables.Client
}

// TableNames names the tables used by TableStore.
type TableNames struct {
	Tasks    string
	Projects string
	Members  string
}

func tablesClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr string, names TableNames) (*TableStore, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tablesClientOptions())
	if err != nil {
		return nil, err
	}
	return &TableStore{
		tasks:    svc.NewClient(names.Tasks),
		projects: svc.NewClient(names.Projects),
		members:  svc.NewClient(names.Members),
	}, nil
}

// Ping reads at most one task entity to check the account is reachable.
func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

// Close is a no-op; table clients hold no connections of their own.
func (s *TableStore) Close() error { return nil }

// CreateTables creates the named tables, ignoring ones that already exist.
func CreateTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return fmt.Errorf("create table %s: %w", name, err)
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type taskEntity struct {
	entityKeys
	ETag            string     `json:"odata.etag,omitempty"`
	ProjectID       string     `json:"ProjectId"`
	Title           string     `json:"Title"`
	Description     string     `json:"Description"`
	Priority        string     `json:"Priority"`
	Status          string     `json:"Status"`
	Position        int        `json:"Position"`
	CompletedAt     *time.Time `json:"CompletedAt,omitempty"`
	CompletedAtType string     `json:"CompletedAt@odata.type,omitempty"`
	DueDate         *time.Time `json:"DueDate,omitempty"`
	DueDateType     string     `json:"DueDate@odata.type,omitempty"`
	Tags            string     `json:"Tags,omitempty"`
	AssignedTo      string     `json:"AssignedTo,omitempty"`
	CreatedBy       string     `json:"CreatedBy"`
	CreatedAt       time.Time  `json:"CreatedAt"`
	CreatedAtType   string     `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt       time.Time  `json:"UpdatedAt"`
	UpdatedAtType   string     `json:"UpdatedAt@odata.type,omitempty"`
}

// positionUpdate is merged into a sibling that only changes position.
type positionUpdate struct {
	entityKeys
	Position      int       `json:"Position"`
	UpdatedAt     time.Time `json:"UpdatedAt"`
	UpdatedAtType string    `json:"UpdatedAt@odata.type"`
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		entityKeys:    entityKeys{PartitionKey: t.OrganizationID, RowKey: t.ID},
		ProjectID:     t.ProjectID,
		Title:         t.Title,
		Description:   t.Description,
		Priority:      string(t.Priority),
		Status:        string(t.Status),
		Position:      t.Position,
		CreatedBy:     t.CreatedBy,
		CreatedAt:     t.CreatedAt.UTC(),
		CreatedAtType: edmDateTime,
		UpdatedAt:     t.UpdatedAt.UTC(),
		UpdatedAtType: edmDateTime,
	}
	if t.CompletedAt != nil {
		ts := t.CompletedAt.UTC()
		ent.CompletedAt = &ts
		ent.CompletedAtType = edmDateTime
	}
	if t.DueDate != nil {
		ts := t.DueDate.UTC()
		ent.DueDate = &ts
		ent.DueDateType = edmDateTime
	}
	if len(t.Tags) > 0 {
		// Tables have no array type; tags travel as a JSON string property.
		tags, err := sonic.MarshalString([]string(t.Tags))
		if err != nil {
			return nil, err
		}
		ent.Tags = tags
	}
	ent.AssignedTo = t.AssignedTo
	return sonic.Marshal(ent)
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	var tags domain.Tags
	if ent.Tags != "" {
		if err := tags.Scan(ent.Tags); err != nil {
			return domain.Task{}, err
		}
	}
	return domain.Task{
		ID:             ent.RowKey,
		OrganizationID: ent.PartitionKey,
		ProjectID:      ent.ProjectID,
		Title:          ent.Title,
		Description:    ent.Description,
		Priority:       domain.Priority(ent.Priority),
		Status:         domain.Status(ent.Status),
		Position:       ent.Position,
		CompletedAt:    ent.CompletedAt,
		DueDate:        ent.DueDate,
		Tags:           tags,
		AssignedTo:     ent.AssignedTo,
		CreatedBy:      ent.CreatedBy,
		CreatedAt:      ent.CreatedAt,
		UpdatedAt:      ent.UpdatedAt,
		ETag:           ent.ETag,
	}, nil
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func tasksFilter(orgID string, scope domain.Scope, status domain.Status) string {
	f := "PartitionKey eq " + quote(orgID)
	if status != "" {
		f += " and Status eq " + quote(string(status))
	}
	if !scope.OrganizationWide() {
		f += " and ProjectId eq " + quote(scope.ProjectID)
	}
	return f
}

func isStatus(err error, codes ...int) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, c := range codes {
		if respErr.StatusCode == c {
			return true
		}
	}
	return false
}

func (s *TableStore) query(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetTask implements domain.MoveStore.
func (s *TableStore) GetTask(ctx context.Context, orgID, taskID string) (*domain.Task, error) {
	resp, err := s.tasks.GetEntity(ctx, orgID, taskID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, err
	}
	t, err := decodeTaskEntity(resp.Value)
	if err != nil {
		return nil, err
	}
	t.ETag = string(resp.ETag)
	return &t, nil
}

// ListColumn implements domain.MoveStore.
func (s *TableStore) ListColumn(ctx context.Context, orgID string, scope domain.Scope, status domain.Status, excludeID string) ([]domain.Task, error) {
	all, err := s.query(ctx, tasksFilter(orgID, scope, status))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.ID != excludeID {
			out = append(out, t)
		}
	}
	domain.SortColumn(out)
	return out, nil
}

// moveActions builds the entity group transaction for plan.
func moveActions(plan domain.MovePlan) ([]aztables.TransactionAction, error) {
	if plan.Writes() > maxTransactionActions {
		return nil, domain.ErrColumnTooLarge
	}
	moved, err := encodeTaskEntity(plan.Task)
	if err != nil {
		return nil, err
	}
	etag := azcore.ETag(plan.Task.ETag)
	actions := []aztables.TransactionAction{{
		// Replace drops CompletedAt when the task leaves the completed column.
		ActionType: aztables.TransactionTypeUpdateReplace,
		Entity:     moved,
		IfMatch:    &etag,
	}}
	for _, sh := range plan.Shifts {
		payload, err := sonic.Marshal(positionUpdate{
			entityKeys:    entityKeys{PartitionKey: plan.Task.OrganizationID, RowKey: sh.ID},
			Position:      sh.To,
			UpdatedAt:     plan.Task.UpdatedAt.UTC(),
			UpdatedAtType: edmDateTime,
		})
		if err != nil {
			return nil, err
		}
		et := azcore.ETag(sh.ETag)
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
			IfMatch:    &et,
		})
	}
	return actions, nil
}

func sameSiblingETags(current []domain.Task, pinned []domain.RowVersion) bool {
	if len(current) != len(pinned) {
		return false
	}
	for i := range current {
		if current[i].ID != pinned[i].ID || current[i].ETag != pinned[i].ETag {
			return false
		}
	}
	return true
}

// ApplyMove implements domain.MoveStore. Rows written by the plan are guarded by
// their ETags inside one transaction. A sibling inserted between the column
// re-read and the submit is not detected.
func (s *TableStore) ApplyMove(ctx context.Context, orgID string, plan domain.MovePlan) error {
	if plan.Task.OrganizationID != orgID {
		return domain.ErrTaskNotFound
	}
	actions, err := moveActions(plan)
	if err != nil {
		return err
	}
	current, err := s.ListColumn(ctx, orgID, plan.Scope, plan.Task.Status, plan.Task.ID)
	if err != nil {
		return err
	}
	if !sameSiblingETags(current, plan.Siblings) {
		return domain.ErrConcurrencyConflict
	}
	if _, err := s.tasks.SubmitTransaction(ctx, actions, nil); err != nil {
		if isStatus(err, http.StatusPreconditionFailed, http.StatusConflict) {
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
		return err
	}
	return nil
}

// InsertTask implements domain.Store. Two concurrent creates in the same column
// may both compute the same position.
func (s *TableStore) InsertTask(ctx context.Context, t *domain.Task) error {
	col, err := s.ListColumn(ctx, t.OrganizationID, domain.ScopeOf(*t), t.Status, "")
	if err != nil {
		return err
	}
	t.Position = 0
	if n := len(col); n > 0 {
		t.Position = col[n-1].Position + 1
	}
	payload, err := encodeTaskEntity(*t)
	if err != nil {
		return err
	}
	resp, err := s.tasks.AddEntity(ctx, payload, nil)
	if err != nil {
		return err
	}
	t.ETag = string(resp.ETag)
	return nil
}

// UpdateTask implements domain.Store. The replace is guarded by the task's ETag;
// like InsertTask, an append can race a concurrent create in the same column.
func (s *TableStore) UpdateTask(ctx context.Context, t *domain.Task, appendToColumn bool) error {
	if appendToColumn {
		col, err := s.ListColumn(ctx, t.OrganizationID, domain.ScopeOf(*t), t.Status, t.ID)
		if err != nil {
			return err
		}
		t.Position = 0
		if n := len(col); n > 0 {
			t.Position = col[n-1].Position + 1
		}
	}
	payload, err := encodeTaskEntity(*t)
	if err != nil {
		return err
	}
	et := azcore.ETag(t.ETag)
	resp, err := s.tasks.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		switch {
		case isStatus(err, http.StatusNotFound):
			return domain.ErrTaskNotFound
		case isStatus(err, http.StatusPreconditionFailed, http.StatusConflict):
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
		return err
	}
	t.ETag = string(resp.ETag)
	return nil
}

// DeleteTask implements domain.Store.
func (s *TableStore) DeleteTask(ctx context.Context, orgID, taskID string) error {
	et := azcore.ETagAny
	if _, err := s.tasks.DeleteEntity(ctx, orgID, taskID, &aztables.DeleteEntityOptions{IfMatch: &et}); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return domain.ErrTaskNotFound
		}
		return err
	}
	return nil
}

// ListTasks implements domain.Store.
func (s *TableStore) ListTasks(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
	return s.query(ctx, tasksFilter(orgID, scope, ""))
}

type projectEntity struct {
	entityKeys
	Name string `json:"Name"`
}

type memberEntity struct {
	entityKeys
	Role string `json:"Role"`
}

// GetProject implements domain.Store.
func (s *TableStore) GetProject(ctx context.Context, orgID, projectID string) (*domain.Project, error) {
	resp, err := s.projects.GetEntity(ctx, orgID, projectID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, err
	}
	var ent projectEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	return &domain.Project{ID: ent.RowKey, OrganizationID: ent.PartitionKey, Name: ent.Name}, nil
}

// MemberRole implements domain.Store.
func (s *TableStore) MemberRole(ctx context.Context, orgID, userID string) (domain.Role, error) {
	resp, err := s.members.GetEntity(ctx, orgID, userID, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return "", domain.ErrAccessDenied
		}
		return "", err
	}
	var ent memberEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	return domain.Role(ent.Role), nil
}

// SaveProject creates or replaces a project.
func (s *TableStore) SaveProject(ctx context.Context, p domain.Project) error {
	payload, err := sonic.Marshal(projectEntity{entityKeys: entityKeys{PartitionKey: p.OrganizationID, RowKey: p.ID}, Name: p.Name})
	if err == nil {
		_, err = s.projects.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// SaveMember grants userID a role in orgID.
func (s *TableStore) SaveMember(ctx context.Context, orgID, userID string, role domain.Role) error {
	payload, err := sonic.Marshal(memberEntity{entityKeys: entityKeys{PartitionKey: orgID, RowKey: userID}, Role: string(role)})
	if err == nil {
		_, err = s.members.UpsertEntity(ctx, payload, nil)
	}
	return err
}
