package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type stubBackend struct {
	domain.Store
	listTasksFn  func(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error)
	applyMoveFn  func(ctx context.Context, orgID string, plan domain.MovePlan) error
	insertTaskFn func(ctx context.Context, t *domain.Task) error
}

func (s *stubBackend) ListTasks(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
	if s.listTasksFn == nil {
		return nil, errors.New("unexpected ListTasks call")
	}
	return s.listTasksFn(ctx, orgID, scope)
}

func (s *stubBackend) ApplyMove(ctx context.Context, orgID string, plan domain.MovePlan) error {
	if s.applyMoveFn == nil {
		return errors.New("unexpected ApplyMove call")
	}
	return s.applyMoveFn(ctx, orgID, plan)
}

func (s *stubBackend) InsertTask(ctx context.Context, t *domain.Task) error {
	if s.insertTaskFn == nil {
		return errors.New("unexpected InsertTask call")
	}
	return s.insertTaskFn(ctx, t)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListTasksMissThenHit(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()
	expected := []domain.Task{{ID: "t1", OrganizationID: testOrg, ProjectID: "p1", Title: "Write code", Status: domain.StatusTodo}}

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
			calls++
			if orgID != testOrg || scope.ProjectID != "p1" {
				t.Fatalf("unexpected lookup: %s %v", orgID, scope)
			}
			return append([]domain.Task(nil), expected...), nil
		},
	}, client, time.Minute)

	tasks, err := cache.ListTasks(ctx, testOrg, domain.ProjectScope("p1"))
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if ttl := mr.TTL(boardCacheKey(testOrg)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	if !mr.Exists(boardCacheKey(testOrg)) || mr.HGet(boardCacheKey(testOrg), "p:p1") == "" {
		t.Fatalf("expected scope field to be cached")
	}

	cached, err := cache.ListTasks(ctx, testOrg, domain.ProjectScope("p1"))
	if err != nil {
		t.Fatalf("list cached tasks: %v", err)
	}
	if len(cached) != 1 || cached[0].ID != "t1" || cached[0].Title != "Write code" || cached[0].Status != domain.StatusTodo {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached read to avoid backend, calls=%d", calls)
	}
}

func TestCacheScopesAreSeparateFields(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string, domain.Scope) ([]domain.Task, error) {
			calls++
			return []domain.Task{}, nil
		},
	}, client, time.Minute)

	if _, err := cache.ListTasks(ctx, testOrg, domain.ProjectScope("p1")); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := cache.ListTasks(ctx, testOrg, domain.Scope{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one backend call per scope, got %d", calls)
	}
	if mr.HGet(boardCacheKey(testOrg), "*") == "" {
		t.Fatalf("expected organization-wide field")
	}
}

func TestCacheMutationsEvictOrganization(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	cache := NewCache(&stubBackend{
		listTasksFn:  func(context.Context, string, domain.Scope) ([]domain.Task, error) { return []domain.Task{}, nil },
		applyMoveFn:  func(context.Context, string, domain.MovePlan) error { return nil },
		insertTaskFn: func(context.Context, *domain.Task) error { return nil },
	}, client, time.Minute)

	prime := func() {
		t.Helper()
		if _, err := cache.ListTasks(ctx, testOrg, domain.ProjectScope("p1")); err != nil {
			t.Fatalf("list: %v", err)
		}
		if !mr.Exists(boardCacheKey(testOrg)) {
			t.Fatalf("expected board to be cached")
		}
	}

	prime()
	if err := cache.ApplyMove(ctx, testOrg, domain.MovePlan{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if mr.Exists(boardCacheKey(testOrg)) {
		t.Fatalf("move should evict the board")
	}

	prime()
	if err := cache.InsertTask(ctx, &domain.Task{ID: "n", OrganizationID: testOrg}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if mr.Exists(boardCacheKey(testOrg)) {
		t.Fatalf("insert should evict the board")
	}
}

func TestCacheKeepsEntryWhenMutationFails(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string, domain.Scope) ([]domain.Task, error) { return []domain.Task{}, nil },
		applyMoveFn: func(context.Context, string, domain.MovePlan) error { return domain.ErrConcurrencyConflict },
	}, client, time.Minute)

	if _, err := cache.ListTasks(ctx, testOrg, domain.Scope{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := cache.ApplyMove(ctx, testOrg, domain.MovePlan{}); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !mr.Exists(boardCacheKey(testOrg)) {
		t.Fatalf("failed move should not evict the board")
	}
}

func TestCacheFallsBackWhenRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string, domain.Scope) ([]domain.Task, error) {
			calls++
			return []domain.Task{{ID: "t1"}}, nil
		},
	}, client, time.Minute)

	for i := 0; i < 2; i++ {
		tasks, err := cache.ListTasks(context.Background(), testOrg, domain.Scope{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("unexpected tasks: %#v", tasks)
		}
	}
	if calls != 2 {
		t.Fatalf("expected every read to hit the backend, got %d", calls)
	}
}

func TestCacheDropsCorruptEntries(t *testing.T) {
	mr, client := newMiniredis(t)
	mr.HSet(boardCacheKey(testOrg), "*", "not-json")

	var calls int
	cache := NewCache(&stubBackend{
		listTasksFn: func(context.Context, string, domain.Scope) ([]domain.Task, error) {
			calls++
			return []domain.Task{}, nil
		},
	}, client, 0)

	if _, err := cache.ListTasks(context.Background(), testOrg, domain.Scope{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected backend read, got %d calls", calls)
	}
	if mr.Exists(boardCacheKey(testOrg)) {
		t.Fatalf("corrupt entry should be removed and not rewritten with ttl 0")
	}
}

func TestCacheOverSQLStore(t *testing.T) {
	st := newTestSQLStore(t)
	_, client := newMiniredis(t)
	cache := NewCache(st, client, time.Minute)
	svc := domain.NewTaskService(cache)
	ctx := context.Background()

	a, err := svc.Create(ctx, testTenant, domain.NewTask{ProjectID: "p1", Title: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := svc.Create(ctx, testTenant, domain.NewTask{ProjectID: "p1", Title: "B"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Board(ctx, testTenant, domain.ProjectScope("p1")); err != nil {
		t.Fatalf("board: %v", err)
	}
	if _, err := svc.Move(ctx, testTenant, domain.MoveRequest{TaskID: b.ID, Status: domain.StatusTodo, Position: 0, Scope: domain.ProjectScope("p1")}); err != nil {
		t.Fatalf("move: %v", err)
	}
	board, err := svc.Board(ctx, testTenant, domain.ProjectScope("p1"))
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	col := board.Column(domain.StatusTodo)
	if len(col) != 2 || col[0].ID != b.ID || col[1].ID != a.ID {
		t.Fatalf("board served stale order: %#v", col)
	}
}

func TestCacheSkipsFillThatRacedAnEviction(t *testing.T) {
	mr, client := newMiniredis(t)
	ctx := context.Background()

	var cache *Cache
	var calls int
	backend := &stubBackend{insertTaskFn: func(context.Context, *domain.Task) error { return nil }}
	backend.listTasksFn = func(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
		calls++
		if calls == 1 {
			// A write commits after this read but before the cache fill.
			if err := cache.InsertTask(ctx, &domain.Task{ID: "n", OrganizationID: orgID}); err != nil {
				t.Fatalf("insert: %v", err)
			}
			return []domain.Task{{ID: "stale"}}, nil
		}
		return []domain.Task{{ID: "fresh"}}, nil
	}
	cache = NewCache(backend, client, time.Minute)

	tasks, err := cache.ListTasks(ctx, testOrg, domain.Scope{})
	if err != nil || len(tasks) != 1 || tasks[0].ID != "stale" {
		t.Fatalf("unexpected first read %#v %v", tasks, err)
	}
	if mr.Exists(boardCacheKey(testOrg)) {
		t.Fatalf("read that raced an eviction must not be cached")
	}

	for i := 0; i < 2; i++ {
		tasks, err = cache.ListTasks(ctx, testOrg, domain.Scope{})
		if err != nil || len(tasks) != 1 || tasks[0].ID != "fresh" {
			t.Fatalf("unexpected read %#v %v", tasks, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected the fresh read to be cached, backend calls=%d", calls)
	}
}

// slowListStore runs afterList once, between the backing read and the cache fill.
type slowListStore struct {
	*SQLStore
	afterList func()
}

func (s *slowListStore) ListTasks(ctx context.Context, orgID string, scope domain.Scope) ([]domain.Task, error) {
	tasks, err := s.SQLStore.ListTasks(ctx, orgID, scope)
	if hook := s.afterList; hook != nil {
		s.afterList = nil
		hook()
	}
	return tasks, err
}

func TestCacheBoardAfterMoveDuringFill(t *testing.T) {
	base := &slowListStore{SQLStore: newTestSQLStore(t)}
	_, client := newMiniredis(t)
	cache := NewCache(base, client, time.Minute)
	svc := domain.NewTaskService(cache)
	ctx := context.Background()

	tasks := seed(t, base.SQLStore, testOrg, "p1", domain.StatusTodo, "A", "B", "C")
	scope := domain.ProjectScope("p1")

	base.afterList = func() {
		if _, err := svc.Move(ctx, testTenant, domain.MoveRequest{TaskID: tasks[2].ID, Status: domain.StatusTodo, Position: 0, Scope: scope}); err != nil {
			t.Fatalf("move: %v", err)
		}
	}
	if _, err := svc.Board(ctx, testTenant, scope); err != nil {
		t.Fatalf("board: %v", err)
	}

	board, err := svc.Board(ctx, testTenant, scope)
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	var got []string
	for _, tk := range board.Column(domain.StatusTodo) {
		got = append(got, tk.Title)
	}
	if !equalStrings(got, []string{"C", "A", "B"}) {
		t.Fatalf("board served the pre-move order: %v", got)
	}
}
