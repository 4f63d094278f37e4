package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/events"
)

const (
	activeOrgCookie = "active_org_id"
	activeOrgHeader = "X-Active-Org"

	healthTimeout  = 2 * time.Second
	cleanupTimeout = 2 * time.Second
)

type handlers struct {
	svc     TaskService
	auth    Authenticator
	deduper Deduper
	events  EventSink
	stream  Subscriber
	health  func(ctx context.Context) error
	log     *log.Logger
	now     func() time.Time
}

func newHandlers(deps Deps) *handlers {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &handlers{
		svc:     deps.Service,
		auth:    deps.Auth,
		deduper: deps.Deduper,
		events:  deps.Events,
		stream:  deps.Stream,
		health:  deps.Health,
		log:     logger,
		now:     time.Now,
	}
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps) {
	h := newHandlers(deps)
	g := e.Group("/api")
	g.GET("/tasks", h.getBoard)
	g.POST("/tasks", h.createTask)
	g.PATCH("/tasks/:id", h.updateTask)
	g.DELETE("/tasks/:id", h.deleteTask)
	g.POST("/tasks/:id/move", h.moveTask)
	if h.stream != nil {
		g.GET("/stream", h.streamBoard)
	}
	e.GET("/healthz", h.healthz)
}

func activeOrganization(c echo.Context) string {
	if ck, err := c.Cookie(activeOrgCookie); err == nil {
		if v := strings.TrimSpace(ck.Value); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Request().Header.Get(activeOrgHeader))
}

// tenant resolves the caller and checks membership of the active organization.
func (h *handlers) tenant(c echo.Context, authHeader string) (domain.TenantContext, error) {
	userID, err := h.auth.UserIDFromAuthHeader(authHeader)
	if err != nil {
		h.log.WithError(err).Debug("authentication failed")
		return domain.TenantContext{}, domain.ErrNotAuthenticated
	}
	tenant := domain.TenantContext{UserID: userID, OrganizationID: activeOrganization(c)}
	if _, err := h.svc.Authorize(c.Request().Context(), tenant); err != nil {
		return domain.TenantContext{}, err
	}
	return tenant, nil
}

func (h *handlers) dispatch(ev events.BoardEvent) {
	if h.events != nil {
		h.events.Dispatch(ev)
	}
}

func (h *handlers) healthz(c echo.Context) error {
	if h.health == nil {
		return c.NoContent(http.StatusOK)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := h.health(ctx); err != nil {
		h.log.WithError(err).Warn("health check failed")
		return c.String(http.StatusServiceUnavailable, "unhealthy")
	}
	return c.NoContent(http.StatusOK)
}

func (h *handlers) getBoard(c echo.Context) error {
	tenant, err := h.tenant(c, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return h.fail(c, msgBoardFailed, err)
	}
	scope := domain.ProjectScope(strings.TrimSpace(c.QueryParam("projectId")))
	board, err := h.svc.Board(c.Request().Context(), tenant, scope)
	if err != nil {
		return h.fail(c, msgBoardFailed, err)
	}
	return c.JSON(http.StatusOK, boardResponse{ProjectID: scope.ProjectID, Columns: board.Columns()})
}

func (h *handlers) createTask(c echo.Context) error {
	tenant, err := h.tenant(c, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return h.fail(c, msgCreateFailed, err)
	}
	var body createTaskRequest
	if err := bind(c, &body); err != nil {
		return h.fail(c, msgCreateFailed, err)
	}
	due, err := parseDueDate(body.DueDate)
	if err != nil {
		return h.fail(c, msgCreateFailed, err)
	}
	task, err := h.svc.Create(c.Request().Context(), tenant, domain.NewTask{
		ProjectID:   strings.TrimSpace(body.ProjectID),
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
		Status:      body.Status,
		DueDate:     due,
		Tags:        body.Tags,
		AssignedTo:  strings.TrimSpace(body.AssignedTo),
	})
	if err != nil {
		return h.fail(c, msgCreateFailed, err)
	}
	h.dispatch(events.Created(*task))
	return c.JSON(http.StatusCreated, actionResult{Success: true, Task: task})
}

func (h *handlers) updateTask(c echo.Context) error {
	tenant, err := h.tenant(c, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return h.fail(c, msgUpdateFailed, err)
	}
	var body updateTaskRequest
	if err := bind(c, &body); err != nil {
		return h.fail(c, msgUpdateFailed, err)
	}
	in := domain.TaskUpdate{
		Title:       body.Title,
		Description: body.Description,
		Priority:    body.Priority,
		Status:      body.Status,
		Tags:        body.Tags,
	}
	if body.AssignedTo != nil {
		assignee := strings.TrimSpace(*body.AssignedTo)
		in.AssignedTo = &assignee
	}
	if body.DueDate != nil {
		due, err := parseDueDate(*body.DueDate)
		if err != nil {
			return h.fail(c, msgUpdateFailed, err)
		}
		in.DueDate, in.ClearDueDate = due, due == nil
	}
	task, err := h.svc.Update(c.Request().Context(), tenant, c.Param("id"), in)
	if err != nil {
		return h.fail(c, msgUpdateFailed, err)
	}
	h.dispatch(events.Updated(*task))
	return c.JSON(http.StatusOK, actionResult{Success: true, Task: task})
}

// parseDueDate accepts a calendar date or an RFC 3339 timestamp. Blank means none.
func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, &domain.ValidationError{Field: "dueDate", Reason: "must be YYYY-MM-DD or an RFC 3339 timestamp"}
}

func (h *handlers) deleteTask(c echo.Context) error {
	tenant, err := h.tenant(c, c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return h.fail(c, msgDeleteFailed, err)
	}
	id := c.Param("id")
	if err := h.svc.Delete(c.Request().Context(), tenant, id); err != nil {
		return h.fail(c, msgDeleteFailed, err)
	}
	h.dispatch(events.Deleted(tenant.OrganizationID, id, h.now().UTC()))
	return c.JSON(http.StatusOK, actionResult{Success: true})
}

func (h *handlers) moveTask(c echo.Context) error {
	metrics, ctx := newMoveRequestMetrics(c.Request().Context(), h.log)
	c.SetRequest(c.Request().WithContext(ctx))
	var cause error
	defer func() {
		metrics.Log(c.Response().Status, cause)
	}()

	authStart := time.Now()
	tenant, cause := h.tenant(c, c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if cause != nil {
		metrics.SetErrorStage("auth")
		return h.fail(c, msgMoveFailed, cause)
	}

	var body moveTaskRequest
	if cause = bind(c, &body); cause != nil {
		metrics.SetErrorStage("decode")
		return h.fail(c, msgMoveFailed, cause)
	}

	req, cause := h.resolveMove(ctx, tenant, c.Param("id"), body)
	if cause != nil {
		metrics.SetErrorStage("resolve")
		return h.fail(c, msgMoveFailed, cause)
	}
	metrics.SetDropResolved(body.Drop != nil)

	owner := tenant.OrganizationID + ":" + tenant.UserID
	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key != "" && h.deduper != nil {
		added, err := h.deduper.Add(ctx, owner, key)
		switch {
		case err != nil:
			h.log.WithError(err).Warn("idempotency check failed; processing move anyway")
			key = ""
		case !added:
			metrics.SetDuplicate(true)
			return c.JSON(http.StatusOK, actionResult{Success: true})
		}
	} else {
		key = ""
	}

	start := time.Now()
	out, cause := h.svc.Move(ctx, tenant, req)
	metrics.ObserveReconcile(time.Since(start))
	if cause != nil {
		if key != "" {
			rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			if err := h.deduper.Remove(rmCtx, owner, key); err != nil {
				h.log.WithError(err).Warn("failed to release idempotency key")
			}
			cancel()
		}
		metrics.SetErrorStage("reconcile")
		return h.fail(c, msgMoveFailed, cause)
	}
	metrics.SetOutcome(out.Moved, out.Shifted)
	if out.Moved {
		h.dispatch(events.Moved(out))
	}
	return c.JSON(http.StatusOK, actionResult{Success: true, Task: &out.Task})
}

// resolveMove builds the move from either explicit coordinates or a drop target.
func (h *handlers) resolveMove(ctx context.Context, tenant domain.TenantContext, taskID string, body moveTaskRequest) (domain.MoveRequest, error) {
	scope := domain.ProjectScope(strings.TrimSpace(body.ProjectID))
	if body.Drop == nil {
		if body.Status == "" {
			return domain.MoveRequest{}, &domain.ValidationError{Field: "status", Reason: "is required"}
		}
		if body.Position == nil {
			return domain.MoveRequest{}, &domain.ValidationError{Field: "position", Reason: "is required"}
		}
		return domain.MoveRequest{TaskID: taskID, Status: body.Status, Position: *body.Position, Scope: scope}, nil
	}

	board, err := h.svc.Board(ctx, tenant, scope)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return domain.MoveRequest{}, domain.ErrTaskNotFound
		}
		return domain.MoveRequest{}, err
	}
	return board.ResolveDrop(taskID, *body.Drop)
}
