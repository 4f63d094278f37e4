package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
	"taskboard/events"
)

var streamKeepAlive = 25 * time.Second

// streamBoard sends the current board followed by every board event of the
// active organization that falls inside the requested scope.
func (h *handlers) streamBoard(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if token := c.QueryParam("token"); authHeader == "" && token != "" {
		authHeader = "Bearer " + token
	}
	tenant, err := h.tenant(c, authHeader)
	if err != nil {
		return h.fail(c, msgBoardFailed, err)
	}
	ctx := c.Request().Context()
	scope := domain.ProjectScope(strings.TrimSpace(c.QueryParam("projectId")))
	board, err := h.svc.Board(ctx, tenant, scope)
	if err != nil {
		return h.fail(c, msgBoardFailed, err)
	}
	snapshot, err := sonic.Marshal(boardResponse{ProjectID: scope.ProjectID, Columns: board.Columns()})
	if err != nil {
		return h.fail(c, msgBoardFailed, err)
	}

	feed, cancel := h.stream.Subscribe(tenant.OrganizationID)
	defer cancel()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	if err := writeEvent(res, "board", snapshot); err != nil {
		return nil
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := res.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			res.Flush()
		case msg, ok := <-feed:
			if !ok {
				return nil
			}
			if !inScope(scope, msg) {
				continue
			}
			if err := writeEvent(res, "task", msg); err != nil {
				return nil
			}
		}
	}
}

func writeEvent(res *echo.Response, name string, data []byte) error {
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// Deletions carry no project, so every subscriber of the organization gets them.
func inScope(scope domain.Scope, msg []byte) bool {
	if scope.OrganizationWide() {
		return true
	}
	ev, err := events.Decode(msg)
	if err != nil {
		return false
	}
	return ev.Type == events.TaskDeleted || ev.ProjectID == scope.ProjectID
}
