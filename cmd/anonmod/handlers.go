package main

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/anonmod/anonmod/modqueue"

	"github.com/labstack/echo/v4"
)

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var errorMessage string
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		errorMessage = fmt.Sprintf("%s", he.Message)
	}
	if code >= 500 {
		slog.Warn("anonmod-http-internal-error", "err", err)
	}
	c.JSON(code, GenericStatus{Status: "error", Daemon: "anonmod", Message: errorMessage})
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if srv.rdb != nil {
		if err := srv.rdb.Ping(c.Request().Context()).Err(); err != nil {
			slog.Error("health check redis ping failed", "err", err)
			return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "anonmod", Message: "redis unavailable"})
		}
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "anonmod"})
}

func (srv *Server) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if srv.adminToken == "" {
			return echo.ErrForbidden
		}
		authheader := c.Request().Header.Get("Authorization")
		pref := "Bearer "
		if !strings.HasPrefix(authheader, pref) {
			return echo.ErrForbidden
		}
		token := authheader[len(pref):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(srv.adminToken)) != 1 {
			return echo.ErrForbidden
		}
		return next(c)
	}
}

type QueueEntry struct {
	Position int `json:"position"`
	modqueue.Item
}

type QueueOutput struct {
	Total    int          `json:"total"`
	Capacity int          `json:"capacity"`
	Offset   int          `json:"offset"`
	Items    []QueueEntry `json:"items"`
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter", name))
	}
	return v, nil
}

// HandleQueue lists pending submissions in queue order, including submitter metadata.
func (srv *Server) HandleQueue(c echo.Context) error {
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit", 50)
	if err != nil {
		return err
	}
	if limit == 0 || limit > 100 {
		limit = 100
	}

	snap := srv.service.Snapshot(offset, limit)
	out := QueueOutput{
		Total:    snap.Total,
		Capacity: snap.Capacity,
		Offset:   snap.Offset,
		Items:    make([]QueueEntry, 0, len(snap.Items)),
	}
	for i, it := range snap.Items {
		out.Items = append(out.Items, QueueEntry{Position: snap.Offset + i + 1, Item: it})
	}
	return c.JSON(http.StatusOK, out)
}
