package api

import (
	"strconv"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// New builds an Echo instance with the board routes, sonic JSON, request
// validation, gzip request bodies and Prometheus metrics on /metrics.
func New(deps Deps, allowOrigins ...string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.Validator = newStructValidator()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	e.Use(middleware.Recover())
	if len(allowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     allowOrigins,
			AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, headerIdempotencyKey, activeOrgHeader},
			AllowCredentials: true,
		}))
	}
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "taskboard",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/api/stream"
		},
	}))
	e.Use(middleware.Decompress())
	e.Use(middleware.BodyLimit(strconv.Itoa(requestMaxSize/1024) + "K"))

	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	Register(e, deps)
	return e
}
