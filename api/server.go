// Package api exposes the manifest graph over HTTP: dynamic model routes
// for reads and writes, a change feed, the token endpoint and client
// administration. All responses are JSON.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"datapub.evalgo.org/accesslog"
	"datapub.evalgo.org/backend"
	"datapub.evalgo.org/common"
	"datapub.evalgo.org/manifest"
	"datapub.evalgo.org/rql"
	"datapub.evalgo.org/security"
	"datapub.evalgo.org/version"
)

const (
	scopesContextKey = "auth.scopes"
	clientContextKey = "auth.client"
	logContextKey    = "accesslog"
)

// Server wires the manifest, the storage backends and the auth services
// into an echo application.
type Server struct {
	Manifest *manifest.Manifest
	// Backends maps resource keys to engines. The internal store registers
	// under "default", external resources under "dataset/resource".
	Backends map[string]backend.Backend
	Tokens   *security.TokenService
	Clients  *security.ClientStore
	Sink     accesslog.Sink
	TokenTTL time.Duration

	Log *logrus.Entry
}

// Setup registers middleware and routes on an echo instance.
func (s *Server) Setup(e *echo.Echo) {
	if s.Log == nil {
		s.Log = common.Logger.WithField("component", "api")
	}
	if s.Sink == nil {
		s.Sink = accesslog.NopSink{}
	}
	if s.TokenTTL == 0 {
		s.TokenTTL = time.Hour
	}

	e.HideBanner = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("16M"))
	e.Use(s.authMiddleware)

	e.GET("/version", s.getVersion)
	e.GET("/robots.txt", s.getRobots)
	e.GET("/favicon.ico", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	e.POST("/auth/token", s.postToken)
	clients := e.Group("/auth/clients",
		echojwt.WithConfig(echojwt.Config{
			ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
				return s.Tokens.ValidateToken(auth)
			},
			ErrorHandler: func(c echo.Context, err error) error {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing token")
			},
		}),
		s.requireScope("datapub_auth_clients"))
	clients.GET("", s.listClients)
	clients.POST("", s.createClient)
	clients.GET("/:id", s.getClient)
	clients.PUT("/:id", s.updateClient)
	clients.DELETE("/:id", s.deleteClient)

	e.GET("/*", s.getAny)
	e.POST("/*", s.postAny)
	e.PUT("/*", s.putAny)
	e.PATCH("/*", s.patchAny)
	e.DELETE("/*", s.deleteAny)
}

// authMiddleware validates an optional bearer token, binds the caller to
// the request context and opens the per-request access log.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		alog := accesslog.New(s.Sink, req.Method, req.URL.String())
		c.Set(logContextKey, alog)

		header := req.Header.Get(echo.HeaderAuthorization)
		if strings.HasPrefix(header, "Bearer ") {
			token, err := s.Tokens.ValidateToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(clientContextKey, token.Subject())
			c.Set(scopesContextKey, security.TokenScopes(token))
			alog.AddAccessor("client", token.Subject())

			ctx := context.WithValue(req.Context(), common.ClientContextKey, token.Subject())
			c.SetRequest(req.WithContext(ctx))
		}
		return next(c)
	}
}

// requireScope guards a route group behind one explicit scope.
func (s *Server) requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, got := range scopes(c) {
				if got == scope {
					return next(c)
				}
			}
			return common.InsufficientScope(scope)
		}
	}
}

func scopes(c echo.Context) []string {
	got, _ := c.Get(scopesContextKey).([]string)
	return got
}

func requestLog(c echo.Context) *accesslog.Log {
	l, _ := c.Get(logContextKey).(*accesslog.Log)
	return l
}

// backendFor picks the engine a model is bound to.
func (s *Server) backendFor(m *manifest.Model) (backend.Backend, error) {
	key := "default"
	if m.IsExternal() && m.External.Resource != "" {
		key = m.Dataset + "/" + m.External.Resource
	}
	be, ok := s.Backends[key]
	if !ok {
		return nil, common.NotFound("backend", key)
	}
	return be, nil
}

// queryExpr parses the raw RQL query string, nil when the request carries
// no query.
func queryExpr(c echo.Context) (*rql.Expr, error) {
	raw := c.Request().URL.RawQuery
	if raw == "" {
		return nil, nil
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return rql.Parse(decoded)
}

func (s *Server) getVersion(c echo.Context) error {
	info := version.GetBuildInfo()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"implementation": map[string]string{
			"name":    "datapub",
			"version": info.MainVersion,
		},
		"build": info,
	})
}

func (s *Server) getRobots(c echo.Context) error {
	return c.String(http.StatusOK, "User-agent: *\nAllow: /\n")
}
