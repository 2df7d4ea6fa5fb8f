// Package server exposes a pool over HTTP for inspection and ad-hoc resolution.
package server

import (
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r9s-ai/reqpool/pkg/jsonutil"
	"github.com/r9s-ai/reqpool/pkg/pool"
)

const requestIDHeaderKey = "X-Request-Id"

type Logger interface {
	Info(msg string, fields ...zap.Field)
}

// Server serves one pool at a time; Swap replaces it, e.g. after the
// definitions file changed.
type Server struct {
	current atomic.Pointer[pool.Pool]
	logger  Logger
}

func New(p *pool.Pool, logger Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger}
	s.current.Store(p)
	return s
}

// Swap installs p and returns the pool it replaced.
func (s *Server) Swap(p *pool.Pool) *pool.Pool {
	return s.current.Swap(p)
}

func (s *Server) Pool() *pool.Pool {
	return s.current.Load()
}

// Router builds the gin engine. A nil gatherer disables the metrics route.
func (s *Server) Router(gatherer prometheus.Gatherer, metricsPath string) *gin.Engine {
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(s.logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if gatherer != nil && strings.TrimSpace(metricsPath) != "" {
		r.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.GET("/requests", s.listRequests)
	v1.GET("/values/:name", s.getValue)
	v1.PUT("/values/:name", s.putValue)
	v1.GET("/urls/:name", s.getURL)
	v1.GET("/state", s.state)
	v1.DELETE("/resolved", func(c *gin.Context) {
		s.Pool().ClearResolved()
		c.Status(http.StatusNoContent)
	})
	v1.DELETE("/cache", func(c *gin.Context) {
		s.Pool().ClearCache()
		c.Status(http.StatusNoContent)
	})
	return r
}

type requestView struct {
	Name   string            `json:"name"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Path   []string          `json:"path,omitempty"`
	Params map[string]string `json:"params,omitempty"`
	Value  string            `json:"value"`
}

func (s *Server) listRequests(c *gin.Context) {
	p := s.Pool()
	names := p.Names()
	out := make([]requestView, 0, len(names))
	for _, name := range names {
		def, _ := p.Definition(name)
		v := requestView{Name: name, Method: string(def.Method), URL: def.URL, Value: def.Value.String()}
		for _, a := range def.Path {
			v.Path = append(v.Path, a.String())
		}
		if len(def.Params) > 0 {
			v.Params = make(map[string]string, len(def.Params))
			for k, a := range def.Params {
				v.Params[k] = a.String()
			}
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (s *Server) getValue(c *gin.Context) {
	name := c.Param("name")
	v, err := s.Pool().Resolve(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if c.Query("raw") != "" {
		text, err := jsonutil.Render(v)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.String(http.StatusOK, text)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "value": v})
}

func (s *Server) putValue(c *gin.Context) {
	v, err := jsonutil.Decode(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(errors.Wrap(err, "decode value"), "bad_request"))
		return
	}
	s.Pool().SetValue(c.Param("name"), v)
	c.Status(http.StatusNoContent)
}

func (s *Server) getURL(c *gin.Context) {
	name := c.Param("name")
	u, err := s.Pool().URL(c.Request.Context(), name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "url": u})
}

func (s *Server) state(c *gin.Context) {
	p := s.Pool()
	resolved := p.Resolved()
	names := make([]string, 0, len(resolved))
	for k := range resolved {
		names = append(names, k)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{
		"definitions":      len(p.Names()),
		"resolved":         names,
		"cached_responses": p.CachedResponses(),
	})
}

// StatusFor maps a resolution error onto the HTTP status returned to clients.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrUndefinedRequest):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrKeyNotFound), errors.Is(err, pool.ErrCycleDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrNetwork), errors.Is(err, pool.ErrJSONDecode):
		return http.StatusBadGateway
	case errors.Is(err, pool.ErrURLBuild):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(StatusFor(err), errorBody(err, pool.ErrorKind(err)))
}

func errorBody(err error, kind string) gin.H {
	return gin.H{"error": gin.H{"message": err.Error(), "type": kind}}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeaderKey))
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(requestIDHeaderKey, id)
		c.Set(requestIDHeaderKey, id)
		c.Next()
	}
}

func requestLogger(l Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString(requestIDHeaderKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if name := c.Param("name"); name != "" {
			fields = append(fields, zap.String("name", name))
		}
		l.Info("http request", fields...)
	}
}
