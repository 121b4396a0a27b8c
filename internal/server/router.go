package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/monitor"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

const maxTailLines = 5000

// Reconciler runs one crash-monitor pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (monitor.Result, error)
}

// EventReader returns the lifecycle history of a bot, newest first.
type EventReader interface {
	Recent(ctx context.Context, recordID string, limit int) ([]history.Event, error)
}

type Options struct {
	BasePath    string
	UploadDir   string // multipart uploads are stored under UploadDir/<owner>/<uuid>/
	MaxUploadMB int64  // default 100
	Reconciler  Reconciler
	Events      EventReader
	ServiceName string // span service name, default "devilcloud"
	Log         *slog.Logger
}

// Router exposes the controller over HTTP. Every route except /healthz needs
// the X-Tenant header (or X-Admin: true); tenants only see their own bots.
//
//	POST   {base}/bots                 JSON submitRequest or multipart "file"
//	GET    {base}/bots                 list (admin: all, ?owner= filter)
//	GET    {base}/bots/:id             status with live cpu/memory
//	POST   {base}/bots/:id/start|stop|restart
//	DELETE {base}/bots/:id
//	GET    {base}/bots/:id/logs        ?lines=N (default 100)
//	GET    {base}/bots/:id/events      ?limit=N, when history is configured
//	POST   {base}/debug/reconcile      admin only
type Router struct {
	mgr  *manager.Manager
	opts Options
	log  *slog.Logger
}

func NewRouter(mgr *manager.Manager, opts Options) *Router {
	opts.BasePath = sanitizeBase(opts.BasePath)
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 100
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "devilcloud"
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Router{mgr: mgr, opts: opts, log: opts.Log.With(slog.String("component", "http"))}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), otelgin.Middleware(r.opts.ServiceName))
	g.GET(r.opts.BasePath+"/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	group := g.Group(r.opts.BasePath, identify)
	group.POST("/bots", r.handleSubmit)
	group.GET("/bots", r.handleList)
	group.GET("/bots/:id", r.handleGet)
	group.POST("/bots/:id/start", r.lifecycle("start", r.mgr.Start))
	group.POST("/bots/:id/stop", r.lifecycle("stop", r.mgr.Stop))
	group.POST("/bots/:id/restart", r.lifecycle("restart", r.mgr.Restart))
	group.DELETE("/bots/:id", r.lifecycle("delete", r.mgr.Delete))
	group.GET("/bots/:id/logs", r.handleLogs)
	group.GET("/bots/:id/events", r.handleEvents)
	group.POST("/debug/reconcile", requireAdmin, r.handleReconcile)
	return g
}

// NewServer wraps h in an http.Server with sane timeouts. The caller starts it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type submitRequest struct {
	Owner      string `json:"owner"` // honoured for administrators only
	Executable string `json:"executable"`
	Runtime    string `json:"runtime"`
	Name       string `json:"name"`
	StorageDir string `json:"storage_dir"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (r *Router) owner(c *gin.Context, requested string) string {
	if requested = strings.TrimSpace(requested); requested != "" && isAdmin(c) {
		return requested
	}
	return tenantOf(c)
}

func (r *Router) handleSubmit(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		r.handleUpload(c)
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Executable == "" || !isSafeAbsPath(req.Executable) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "executable must be an absolute path without traversal"})
		return
	}
	if !isSafeAbsPath(req.StorageDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "storage_dir must be an absolute path without traversal"})
		return
	}
	id, err := r.mgr.Submit(c.Request.Context(), manager.SubmitRequest{
		Owner:      r.owner(c, req.Owner),
		Executable: req.Executable,
		Runtime:    req.Runtime,
		Name:       req.Name,
		StorageDir: req.StorageDir,
	})
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, submitResp{ID: id})
}

func (r *Router) handleList(c *gin.Context) {
	var (
		recs []registry.Record
		err  error
	)
	switch {
	case isAdmin(c) && c.Query("owner") != "":
		recs, err = r.mgr.ListForOwner(c.Request.Context(), c.Query("owner"))
	case isAdmin(c):
		recs, err = r.mgr.List(c.Request.Context())
	default:
		recs, err = r.mgr.ListForOwner(c.Request.Context(), tenantOf(c))
	}
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

// visible loads the bot named by :id and hides other tenants' bots behind 404.
func (r *Router) visible(c *gin.Context) (manager.Status, bool) {
	id := c.Param("id")
	st, err := r.mgr.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return manager.Status{}, false
	}
	if !isAdmin(c) && st.Owner != tenantOf(c) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: manager.ErrNotFound.Error() + ": " + id})
		return manager.Status{}, false
	}
	return st, true
}

func (r *Router) handleGet(c *gin.Context) {
	st, ok := r.visible(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) lifecycle(op string, fn func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := r.visible(c)
		if !ok {
			return
		}
		if err := fn(c.Request.Context(), st.ID); err != nil {
			r.log.Warn("bot operation failed", slog.String("op", op), slog.String("id", st.ID), slog.Any("error", err))
			fail(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

type logsResp struct {
	Lines   []string `json:"lines"`
	Message string   `json:"message,omitempty"`
}

func (r *Router) handleLogs(c *gin.Context) {
	n, err := intQuery(c, "lines", logger.DefaultTailLines, maxTailLines)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	st, ok := r.visible(c)
	if !ok {
		return
	}
	lines, err := r.mgr.LogsTail(c.Request.Context(), st.ID, n)
	if err != nil {
		if errors.Is(err, manager.ErrNoLogs) {
			writeJSON(c, http.StatusOK, logsResp{Lines: []string{}, Message: "no logs yet"})
			return
		}
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logsResp{Lines: lines})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.opts.Events == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "history is not configured"})
		return
	}
	limit, err := intQuery(c, "limit", 50, 500)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	st, ok := r.visible(c)
	if !ok {
		return
	}
	evs, err := r.opts.Events.Recent(c.Request.Context(), st.ID, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}

func (r *Router) handleReconcile(c *gin.Context) {
	if r.opts.Reconciler == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "monitor is not running"})
		return
	}
	res, err := r.opts.Reconciler.RunOnce(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
