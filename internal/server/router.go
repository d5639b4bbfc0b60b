package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/banco/internal/metrics"
	"github.com/loykin/banco/internal/node"
	"github.com/loykin/banco/internal/registry"
	"github.com/loykin/banco/internal/teller"
)

// Control is what the admin API drives: the IPC service plus the operator
// operations.
type Control interface {
	teller.Service
	RemoveNode(name string) error
	Describe(name string) (registry.Info, bool)
}

// UsageSource serves the latest resource sample of a node.
type UsageSource interface {
	Latest(name string) (metrics.Usage, bool)
}

// Router provides embeddable HTTP handlers for operating the teller.
// Endpoints:
//
//	GET    {basePath}/nodes                 all nodes
//	POST   {basePath}/nodes                 body: {"name":..., "executable_path":...}
//	GET    {basePath}/nodes/:name           entry details
//	DELETE {basePath}/nodes/:name           forget a stopped node
//	POST   {basePath}/nodes/:name/heartbeat record a heartbeat
//	GET    {basePath}/nodes/:name/usage     latest CPU/memory sample (when enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Control
	usage    UsageSource
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// usage may be nil.
func NewRouter(ctl Control, basePath string, usage UsageSource) *Router {
	return &Router{ctl: ctl, usage: usage, basePath: normalizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/nodes", r.handleList)
	group.POST("/nodes", r.handleStart)
	group.GET("/nodes/:name", r.handleDescribe)
	group.DELETE("/nodes/:name", r.handleRemove)
	group.POST("/nodes/:name/heartbeat", r.handleHeartbeat)
	if r.usage != nil {
		group.GET("/nodes/:name/usage", r.handleUsage)
	}
	return g
}

// NewServer wraps h in an http.Server with the usual timeouts. The caller
// runs ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	Name           string `json:"name"`
	ExecutablePath string `json:"executable_path"`
}

func (r *Router) handleList(c *gin.Context) {
	resp, err := r.ctl.ListNodes(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	if !isCleanAbsPath(req.ExecutablePath) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid executable_path: must be absolute path without traversal"})
		return
	}
	n := node.Node{Name: req.Name, ExecutablePath: req.ExecutablePath}
	if err := r.ctl.StartNode(c.Request.Context(), n); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if info, ok := r.ctl.Describe(n.Name); ok {
		writeJSON(c, http.StatusCreated, info)
		return
	}
	writeJSON(c, http.StatusCreated, okResp{OK: true})
}

func (r *Router) handleDescribe(c *gin.Context) {
	info, ok := r.ctl.Describe(c.Param("name"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: node.ErrNodeNotFound.Error()})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (r *Router) handleRemove(c *gin.Context) {
	if err := r.ctl.RemoveNode(c.Param("name")); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHeartbeat(c *gin.Context) {
	r.ctl.Heartbeat(c.Request.Context(), c.Param("name"))
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleUsage(c *gin.Context) {
	u, ok := r.usage.Latest(c.Param("name"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no usage sample"})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, node.ErrNodeAlreadyExists), errors.Is(err, node.ErrNodeActive):
		return http.StatusConflict
	case errors.Is(err, node.ErrFailedToSpawn):
		return http.StatusUnprocessableEntity
	case errors.Is(err, node.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, node.ErrInvalidNode):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
