package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supervisr/internal/config"
	"github.com/loykin/supervisr/internal/history"
	"github.com/loykin/supervisr/internal/manager"
	"github.com/loykin/supervisr/internal/process"
	"github.com/loykin/supervisr/internal/service"
)

// AddRequest is the body of POST /services. Command is a full command
// line; Path and Args are the explicit form and win when both are set.
type AddRequest struct {
	ID              uint64            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Command         string            `json:"command,omitempty"`
	Path            string            `json:"path,omitempty"`
	Args            []string          `json:"args,omitempty"`
	WorkDir         string            `json:"workdir,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Schedule        string            `json:"schedule,omitempty"`
	Active          *bool             `json:"active,omitempty"`
	Watch           []string          `json:"watch,omitempty"`
	RestartInterval string            `json:"restart_interval,omitempty"`
}

// Definition converts the request into an engine definition.
func (a AddRequest) Definition() (service.Definition, error) {
	var interval time.Duration
	if a.RestartInterval != "" {
		d, err := time.ParseDuration(a.RestartInterval)
		if err != nil {
			return service.Definition{}, fmt.Errorf("%w: restart_interval: %w", service.ErrInvalidCommand, err)
		}
		interval = d
	}
	if !isSafeAbsPath(a.WorkDir) {
		return service.Definition{}, fmt.Errorf("%w: workdir must be an absolute path without traversal", service.ErrInvalidCommand)
	}
	for _, w := range a.Watch {
		if w == "" || !isSafeAbsPath(w) {
			return service.Definition{}, fmt.Errorf("%w: watch path %q must be absolute without traversal", service.ErrInvalidCommand, w)
		}
	}
	sc := config.ServiceConfig{
		ID:              a.ID,
		Name:            a.Name,
		Command:         a.Command,
		Path:            a.Path,
		Args:            a.Args,
		WorkDir:         a.WorkDir,
		Env:             a.Env,
		Schedule:        a.Schedule,
		Active:          a.Active,
		Watch:           a.Watch,
		RestartInterval: interval,
	}
	return sc.Definition(), nil
}

type AddResponse struct {
	ID   service.ID `json:"id"`
	Name string     `json:"name"`
}

type SignalRequest struct {
	Signal string `json:"signal"`
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateName), errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCommand), errors.Is(err, service.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleAdd(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	def, err := req.Definition()
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := r.eng.Add(c.Request.Context(), def)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, AddResponse{ID: id, Name: def.Name})
}

func (r *Router) handleList(c *gin.Context) {
	sts, err := r.eng.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleGet(c *gin.Context) {
	st, err := r.eng.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// refAction runs one of the engine commands that take only a reference.
func (r *Router) refAction(c *gin.Context, fn func(context.Context, string) error) {
	if err := fn(c.Request.Context(), c.Param("ref")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemove(c *gin.Context) {
	r.refAction(c, r.eng.Remove)
}

func (r *Router) handleStart(c *gin.Context) {
	r.refAction(c, r.eng.Start)
}

func (r *Router) handleStop(c *gin.Context) {
	r.refAction(c, r.eng.Stop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.refAction(c, r.eng.Restart)
}

func (r *Router) handleSignal(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	sig, err := process.ParseSignal(req.Signal)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	r.refAction(c, func(ctx context.Context, ref string) error { return r.eng.Signal(ctx, ref, sig) })
}

func (r *Router) handleScheduler(c *gin.Context) {
	entries, err := r.eng.ShowScheduler(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleConfig(c *gin.Context) {
	defs, err := r.eng.ShowConfig(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, defs)
}

func (r *Router) usageEnabled(c *gin.Context) bool {
	if r.usage == nil || !r.usage.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling is disabled"})
		return false
	}
	return true
}

func (r *Router) handleStats(c *gin.Context) {
	if !r.usageEnabled(c) {
		return
	}
	writeJSON(c, http.StatusOK, r.usage.Snapshot())
}

func (r *Router) handleServiceStats(c *gin.Context) {
	if !r.usageEnabled(c) {
		return
	}
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	hist, ok := r.usage.History(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + name})
		return
	}
	writeJSON(c, http.StatusOK, hist)
}

// serviceName resolves a numeric ref to the service name. Names pass
// through unchecked so data of removed services stays reachable.
func (r *Router) serviceName(c *gin.Context) (string, bool) {
	name := c.Param("ref")
	if _, err := strconv.ParseUint(name, 10, 64); err == nil {
		st, err := r.eng.Get(c.Request.Context(), name)
		if err != nil {
			writeError(c, err)
			return "", false
		}
		name = st.Name
	}
	return name, true
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not recorded"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit " + v})
			return
		}
		limit = n
	}
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	events, err := r.history.Recent(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
