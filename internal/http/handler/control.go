package handler

import (
	"net/http"
	"strconv"

	"github.com/edirooss/mswitch-server/internal/config"
	"github.com/edirooss/mswitch-server/internal/ingest"
	"github.com/edirooss/mswitch-server/internal/service"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"github.com/edirooss/mswitch-server/pkg/jsonx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Control is the HTTP front door to the switch engine. Handlers never mutate
// engine state directly; every mutation goes through Engine.Submit so the
// consumer loop stays the single writer.
type Control struct {
	log    *zap.Logger
	cfg    *config.Config
	eng    *switcher.Engine
	mgr    *ingest.Manager
	status *service.StatusService
}

func NewControl(log *zap.Logger, cfg *config.Config, eng *switcher.Engine, mgr *ingest.Manager, status *service.StatusService) *Control {
	return &Control{
		log:    log.Named("control_handler"),
		cfg:    cfg,
		eng:    eng,
		mgr:    mgr,
		status: status,
	}
}

// GET("/status", Status)
func (h *Control) Status(c *gin.Context) {
	res := h.status.Get(c.Request.Context())
	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	}
	c.JSON(http.StatusOK, res.Data)
}

// POST("/switch", Switch)
//
// Target comes from the "source" query param or a JSON body
// {"source": "s1", "mode": "graceful"}. The source accepts both the
// configured ID ("s1") and a bare index ("1"). Mode is optional and
// defaults to the configured protocol.
func (h *Control) Switch(c *gin.Context) {
	var req struct {
		Source string `json:"source"`
		Mode   string `json:"mode"`
	}
	req.Source = c.Query("source")
	req.Mode = c.Query("mode")
	if req.Source == "" {
		if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
			c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
	}

	target, ok := h.cfg.SourceIndex(req.Source)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown source " + strconv.Quote(req.Source)})
		return
	}

	mode := h.cfg.Mode
	if req.Mode != "" {
		m, err := config.ParseSwitchMode(req.Mode)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		mode = m
	}

	sw := switcher.NewSwitchRequest(target, mode, switcher.OriginManual)
	if err := h.eng.Submit(sw); err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}
	h.status.Invalidate()

	// Accepted, not committed: graceful/seamless commits happen later on the
	// engine loop. Poll /status for the pending state.
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": sw.ID.String(),
		"target":     target,
		"mode":       string(mode),
	})
}

// POST("/failover", Failover)
//
// ?action=enable|disable, or JSON {"enable": true}.
func (h *Control) Failover(c *gin.Context) {
	var enable bool
	switch action := c.Query("action"); action {
	case "enable":
		enable = true
	case "disable":
		enable = false
	case "":
		var req struct {
			Enable jsonx.Field[bool] `json:"enable"`
		}
		if err := jsonx.ParseStrictJSONBody(c.Request, &req); err != nil {
			c.Error(err)
			c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
			return
		}
		if !req.Enable.IsSet() || req.Enable.IsNull() {
			c.JSON(http.StatusBadRequest, gin.H{"message": "missing enable field"})
			return
		}
		enable = *req.Enable.Value()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "action must be enable or disable"})
		return
	}

	if err := h.eng.Submit(switcher.SetAutoFailover{Enable: enable}); err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
		return
	}
	h.status.Invalidate()
	c.JSON(http.StatusAccepted, gin.H{"auto_failover": enable})
}

// GET("/sources/:id/logs", SourceLogs)
//
// Last stderr lines of a spawned source's generator, newest first.
// 404 for unknown sources and for sources that are not spawn-managed.
func (h *Control) SourceLogs(c *gin.Context) {
	source, ok := h.cfg.SourceIndex(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown source " + strconv.Quote(c.Param("id"))})
		return
	}

	lines := 100
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "lines must be 1..500"})
			return
		}
		lines = n
	}

	logs, ok := h.mgr.GeneratorLogs(source, lines)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "source has no managed generator"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "logs": logs})
}
