package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/housecall/internal/adapters/view"
	"github.com/dkeye/housecall/internal/app"
	"github.com/dkeye/housecall/internal/config"
	"github.com/dkeye/housecall/internal/core"
	"github.com/dkeye/housecall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller exposes a Session over a local HTTP API.
type Controller struct {
	Session  *app.Session
	Recorder *view.Recorder
	Limiter  *SwapRateLimiter
}

type swapRequest struct {
	Kind     string `json:"kind" binding:"required"`
	DeviceID string `json:"deviceId" binding:"required"`
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	// GET /api/state: session snapshot
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Session.Snapshot())
	})

	// GET /api/tiles: remote tiles with packet counters
	api.GET("/tiles", func(c *gin.Context) {
		if ctl.Recorder == nil {
			c.JSON(http.StatusOK, []view.TileInfo{})
			return
		}
		c.JSON(http.StatusOK, ctl.Recorder.Tiles())
	})

	// POST /api/join
	api.POST("/join", func(c *gin.Context) {
		if err := ctl.Session.JoinRoom(ctx); err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, ctl.Session.Snapshot())
	})

	// POST /api/exit
	api.POST("/exit", func(c *gin.Context) {
		if err := ctl.Session.ExitRoom(); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	// GET /api/devices/{videoinput|audioinput|audiooutput}
	api.GET("/devices/:kind", func(c *gin.Context) {
		devices, err := ctl.Session.ListDevices(domain.DeviceKind(c.Param("kind")))
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, devices)
	})

	// POST /api/devices/swap {"kind":"camera","deviceId":"..."}
	api.POST("/devices/swap", func(c *gin.Context) {
		var req swapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		target, err := domain.ParseSwapTarget(req.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ctl.Limiter != nil && !ctl.Limiter.Allow(target) {
			log.Warn().Str("module", "adapters.http").Str("target", string(target)).Msg("swap throttled")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many swaps"})
			return
		}
		if err := ctl.Session.Swap(c.Request.Context(), target, req.DeviceID); err != nil {
			abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	// POST /api/toggle/{camera|mike}
	api.POST("/toggle/:kind", func(c *gin.Context) {
		var (
			status domain.VideoStatus
			err    error
		)
		switch c.Param("kind") {
		case "camera":
			status, err = ctl.Session.ToggleCamera()
		case "mike":
			status, err = ctl.Session.ToggleMike()
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be camera or mike"})
			return
		}
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	})

	// DELETE /api/sources/:id: stop receiving one remote source
	api.DELETE("/sources/:id", func(c *gin.Context) {
		switch ctl.Session.Release(domain.SourceID(c.Param("id"))) {
		case app.ReleaseDone:
			c.Status(http.StatusNoContent)
		case app.ReleaseCancelled:
			c.JSON(http.StatusAccepted, gin.H{"status": "setup cancelled"})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		}
	})

	return r
}

func abort(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidParameters):
		code = http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidState), errors.Is(err, core.ErrNotJoined):
		code = http.StatusConflict
	case errors.Is(err, core.ErrDeviceAcquisition), errors.Is(err, core.ErrUnsupportedEnvironment):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrSignaling), errors.Is(err, core.ErrClosed):
		code = http.StatusBadGateway
	}
	log.Error().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}
