// Package admin implements the coordinator's operator HTTP API:
// liveness, Prometheus metrics, supervisor statistics, a
// quarantine-clear endpoint for manual intervention after a stage's
// restart budget or failover policy has sidelined it, and a hot-swap
// endpoint for replacing a stage's plugin without restarting the
// coordinator.
package admin

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coriolis-run/pipeline-runtime/internal/handle"
	"github.com/coriolis-run/pipeline-runtime/internal/supervisor"
)

// Server is the operator-facing HTTP API over one coordinator's
// pipeline.
type Server struct {
	router *gin.Engine
	sup    *supervisor.Supervisor
	stages map[string]*handle.Handle
	log    *zap.Logger
}

// New builds the admin API's routes over sup and the named stage
// handles. development relaxes gin's release-mode logging.
func New(sup *supervisor.Supervisor, stages map[string]*handle.Handle, development bool, log *zap.Logger) *Server {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{router: r, sup: sup, stages: stages, log: log}
	readLimit := newRateLimiter(readRateLimitConfig())
	mutateLimit := newRateLimiter(mutateRateLimitConfig())
	r.GET("/healthz", readLimit, s.healthz)
	r.GET("/metrics", readLimit, gin.WrapH(promhttp.Handler()))
	r.GET("/stats", readLimit, s.stats)
	r.POST("/quarantine/clear", mutateLimit, s.clearQuarantine)
	r.POST("/stages/swap", mutateLimit, s.swapStage)
	return s
}

// Run blocks serving the admin API on addr (host:port).
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) healthz(c *gin.Context) {
	stats := s.sup.Statistics()
	if stats.Healthy < stats.Total {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	c.Status(http.StatusOK)
}

type statsView struct {
	Total         int `json:"total"`
	Healthy       int `json:"healthy"`
	TotalRestarts int `json:"total_restarts"`
}

func (s *Server) stats(c *gin.Context) {
	st := s.sup.Statistics()
	body, err := sonic.Marshal(statsView{Total: st.Total, Healthy: st.Healthy, TotalRestarts: st.TotalRestarts})
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (s *Server) clearQuarantine(c *gin.Context) {
	stage := c.Query("stage")
	if stage == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	h, ok := s.stages[stage]
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	h.ClearQuarantine()
	s.sup.ClearPermanentFailure(stage)
	s.log.Info("admin: cleared quarantine", zap.String("stage", stage))
	c.Status(http.StatusOK)
}

// swapStage hot-swaps a running stage to a new plugin path without
// disturbing the stage's position in the supervision tree: the old
// worker is terminated, a new one is started at plugin_path, and the
// stage's metrics are reset. On failure to start the new plugin the
// old path is reinstated automatically and this reports the error.
func (s *Server) swapStage(c *gin.Context) {
	stage := c.Query("stage")
	pluginPath := c.Query("plugin_path")
	if stage == "" || pluginPath == "" {
		c.Status(http.StatusBadRequest)
		return
	}
	if _, ok := s.stages[stage]; !ok {
		c.Status(http.StatusNotFound)
		return
	}
	if err := s.sup.Swap(stage, pluginPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
