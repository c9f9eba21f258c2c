package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexandrut83/minewatch/config"
	"github.com/alexandrut83/minewatch/miner"
)

// controller is the part of *miner.Controller the API touches
type controller interface {
	Stats() *miner.Stats
	Threads() int
	Reevaluate() bool
}

type apiServer struct {
	controller  controller
	nodeURL     string
	network     string
	blockNumber func(context.Context) (uint64, error)
	tokenHash   []byte
}

const healthTimeout = 2 * time.Second

func newRouter(s *apiServer, gatherer prometheus.Gatherer, origins []string, access *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), accessLog(access))

	if len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/status", s.status)
		api.GET("/health", s.health)
		api.POST("/reevaluate", s.authMiddleware(), s.reevaluate)
	}

	return router
}

func (s *apiServer) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    config.Version,
		"network":    s.network,
		"node":       s.nodeURL,
		"threads":    s.controller.Threads(),
		"controller": s.controller.Stats().GetStats(),
	})
}

// health reports whether the node answers calls
func (s *apiServer) health(c *gin.Context) {
	if s.blockNumber == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	number, err := s.blockNumber(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "block": number})
}

// reevaluate asks the controller to compare the pool with the miner state.
// A request arriving while one is already queued is folded into it.
func (s *apiServer) reevaluate(c *gin.Context) {
	queued := s.controller.Reevaluate()
	c.JSON(http.StatusAccepted, gin.H{"queued": queued})
}

func (s *apiServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.tokenHash) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API token not configured"})
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authorization token provided"})
			return
		}

		if err := bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}
