// Package httpapi exposes a small bundle-inspection and health surface
// over gin, grounded on the teacher's pkg/meshstorage/api package
// (Server struct wrapping a gin.Engine, CORS/logging/recovery middleware
// stack, versioned route group, Start/Stop with graceful shutdown). It
// never touches session secrets — only published identity bundles,
// process health, and Prometheus metrics pass through it.
package httpapi

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/snp-net/snp-core/pkg/identity"
	"github.com/snp-net/snp-core/pkg/ledger"
	"github.com/snp-net/snp-core/pkg/metrics"
)

// Config holds server configuration, mirroring the teacher's api.Config
// shape with the fields this surface actually uses.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:         8081,
		EnableCORS:   true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server wraps a gin.Engine exposing the ledger's published bundles and
// process health over HTTP.
type Server struct {
	ledger     ledger.Ledger
	router     *gin.Engine
	cfg        Config
	httpServer *http.Server
}

// NewServer builds a Server answering bundle/health/metrics requests
// against lg.
func NewServer(lg ledger.Ledger, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware())
	if cfg.EnableCORS {
		router.Use(corsMiddleware())
	}

	s := &Server{ledger: lg, router: router, cfg: cfg}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/v1")
	{
		v1.GET("/bundle/:address", s.handleGetBundle)
	}
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// handleGetBundle answers GET /v1/bundle/:address with the hex-encoded
// address's current published bundle, the HTTP analogue of pkg/transport's
// ProtocolBundle.
func (s *Server) handleGetBundle(c *gin.Context) {
	raw, err := hex.DecodeString(c.Param("address"))
	if err != nil || len(raw) != 20 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be 20 hex-encoded bytes"})
		return
	}
	var addr identity.Address
	copy(addr[:], raw)

	bundle, err := s.ledger.LookupBundle(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no bundle published for this address"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":              c.Param("address"),
		"signed_pre_key_id":    bundle.SignedPreKeyID,
		"has_one_time_pre_key": bundle.HasOneTimePreKey,
		"one_time_pre_key_id":  bundle.OneTimePreKeyID,
		"timestamp":            bundle.Timestamp,
		"bundle_hex":           hex.EncodeToString(bundle.Encode()),
	})
}

// handleHealthz answers GET /healthz. It reports alive unconditionally:
// a provider with no ledger reachable still has a functioning process,
// readiness is a separate, deployment-specific concern left to the
// caller's orchestrator.
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully, mirroring the teacher's api.Server.Start.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
