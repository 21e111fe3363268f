package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bartholomew/memkernel/internal/config"
	"github.com/bartholomew/memkernel/internal/kernel"
	"github.com/bartholomew/memkernel/internal/kernel/index"
	"github.com/bartholomew/memkernel/internal/kernel/retrieve"
	"github.com/bartholomew/memkernel/internal/security"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Kernel *kernel.Kernel
	Router *gin.Engine

	httpServer      *http.Server
	listener        net.Listener
	closeManagement func(context.Context) error
	stopMaintenance chan struct{}
}

// Port returns the bound main-listener port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown gracefully shuts down the server and closes the kernel.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopMaintenance)
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.httpServer.Shutdown(ctx)
	if cerr := s.Kernel.Close(); err == nil {
		err = cerr
	}
	return err
}

// StartServer assembles the kernel and starts the HTTP surface. Use
// cfg.Listener.Port=0 for a random port; the bound port is Server.Port().
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting memory kernel",
		"db", cfg.DBPath,
		"rules", cfg.MemoryRulesPath,
		"retrievalMode", cfg.RetrievalMode,
		"embedding", cfg.EmbedProvider,
	)

	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	keysCfg, err := cfg.KeysConfig()
	if err != nil {
		return nil, err
	}

	k, err := kernel.Open(kernel.Options{
		DBPath:        cfg.DBPath,
		RulesPath:     cfg.MemoryRulesPath,
		Keys:          keysCfg,
		EmbedProvider: cfg.EmbedProvider,
		EmbedModel:    cfg.EmbedModel,
		EmbedDim:      cfg.EmbedDim,
		EmbedDisabled: !cfg.EmbedEnabled,
		IndexPolicy:   index.Policy{DisallowStrongOnly: cfg.DisallowStrongOnly},
		FTSTokenizer:  cfg.FTSTokenizer,
		Retrieval: retrieve.Config{
			Mode:                 cfg.RetrievalMode,
			Fusion:               cfg.Fusion,
			WeightFTS:            cfg.WeightFTS,
			WeightVector:         cfg.WeightVector,
			RRFK:                 cfg.RRFK,
			RecencyHalfLifeHours: cfg.RecencyHalfLifeHours,
		},
	})
	if err != nil {
		return nil, err
	}

	security.SetFTSAvailable(k.Store().FTS().Available())
	security.SetBrakeGauge(k.BrakeStatus().Engaged)

	router := buildRouter(k, cfg)

	mgmtRouter := gin.New()
	mgmtRouter.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		mgmtRouter.Use(security.AccessLogMiddleware())
	}
	mountManagementRoutes(mgmtRouter, k)

	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		_, closeManagement, err = startManagementServer(cfg.ManagementListener, mgmtRouter)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	} else {
		mountManagementRoutes(router, k)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Listener.Port))
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(ctx)
		}
		k.Close()
		return nil, fmt.Errorf("listen failed: %w", err)
	}

	readHeaderTimeout := cfg.Listener.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 5 * time.Second
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
		}
	}()

	stopMaintenance := make(chan struct{})
	go runWeeklyMaintenance(k, stopMaintenance)

	log.Info("Server listening", "port", lis.Addr().(*net.TCPAddr).Port)

	return &Server{
		Config:          cfg,
		Kernel:          k,
		Router:          router,
		httpServer:      httpServer,
		listener:        lis,
		closeManagement: closeManagement,
		stopMaintenance: stopMaintenance,
	}, nil
}

// runWeeklyMaintenance merges FTS index segments on the weekly schedule.
func runWeeklyMaintenance(k *kernel.Kernel, stop chan struct{}) {
	ticker := time.NewTicker(7 * 24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := k.OptimizeFTS(); err != nil {
				log.Warn("fts maintenance merge failed", "err", err)
			} else {
				log.Info("fts maintenance merge complete")
			}
		}
	}
}

func buildRouter(k *kernel.Kernel, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.RequestIDMiddleware())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(security.AdminAuditMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	mountMemoryRoutes(router, k)
	mountBrakeRoutes(router, k)
	return router
}

func mountManagementRoutes(router *gin.Engine, k *kernel.Kernel) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := k.Store().DB().Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// maxBodySizeMiddleware caps request body size on the main listener.
func maxBodySizeMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
