package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/db"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/session"
	"github.com/energizer-project/kafra/internal/telemetry"
	"github.com/energizer-project/kafra/internal/util"
)

// GameCommands is the part of the map server connector the API drives.
type GameCommands interface {
	InGame() bool
	Say(text string) error
	ChangeDir(dir uint8) error
	Sit() error
	Stand() error
}

// Options are the components the API reads from. Journal, Metrics and Game
// may be nil; their routes answer 503 then.
type Options struct {
	Config   *config.Config
	Bus      *events.EventBus
	Tracker  *session.Tracker
	Registry *network.ConnectionRegistry
	Journal  *db.Journal
	Metrics  *telemetry.Metrics
	Game     GameCommands
	Version  string
}

// Server is the status API.
type Server struct {
	opts   Options
	logger zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Config.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:   opts,
		logger: log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.opts.Config.GetApplicationData().API
	addr := net.JoinHostPort(apiCfg.Host, strconv.Itoa(apiCfg.Port))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if apiCfg.TLSEnabled {
		if err := util.EnsureSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile, apiCfg.Host); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Bool("tls", apiCfg.TLSEnabled).Msg("status API starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLSEnabled {
		err = s.httpServer.ServeTLS(ln, apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.opts.Config.GetApplicationData()
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(ObserveRequests(s.logger, s.opts.Metrics))
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(apiCfg.API.RateLimitRPS, s.opts.Metrics)
	router.Use(rateLimiter.Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleGetVersion)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/session", s.handleGetSession)
		monitor.GET("/connections", s.handleGetConnections)
		monitor.GET("/frames", s.handleGetFrames)
		monitor.GET("/frames/counts", s.handleGetFrameCounts)
		monitor.GET("/phases", s.handleGetPhases)
		monitor.GET("/system", s.handleGetSystem)
	}

	token := RequireToken(apiCfg.API.Token)

	control := router.Group("/api/control")
	control.Use(token)
	{
		control.POST("/say", s.handleSay)
		control.POST("/dir/:dir", s.handleChangeDir)
		control.POST("/sit", s.handleSit)
		control.POST("/stand", s.handleStand)
	}

	configure := router.Group("/api/configure")
	configure.Use(token)
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/client", s.handleSetClientField)
	}

	if s.opts.Metrics != nil && apiCfg.Metrics.Enabled {
		router.GET(apiCfg.Metrics.Path, gin.WrapH(s.opts.Metrics.Handler()))
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "kafra status API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
