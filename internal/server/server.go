package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"worth/internal/board"
	"worth/internal/presence"
)

// Options tunes the TCP protocol listener and the notification channel.
type Options struct {
	MaxMessageSize int
	WriteTimeout   time.Duration
	RateBurst      int
	RateRefill     time.Duration
	NotifyBuffer   int
	ChatPort       int
	// AccessLog receives the HTTP access log. Nil means gin.DefaultWriter.
	AccessLog io.Writer
}

func (o Options) withDefaults() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.RateRefill <= 0 {
		o.RateRefill = time.Second
	}
	if o.NotifyBuffer <= 0 {
		o.NotifyBuffer = 64
	}
	if o.ChatPort <= 0 {
		o.ChatPort = 5678
	}
	if o.AccessLog == nil {
		o.AccessLog = gin.DefaultWriter
	}
	return o
}

// Server serves the WORTH protocol over TCP and the notification channel over
// HTTP. Protocol requests from every connection are executed one at a time
// by a single event loop.
type Server struct {
	engine    *gin.Engine
	registry  *board.Registry
	directory *presence.Directory
	logger    *slog.Logger
	opts      Options
	routes    map[string]route
	upgrader  websocket.Upgrader

	// sessions maps a connection id to the account logged in through it.
	// Only the event loop touches it.
	sessions map[uint64]string

	calls    chan call
	loopDone chan struct{}
	nextConn atomic.Uint64

	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
}

// New constructs the server with routes and middleware configured.
func New(registry *board.Registry, directory *presence.Directory, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	opts = opts.withDefaults()
	// The notification URL carries the session token in its query string.
	router.Use(gin.LoggerWithWriter(opts.AccessLog, "/api/healthz", "/api/notify"))

	srv := &Server{
		engine:    router,
		registry:  registry,
		directory: directory,
		logger:    logger,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[uint64]string),
		calls:    make(chan call),
		loopDone: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}

	srv.routes = srv.routeTable()
	srv.registerRoutes()
	return srv
}

// Engine exposes the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerRoutes wires the HTTP handlers together.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/notify", s.handleNotify)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
}

// handleHealth provides a basic readiness endpoint.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.directory.Sinks()})
}

// respondError logs the error and returns a JSON payload.
func (s *Server) respondError(c *gin.Context, status int, err error) {
	s.logger.Warn("request failed", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": err.Error()})
}
