package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"DepthDetStream/capture"
	iface "DepthDetStream/interface"
	"DepthDetStream/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	PageTitle       = "Intel RealSense Streaming"
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 2 * time.Second
)

// HubStatter is the part of capture.Hub the status endpoint reads.
type HubStatter interface {
	Stats() capture.HubStats
}

type Options struct {
	Width       int
	Height      int
	KeepAlive   time.Duration
	Placeholder []byte
}

// Server is the HTTP surface: index page, one MJPEG route per feed, JSON status and detection events.
type Server struct {
	engine  *gin.Engine
	feeds   *stream.Set
	hub     HubStatter
	models  []iface.Detector
	opts    Options
	log     *zap.Logger
	started time.Time

	upgrader websocket.Upgrader
}

func New(feeds *stream.Set, hub HubStatter, models []iface.Detector, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 640, 480
	}
	s := &Server{
		feeds:   feeds,
		hub:     hub,
		models:  models,
		opts:    opts,
		log:     log,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	r.SetHTMLTemplate(indexTmpl)
	r.GET("/", s.index)
	for _, f := range s.feeds.Feeds() {
		r.GET(f.Path, s.mjpeg(f))
	}
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", s.status)
	r.GET("/api/models", s.modelList)
	r.GET("/ws/detections", s.detections)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found", "path": c.Request.URL.Path})
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	// Streaming handlers return once their feed closes.
	s.feeds.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func (s *Server) index(c *gin.Context) {
	page := indexPage{Title: PageTitle, Width: s.opts.Width, Height: s.opts.Height}
	for _, f := range s.feeds.Feeds() {
		page.Feeds = append(page.Feeds, indexFeed{Title: f.Title, Path: f.Path})
	}
	c.HTML(http.StatusOK, indexTmpl.Name(), page)
}

func (s *Server) mjpeg(f *stream.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, frames := f.Subscribe()
		defer f.Unsubscribe(id)
		c.Header("Content-Type", stream.ContentType)
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
		c.Writer.Flush()
		err := stream.WriteMJPEG(c.Request.Context(), c.Writer, c.Writer.Flush, frames, s.opts.KeepAlive, s.opts.Placeholder)
		s.log.Debug("mjpeg client left", zap.String("feed", f.Name), zap.String("client", id), zap.Error(err))
	}
}

func (s *Server) status(c *gin.Context) {
	resp := gin.H{
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"feeds":     s.feeds.Stats(),
		"listeners": s.feeds.Events.Listeners(),
	}
	if s.hub != nil {
		resp["hub"] = s.hub.Stats()
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) modelList(c *gin.Context) {
	configs := make([]iface.EngineConfig, 0, len(s.models))
	for _, m := range s.models {
		configs = append(configs, m.CheckConfig())
	}
	c.JSON(http.StatusOK, gin.H{"data": configs})
}

// detections pushes every annotation event as JSON until the client closes the socket.
func (s *Server) detections(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	id, events := s.feeds.Events.Subscribe()
	defer s.feeds.Events.Unsubscribe(id)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("detection listener left", zap.String("client", id), zap.Error(err))
				return
			}
		}
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}
