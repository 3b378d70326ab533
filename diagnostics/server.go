// Package diagnostics serves a read-mostly HTTP view of a heap: statistics,
// the page listing and a server-sent event stream of statistics, plus
// endpoints to request a collection cycle or an uncommit pass.
package diagnostics

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/JBossBC/regionheap"
	"github.com/JBossBC/regionheap/memoryAlloc"
	"github.com/cockroachdb/errors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const defaultStreamInterval = time.Second

// Heap is what the diagnostics surface needs from a heap.
type Heap interface {
	Stats() regionheap.Stats
	PagesDo(fn func(p *memoryAlloc.Page))
	Collect(cause memoryAlloc.GCCause)
	Uncommit()
}

type Option func(*options)

type options struct {
	logger         *slog.Logger
	streamInterval time.Duration
	limiter        *RateLimiter
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStreamInterval sets the time between two events of /heap/stream.
func WithStreamInterval(d time.Duration) Option {
	return func(o *options) {
		o.streamInterval = d
	}
}

// WithRateLimiter limits the POST endpoints.
func WithRateLimiter(limiter *RateLimiter) Option {
	return func(o *options) {
		o.limiter = limiter
	}
}

type service struct {
	heap   Heap
	logger *slog.Logger
	o      options
}

type pageInfo struct {
	Type       string     `json:"type"`
	Start      uintptr    `json:"start"`
	Size       uintptr    `json:"size"`
	Top        uintptr    `json:"top"`
	SeqNum     uint32     `json:"seqnum"`
	NUMA       int        `json:"numa"`
	Segments   int        `json:"segments"`
	Allocating bool       `json:"allocating"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

type pagesResponse struct {
	Count int        `json:"count"`
	Bytes uintptr    `json:"bytes"`
	Pages []pageInfo `json:"pages"`
}

func newPageInfo(p *memoryAlloc.Page) pageInfo {
	info := pageInfo{
		Type:       p.Type().String(),
		Start:      p.Start(),
		Size:       p.Size(),
		Top:        p.Top(),
		SeqNum:     p.SeqNum(),
		NUMA:       p.NUMAID(),
		Segments:   p.PhysicalMemory().NSegments(),
		Allocating: p.IsAllocating(),
	}
	if lastUsed := p.LastUsed(); !lastUsed.IsZero() {
		info.LastUsed = &lastUsed
	}
	return info
}

// NewRouter returns a gin engine serving the diagnostics routes for h.
func NewRouter(h Heap, opts ...Option) *gin.Engine {
	o := options{
		logger:         slog.Default(),
		streamInterval: defaultStreamInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.limiter == nil {
		o.limiter = NewRateLimiter()
	}
	if o.streamInterval <= 0 {
		o.streamInterval = defaultStreamInterval
	}
	s := &service{heap: h, logger: o.logger, o: o}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequest)
	group := engine.Group("/heap")
	group.GET("/stats", s.stats)
	group.GET("/pages", s.pages)
	group.GET("/stream", s.stream)

	control := group.Group("", o.limiter.Middleware())
	control.POST("/gc", s.collect)
	control.POST("/uncommit", s.uncommit)
	return engine
}

func (s *service) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("diagnostics request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("latency", time.Since(start)))
}

func (s *service) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.heap.Stats())
}

func (s *service) pages(c *gin.Context) {
	resp := pagesResponse{Pages: []pageInfo{}}
	typ := c.Query("type")
	s.heap.PagesDo(func(p *memoryAlloc.Page) {
		if typ != "" && typ != p.Type().String() {
			return
		}
		resp.Pages = append(resp.Pages, newPageInfo(p))
		resp.Bytes += p.Size()
	})
	resp.Count = len(resp.Pages)
	c.JSON(http.StatusOK, resp)
}

// stream sends a stats event every stream interval until the client goes
// away, or until count events were sent when the count query is set.
func (s *service) stream(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "0"))
	if err != nil || count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
		return
	}

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(s.o.streamInterval)
	defer ticker.Stop()
	for sent := 0; count == 0 || sent < count; sent++ {
		if sent > 0 {
			select {
			case <-ticker.C:
			case <-c.Request.Context().Done():
				return
			}
		}
		payload, err := json.Marshal(s.heap.Stats())
		if err != nil {
			s.logger.Error("encode stats event", slog.Any("error", err))
			return
		}
		event := sse.Event{Event: "stats", Id: strconv.Itoa(sent), Data: string(payload)}
		if err := sse.Encode(c.Writer, event); err != nil {
			s.logger.Debug("stats stream closed", slog.Any("error", err))
			return
		}
		c.Writer.Flush()
	}
}

func (s *service) collect(c *gin.Context) {
	s.heap.Collect(memoryAlloc.CauseExplicit)
	c.JSON(http.StatusAccepted, gin.H{"status": "cycle requested"})
}

func (s *service) uncommit(c *gin.Context) {
	s.heap.Uncommit()
	c.JSON(http.StatusAccepted, gin.H{"status": "uncommit requested"})
}

// Server serves the diagnostics routes over HTTP/1.1 and cleartext HTTP/2.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, h Heap, opts ...Option) *Server {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	handler := h2c.NewHandler(NewRouter(h, opts...), &http2.Server{})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: o.logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("diagnostics listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "diagnostics server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
