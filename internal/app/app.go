// Package app wires hostpool.Pool behind an HTTP front door: every inbound
// request is reframed as a hostpool.HttpRequest, submitted to the pool, and
// its ResponseContext streamed back to the caller as it arrives.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thushan/hostpool/internal/config"
	"github.com/thushan/hostpool/internal/hostpool"
	"github.com/thushan/hostpool/internal/logger"
	"github.com/thushan/hostpool/internal/util"
	"github.com/thushan/hostpool/pkg/pool"
)

// requestBodyBufferSize matches the wire-side chunk size httpengine reads at,
// so an uploaded body never needs more than one outstanding buffer per request.
const requestBodyBufferSize = 32 * 1024

// requestBufferPool recycles the scratch buffers readerBody reads client
// request bodies into, instead of allocating one per chunk.
var requestBufferPool = pool.NewLitePool(func() *[]byte {
	buf := make([]byte, requestBodyBufferSize)
	return &buf
})

// Application is the hostpool daemon: an HTTP listener in front of a single
// pooled upstream host.
type Application struct {
	config *config.Config
	server *http.Server
	engine *gin.Engine
	logger *logger.StyledLogger
	pool   *hostpool.Pool
	errCh  chan error
}

// New creates an Application bound to pool. pool is owned by the caller and
// is shut down by Stop.
func New(cfg *config.Config, lg *logger.StyledLogger, pool *hostpool.Pool) (*Application, error) {
	if !cfg.Engineering.ShowNerdStats {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a := &Application{
		config: cfg,
		server: server,
		engine: engine,
		logger: lg,
		pool:   pool,
		errCh:  make(chan error, 1),
	}
	a.setupRoutes()
	return a, nil
}

func (a *Application) setupRoutes() {
	a.engine.GET("/health", a.healthHandler)
	a.engine.NoRoute(a.proxyHandler)
}

// Start begins serving HTTP traffic. It returns once the listener goroutine
// has been launched. ListenAndServe errors are only logged; they neither
// stop the application nor cancel the ctx passed to Start.
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting WebServer...", "host", a.config.Server.Host, "port", a.config.Server.Port)

	events, _ := a.pool.Events(ctx)
	go a.logPoolEvents(events)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
		}
	}()

	a.logger.Info("Started WebServer", "bind", a.server.Addr)
	return nil
}

// Stop drains the pool and shuts the HTTP server down within
// cfg.Server.ShutdownTimeout.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("pool did not drain cleanly", "error", err)
	}

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

// logPoolEvents renders the pool's internal lifecycle telemetry through the
// themed, slot-aware logging methods. It is deliberately separate from the
// pool's own narrow Logger dependency: the pool only needs to log terse
// debug lines about its own decisions, while this bridge gets to dress them
// up for an operator watching the console.
func (a *Application) logPoolEvents(events <-chan hostpool.PoolEvent) {
	if events == nil {
		return
	}
	for ev := range events {
		switch ev.Kind {
		case hostpool.PoolEventSlotTransition:
			a.logger.InfoSlotTransition(ev.Slot, ev.From.String(), ev.To.String())
		case hostpool.PoolEventConnectAttempt:
			a.logger.InfoWithSlot("connecting", ev.Slot)
		case hostpool.PoolEventConnectFailed:
			a.logger.WarnWithSlot("connect failed", ev.Slot, "error", ev.Err)
		case hostpool.PoolEventRequestDispatched:
			a.logger.InfoWithSlot("dispatched", ev.Slot)
		}
	}
}

func (a *Application) healthHandler(c *gin.Context) {
	stats := a.pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"slots_idle":      stats.SlotsIdle,
		"slots_busy":      stats.SlotsBusy,
		"slots_failed":    stats.SlotsFailed,
		"queue_depth":     stats.QueueDepth,
		"total_dispatched": stats.TotalDispatched,
	})
}

// proxyHandler forwards every other route through the pool to the single
// upstream host it was configured against.
func (a *Application) proxyHandler(c *gin.Context) {
	requestID := util.GenerateRequestID()
	clientIP := util.GetClientIP(c.Request, false, nil)

	req := &hostpool.HttpRequest{
		Method: c.Request.Method,
		Path:   c.Request.URL.RequestURI(),
		Header: map[string][]string(c.Request.Header),
	}
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		req.Body = &readerBody{r: c.Request.Body}
	}

	a.logger.Debug("dispatching request", "request_id", requestID, "client_ip", clientIP, "method", req.Method, "path", req.Path)

	resp, err := a.pool.Submit(c.Request.Context(), req)
	if err != nil {
		a.logger.Warn("request failed", "request_id", requestID, "error", err)
		a.writeError(c, err)
		return
	}

	for k, vs := range resp.Response.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.Response.Status)

	if resp.Entity == nil {
		return
	}
	for {
		chunk, err := resp.Entity.Next(c.Request.Context())
		if err == io.EOF {
			return
		}
		if err != nil {
			a.logger.Warn("entity stream failed mid-response", "error", err)
			return
		}
		if _, werr := c.Writer.Write(chunk); werr != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (a *Application) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	var subErr *hostpool.ResponseEntitySubscriptionTimeoutError
	if errors.As(err, &subErr) {
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// readerBody adapts an io.ReadCloser (the inbound http.Request.Body) into a
// hostpool.RequestBody. Its caller (httpengine's request-body pump) writes
// each chunk to the wire synchronously before calling Next again, so the
// buffer from the previous call is safe to recycle at the start of this one.
type readerBody struct {
	r      io.ReadCloser
	pooled *[]byte
}

func (b *readerBody) Next(ctx context.Context) ([]byte, error) {
	if b.pooled != nil {
		requestBufferPool.Put(b.pooled)
		b.pooled = nil
	}

	buf := requestBufferPool.Get()
	n, err := b.r.Read(*buf)
	if n > 0 {
		b.pooled = buf
		return (*buf)[:n], nil
	}
	requestBufferPool.Put(buf)
	return nil, err
}
