// Package tokenapi issues connect tokens over HTTP. A backend that has
// authenticated a player calls it and hands the returned ClientData to the
// game client out of band.
package tokenapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/bridgefall/gamelink/pkg/token"
)

const (
	defaultTokenTTL         = 30 * time.Second
	defaultRatePerSecond    = 10
	defaultRateBurst        = 20
	defaultMaxConnections   = 256
	defaultHandshakeTimeout = 5 * time.Second
	defaultClientTimeout    = 20 * time.Second

	limiterTTL          = 5 * time.Minute
	limiterReapInterval = time.Minute
	limiterMaxEntries   = 100000
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 5 * time.Second
	contentTypeCBOR     = "application/cbor"
)

// Config describes the tokens the API hands out and how it protects itself.
type Config struct {
	Endpoints        []netip.AddrPort
	SecretKey        [32]byte
	TokenTTL         time.Duration
	HandshakeTimeout time.Duration
	ClientTimeout    time.Duration
	RatePerSecond    float64
	RateBurst        int
	MaxConnections   int
	// Registry receives the API collectors and is served on /metrics. A
	// fresh registry is used when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

// API is the token issuing HTTP service.
type API struct {
	cfg      Config
	router   *gin.Engine
	registry *prometheus.Registry
	logger   *slog.Logger
	requests *prometheus.CounterVec

	limitMu  sync.Mutex
	limiters *lrucache.Cache

	mu      sync.RWMutex
	ln      net.Listener
	readyCh chan struct{}
}

type tokenRequest struct {
	ClientID *uint64 `json:"client_id" binding:"required"`
	UserData string  `json:"user_data"`
}

// New validates cfg and builds the router.
func New(cfg Config) (*API, error) {
	if len(cfg.Endpoints) == 0 || len(cfg.Endpoints) > token.MaxEndpoints {
		return nil, fmt.Errorf("invalid config: need 1..%d endpoints", token.MaxEndpoints)
	}
	if _, err := token.DerivePublicKey(cfg.SecretKey); err != nil {
		return nil, fmt.Errorf("invalid config: secret key: %w", err)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = defaultClientTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	a := &API{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "tokenapi"),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamelink_token_requests_total",
			Help: "Token API requests by outcome.",
		}, []string{"outcome"}),
		limiters: lrucache.NewWithLRU(limiterTTL, limiterReapInterval, limiterMaxEntries),
		readyCh:  make(chan struct{}),
	}
	if err := registry.Register(a.requests); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.logRequests())

	router.GET("/healthz", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	v1 := router.Group("/v1")
	{
		v1.POST("/token", a.rateLimit(), a.issueToken)
	}
	a.router = router
	return a, nil
}

// Handler exposes the router, mainly for tests.
func (a *API) Handler() http.Handler { return a.router }

// Registry is the registry served on /metrics.
func (a *API) Registry() *prometheus.Registry { return a.registry }

// Ready returns a channel that is closed once Serve is listening.
func (a *API) Ready() <-chan struct{} { return a.readyCh }

// Addr returns the listener address once Serve is running.
func (a *API) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Serve listens on addr until ctx is cancelled. At most MaxConnections
// connections are served at once.
func (a *API) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen token api: %w", err)
	}
	ln = netutil.LimitListener(ln, a.cfg.MaxConnections)
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	close(a.readyCh)

	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.logger.Info("token api listening", "addr", ln.Addr().String(), "max_connections", a.cfg.MaxConnections)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown token api: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.requests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	userData, err := base64.StdEncoding.DecodeString(req.UserData)
	if err != nil || len(userData) > token.UserDataSize {
		a.requests.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid user_data",
			"message": fmt.Sprintf("user_data must be base64 of at most %d bytes", token.UserDataSize),
		})
		return
	}

	tok, err := token.Issue(*req.ClientID, a.cfg.Endpoints, userData, a.cfg.Now().Add(a.cfg.TokenTTL), a.cfg.SecretKey)
	if err != nil {
		a.fail(c, "issue token", err)
		return
	}
	encoded, err := token.EncodeClientData(token.NewClientData(tok, a.cfg.HandshakeTimeout, a.cfg.ClientTimeout))
	if err != nil {
		a.fail(c, "encode client data", err)
		return
	}
	a.requests.WithLabelValues("issued").Inc()
	a.logger.Debug("token issued", "client_id", *req.ClientID, "ip", c.ClientIP())

	if strings.Contains(c.GetHeader("Accept"), "text/plain") {
		c.String(http.StatusOK, base64.StdEncoding.EncodeToString(encoded))
		return
	}
	c.Data(http.StatusOK, contentTypeCBOR, encoded)
}

func (a *API) fail(c *gin.Context, msg string, err error) {
	a.requests.WithLabelValues("error").Inc()
	a.logger.Error(msg, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// rateLimit keeps one token bucket per client IP.
func (a *API) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.limiter(c.ClientIP()).AllowN(a.cfg.Now(), 1) {
			a.requests.WithLabelValues("rate_limited").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": fmt.Sprintf("maximum %g requests per second", a.cfg.RatePerSecond),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *API) limiter(ip string) *rate.Limiter {
	a.limitMu.Lock()
	defer a.limitMu.Unlock()
	if entry, ok := a.limiters.Get(ip); ok {
		return entry.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(a.cfg.RatePerSecond), a.cfg.RateBurst)
	a.limiters.Set(ip, l, limiterTTL)
	return l
}

func (a *API) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"latency", time.Since(start),
		)
	}
}
