package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/carouselio/broadcast-api/internal/handler"
	"github.com/carouselio/broadcast-api/internal/handler/prometheus"
	"github.com/carouselio/broadcast-api/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine *gin.Engine
	auth   *middleware.AuthMiddleware
	ops    *handler.Handler
	http   *prometheus.Handler
	api    []Handler
	config RouterConfig
}

type RouterConfig struct {
	Mode           string
	RateLimit      rate.Limit
	RateBurst      int
	RateEnabled    bool
	CORSOrigins    []string
	MetricsPath    string
	MetricsEnabled bool
}

// NewRouter builds the engine with the shared middleware chain. httpMetrics
// may be nil when metrics are disabled.
func NewRouter(
	auth *middleware.AuthMiddleware,
	ops *handler.Handler,
	httpMetrics *prometheus.Handler,
	config RouterConfig,
	api ...Handler,
) (*Router, error) {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	if err := middleware.RegisterValidations(); err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
		middleware.ErrorHandler(),
	)
	if httpMetrics != nil {
		engine.Use(httpMetrics.Middleware())
	}
	if len(config.CORSOrigins) > 0 {
		engine.Use(middleware.CORS(middleware.DefaultCORSConfig(config.CORSOrigins)))
	}

	return &Router{
		engine: engine,
		auth:   auth,
		ops:    ops,
		http:   httpMetrics,
		api:    api,
		config: config,
	}, nil
}

func (r *Router) Setup() {
	r.ops.RegisterRoutes(r.engine)
	if r.config.MetricsEnabled {
		path := r.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.engine.GET(path, r.ops.MetricsHandler())
	}

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	protected := api.Group("")
	protected.Use(r.auth.AdminAuth())
	if r.config.RateEnabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  r.config.RateLimit,
			Burst: r.config.RateBurst,
		})
		protected.Use(limiter.RateLimit())
	}
	for _, h := range r.api {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
