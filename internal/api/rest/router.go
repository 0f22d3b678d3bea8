package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type RouterOptions struct {
	GraphQLPath    string
	GraphQL        http.Handler // 为 nil 时不挂载
	Playground     http.Handler
	Gatherer       prometheus.Gatherer
	HealthCheckers []func() error
}

// NewRouter 注册全部HTTP路由
func NewRouter(h *Handler, opts RouterOptions, logger logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(RecoveryMiddleware(logger), LoggingMiddleware(logger), CORSMiddleware())

	earn := r.Group("/earn")
	{
		earn.POST("/heartbeat", h.Heartbeat)
		earn.POST("/attention", h.Attention)
		earn.POST("/claim", h.Claim)
		earn.GET("/status", h.Status)
	}

	streams := r.Group("/streams/:id")
	{
		streams.POST("/viewers", h.JoinOrLeave)
		streams.DELETE("/viewers", h.Leave)
	}

	r.GET("/healthz", func(c *gin.Context) {
		for _, check := range opts.HealthCheckers {
			if err := check(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	if opts.GraphQL != nil && opts.GraphQLPath != "" {
		r.POST(opts.GraphQLPath, gin.WrapH(opts.GraphQL))
		if opts.Playground != nil {
			r.GET(opts.GraphQLPath, gin.WrapH(opts.Playground))
		}
	}

	return r
}
