package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// LoggingMiddleware 结构化请求日志
func LoggingMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":    c.Writer.Status(),
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"latency":   time.Since(start),
			"client_ip": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTP请求")
			return
		}
		entry.Debug("HTTP请求")
	}
}

// RecoveryMiddleware 捕获处理函数中的 panic
func RecoveryMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Error("请求处理panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "内部错误"})
			}
		}()

		c.Next()
	}
}

// CORSMiddleware 允许浏览器端直接调用
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
