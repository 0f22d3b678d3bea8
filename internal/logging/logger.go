package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger 统一使用 logrus
type Logger = *logrus.Logger

// Fields 结构化日志字段
type Fields = logrus.Fields

// NewLogger 创建 JSON 格式的日志实例，级别无法解析时回退到 info
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewDiscard 测试用，丢弃全部输出
func NewDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
