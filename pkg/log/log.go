// Package log 封装了全局的 zap SugaredLogger，各组件通过包级函数写日志。
package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "doc-intel.log"

// Init 之前是空 logger，测试里不需要初始化。
var sugar = zap.NewNop().Sugar()

// newConfig 根据 log 配置段生成 zap 配置。
// format 为 console 时使用开发配置和彩色级别，其余情况输出 JSON。
func newConfig(level, format, outputPath string) zap.Config {
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	}

	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zap.InfoLevel)
	}
	cfg.Level = lvl

	cfg.OutputPaths = []string{"stdout"}
	if outputPath != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, filepath.Join(outputPath, logFileName))
	}
	return cfg
}

// Init 按配置构建全局 logger，配置错误直接 panic。
func Init(level, format, outputPath string) {
	if outputPath != "" {
		_ = os.MkdirAll(outputPath, os.ModePerm)
	}
	logger, err := newConfig(level, format, outputPath).Build()
	if err != nil {
		panic(err)
	}
	sugar = logger.Sugar()
}

func Info(msg string) {
	sugar.Info(msg)
}

func Infof(template string, args ...interface{}) {
	sugar.Infof(template, args...)
}

// Infow 写结构化日志，keysAndValues 成对出现。
func Infow(msg string, keysAndValues ...interface{}) {
	sugar.Infow(msg, keysAndValues...)
}

func Warnf(template string, args ...interface{}) {
	sugar.Warnf(template, args...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	sugar.Warnw(msg, keysAndValues...)
}

// Error 把 err 作为 "error" 字段输出。
func Error(msg string, err error) {
	sugar.Errorw(msg, "error", err)
}

func Errorf(template string, args ...interface{}) {
	sugar.Errorf(template, args...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	sugar.Errorw(msg, keysAndValues...)
}

// Fatal 输出后以状态码 1 退出进程。
func Fatal(msg string, err error) {
	sugar.Fatalw(msg, "error", err)
}

func Fatalf(template string, args ...interface{}) {
	sugar.Fatalf(template, args...)
}

// Sync 刷新缓冲，main 退出前调用。
func Sync() {
	_ = sugar.Sync()
}

// Replace 临时替换全局 logger，返回的函数用于恢复。
func Replace(logger *zap.Logger) func() {
	prev := sugar
	sugar = logger.Sugar()
	return func() { sugar = prev }
}
