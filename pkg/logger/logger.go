package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Log *zap.Logger
)

func init() {
	// 默认初始化一个 Nop Logger，防止未 Init 就调用导致 panic
	Log = zap.NewNop()
}

// FileOptions 日志文件滚动配置, Filename 为空时只输出到控制台
type FileOptions struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init initializes the global logger
func Init(env string) {
	InitWithFile(env, FileOptions{})
}

// InitWithFile 与 Init 相同，额外把 JSON 日志写入 lumberjack 滚动文件
func InitWithFile(env string, file FileOptions) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	opts := []zap.Option{zap.AddCallerSkip(1)} // Skip 1 caller so logs show where logger.Info was called, not wrapper
	if file.Filename != "" {
		writer := &lumberjack.Logger{
			Filename:   file.Filename,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   true,
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(writer), config.Level)
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}

	var err error
	Log, err = config.Build(opts...)
	if err != nil {
		panic(err)
	}

	// 替换全局标准库 log (这样所有通过 log.Printf 打印的也会被重定向到 Zap)
	zap.ReplaceGlobals(Log)
}

// Sync flushes any buffered log entries
func Sync() {
	_ = Log.Sync()
}

// Helper functions for direct usage
func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

// AsynqLogger 将 asynq 内部日志转发到 zap
type AsynqLogger struct {
	l *zap.SugaredLogger
}

func NewAsynqLogger() *AsynqLogger {
	return &AsynqLogger{l: Log.WithOptions(zap.AddCallerSkip(1)).Sugar().Named("asynq")}
}

func (a *AsynqLogger) Debug(args ...interface{}) { a.l.Debug(args...) }
func (a *AsynqLogger) Info(args ...interface{})  { a.l.Info(args...) }
func (a *AsynqLogger) Warn(args ...interface{})  { a.l.Warn(args...) }
func (a *AsynqLogger) Error(args ...interface{}) { a.l.Error(args...) }

func (a *AsynqLogger) Fatal(args ...interface{}) {
	a.l.Error(args...)
	_ = a.l.Sync()
	os.Exit(1)
}
