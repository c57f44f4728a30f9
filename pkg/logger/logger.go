// Package logger 提供基于 zap 的全局结构化日志
//
// 每条日志携带 service、env、instance 字段，便于多副本部署时区分来源；
// 级别可在运行时通过 LevelHandler 调整。
package logger

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	globalLogger *zap.Logger
	atomicLevel  = zap.NewAtomicLevel()
)

// Config 日志配置
type Config struct {
	Level           string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format          string `yaml:"format" json:"format"` // json, console
	StacktraceLevel string `yaml:"stacktrace_level" json:"stacktrace_level"`
	Output          string `yaml:"output" json:"output"` // stdout, stderr
	ServiceName     string `yaml:"service_name" json:"service_name"`
	Env             string `yaml:"env" json:"env"`
	Instance        string `yaml:"instance" json:"instance"`
}

// ParseLevel 解析日志级别，空串视为 info
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// Init 按 Output 初始化全局日志
func Init(cfg *Config) error {
	var w io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		return fmt.Errorf("unknown log output %q", cfg.Output)
	}
	return InitWithWriter(cfg, w)
}

// InitWithWriter 初始化全局日志并指定输出
func InitWithWriter(cfg *Config, w io.Writer) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	stackLevel := zapcore.ErrorLevel
	if cfg.StacktraceLevel != "" {
		if stackLevel, err = ParseLevel(cfg.StacktraceLevel); err != nil {
			return err
		}
	}
	atomicLevel.SetLevel(level)

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), atomicLevel)
	globalLogger = zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(stackLevel),
		zap.Fields(baseFields(cfg)...),
	)
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// baseFields 每条日志都带的进程标识，未配置的字段不输出
func baseFields(cfg *Config) []zap.Field {
	var fields []zap.Field
	for _, kv := range [][2]string{
		{"service", cfg.ServiceName},
		{"env", cfg.Env},
		{"instance", cfg.Instance},
	} {
		if kv[1] != "" {
			fields = append(fields, zap.String(kv[0], kv[1]))
		}
	}
	return fields
}

// SetLevel 动态设置日志级别，无法解析时保持不变
func SetLevel(levelStr string) error {
	level, err := ParseLevel(levelStr)
	if err != nil {
		return err
	}
	atomicLevel.SetLevel(level)
	return nil
}

// Level 返回当前日志级别
func Level() string {
	return atomicLevel.Level().String()
}

// LevelHandler 查询 (GET) 与修改 (PUT {"level":"debug"}) 日志级别
func LevelHandler() http.Handler {
	return atomicLevel
}

// L 获取全局 logger，未初始化时丢弃输出
func L() *zap.Logger {
	if globalLogger == nil {
		globalLogger = zap.NewNop()
	}
	return globalLogger
}

// Named 返回带 component 名称的子 logger，供调用方直接使用
func Named(component string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(component)
}

// WithContext 从 context 获取携带字段的 logger
func WithContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// NewContext 将带字段的 logger 放入 context，已有的字段会被保留
func NewContext(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxKey{}, WithContext(ctx).With(fields...))
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Sync 同步日志
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
